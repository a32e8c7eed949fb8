package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"echopal/internal/app"
	"echopal/internal/model"
	"echopal/internal/transport/http/middleware"
	"echopal/internal/transport/http/response"
)

type Authenticator interface {
	Register(input app.RegisterInput) (*app.AuthResult, error)
	Login(input app.LoginInput) (*app.AuthResult, error)
	GetUserByID(id uint) (*model.User, error)
}

type AuthHandler struct {
	authService Authenticator
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

func NewAuthHandler(authService Authenticator) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Register(app.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeAuthError(c, err, "register failed")
		return
	}
	writeToken(c, result)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Login(app.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeAuthError(c, err, "login failed")
		return
	}
	writeToken(c, result)
}

var authErrorStatus = []struct {
	err    error
	status int
	code   int
}{
	{app.ErrInvalidInput, http.StatusBadRequest, response.CodeBadRequest},
	{app.ErrUsernameExists, http.StatusConflict, response.CodeUsernameExists},
	{app.ErrEmailExists, http.StatusConflict, response.CodeEmailExists},
	{app.ErrInvalidCredential, http.StatusUnauthorized, response.CodeInvalidCredentials},
}

func writeAuthError(c *gin.Context, err error, fallback string) {
	for _, m := range authErrorStatus {
		if errors.Is(err, m.err) {
			response.Error(c, m.status, m.code, err.Error())
			return
		}
	}
	response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
}

func writeToken(c *gin.Context, result *app.AuthResult) {
	response.OK(c, gin.H{
		"token": result.Token,
		"user":  userView(result.User),
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	user, err := h.authService.GetUserByID(userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch current user failed")
		return
	}
	if user == nil {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found")
		return
	}

	response.OK(c, userView(user))
}

func userView(user *model.User) gin.H {
	return gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	}
}
