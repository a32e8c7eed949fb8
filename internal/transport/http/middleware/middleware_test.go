package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopal/internal/pkg/jwtutil"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newProtectedRouter(extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthJWT(testSecret)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		id, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "role": c.GetString(ContextRoleKey)})
	})
	r.GET("/p", handlers...)
	return r
}

func doGet(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, userID uint, role string) string {
	t.Helper()
	tok, err := jwtutil.GenerateToken(testSecret, time.Hour, userID, "alice", role)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestAuthJWT(t *testing.T) {
	r := newProtectedRouter()

	assert.Equal(t, http.StatusUnauthorized, doGet(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "Bearer not-a-token").Code)

	w := doGet(r, token(t, 7, "user"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7,"role":"user"}`, w.Body.String())
}

func TestRequireRole(t *testing.T) {
	r := newProtectedRouter(RequireRole("admin"))

	assert.Equal(t, http.StatusForbidden, doGet(r, token(t, 7, "user")).Code)
	assert.Equal(t, http.StatusOK, doGet(r, token(t, 1, "admin")).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	r := newProtectedRouter(RateLimit(limiter))
	alice := token(t, 7, "user")
	bob := token(t, 8, "user")

	assert.Equal(t, http.StatusOK, doGet(r, alice).Code)
	assert.Equal(t, http.StatusOK, doGet(r, alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(r, alice).Code)

	assert.Equal(t, http.StatusOK, doGet(r, bob).Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/p", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextRequestIDKey))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p", nil))
	generated := w.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(generated)
	require.NoError(t, err)
	assert.Equal(t, generated, w.Body.String())

	supplied := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set(HeaderRequestID, supplied)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, supplied, w.Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set(HeaderRequestID, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get(HeaderRequestID))
}
