package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"echopal/internal/app"
	"echopal/internal/pkg/pdfextract"
	"echopal/internal/transport/http/response"
)

type DocumentManager interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*app.IngestResult, error)
	List(ctx context.Context) ([]app.Document, error)
	Delete(ctx context.Context, name string) (*app.RemoveResult, error)
	Reindex(ctx context.Context, name string) (*app.IngestResult, error)
}

// DocumentHandler serves the admin-only knowledge base endpoints.
type DocumentHandler struct {
	documents DocumentManager
}

func NewDocumentHandler(documents DocumentManager) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file field")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "cannot read uploaded file")
		return
	}
	defer file.Close()

	result, err := h.documents.Upload(c.Request.Context(), fileHeader.Filename, file)
	if err != nil {
		writeDocumentError(c, err, "upload failed")
		return
	}
	response.OK(c, result)
}

func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.documents.List(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	result, err := h.documents.Delete(c.Request.Context(), c.Param("name"))
	switch {
	case err == nil:
		response.OK(c, result)
	case errors.Is(err, app.ErrCompaction) && result != nil:
		// chunks are gone, only the VACUUM failed
		response.OK(c, gin.H{"result": result, "warning": err.Error()})
	default:
		writeDocumentError(c, err, "delete failed")
	}
}

func (h *DocumentHandler) Reindex(c *gin.Context) {
	result, err := h.documents.Reindex(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeDocumentError(c, err, "reindex failed")
		return
	}
	response.OK(c, result)
}

func writeDocumentError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrNotPDF):
		response.Error(c, http.StatusUnsupportedMediaType, response.CodeNotPDF, err.Error())
	case errors.Is(err, app.ErrFileTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeFileTooLarge, err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, pdfextract.ErrExtraction):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeUnreadablePDF, err.Error())
	case errors.Is(err, app.ErrEmbedding):
		response.Error(c, http.StatusBadGateway, response.CodeEmbedding, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
