package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"echopal/internal/app"
	"echopal/internal/transport/http/response"
)

// Answerer is the grounded question answering of RAGService.
type Answerer interface {
	Answer(ctx context.Context, input app.AskInput) (*app.AnswerResult, error)
	StreamAnswer(ctx context.Context, input app.AskInput, onChunk func(string) error) (*app.AnswerResult, error)
}

type AskHandler struct {
	answerer Answerer
	stream   bool
}

type AskRequest struct {
	Question          string  `json:"question" binding:"required,max=2000"`
	TopK              int     `json:"top_k" binding:"omitempty,min=1,max=20"`
	DistanceThreshold float64 `json:"distance_threshold" binding:"omitempty,gt=0,lte=2"`
}

// NewAskHandler builds the stateless ask endpoints. With stream disabled the
// stream endpoint still speaks SSE but sends the whole answer as one chunk.
func NewAskHandler(answerer Answerer, stream bool) *AskHandler {
	return &AskHandler{answerer: answerer, stream: stream}
}

func (h *AskHandler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.answerer.Answer(c.Request.Context(), req.input())
	if err != nil {
		writeAnswerError(c, err)
		return
	}
	response.OK(c, result)
}

func (h *AskHandler) Stream(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	sse, ok := newSSEWriter(c)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	var (
		result *app.AnswerResult
		err    error
	)
	if h.stream {
		result, err = h.answerer.StreamAnswer(c.Request.Context(), req.input(), func(chunk string) error {
			return sse.event("chunk", chunk)
		})
	} else {
		result, err = h.answerer.Answer(c.Request.Context(), req.input())
		if err == nil {
			err = sse.event("chunk", result.Response)
		}
	}
	if err != nil {
		_ = sse.event("error", err.Error())
		return
	}
	_ = sse.json("done", gin.H{
		"sources":  result.Sources,
		"fallback": result.Fallback,
	})
}

func (r AskRequest) input() app.AskInput {
	return app.AskInput{
		Question:          r.Question,
		TopK:              r.TopK,
		DistanceThreshold: r.DistanceThreshold,
	}
}

func writeAnswerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrRetrieval):
		response.Error(c, http.StatusBadGateway, response.CodeRetrieval, "retrieval failed")
	case errors.Is(err, app.ErrGeneration):
		response.Error(c, http.StatusBadGateway, response.CodeGeneration, "generation failed")
	case errors.Is(err, app.ErrMessageEnqueue):
		response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "answer failed")
	}
}

type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) event(name, data string) error {
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", name, sanitizeSSE(data)); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) json(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.event(name, string(payload))
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}
