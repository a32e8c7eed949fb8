package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopal/internal/app"
	"echopal/internal/model"
	"echopal/internal/pkg/pdfextract"
	"echopal/internal/transport/http/middleware"
	"echopal/internal/transport/http/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func asUser(id uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserIDKey, id)
		c.Next()
	}
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.APIResponse {
	t.Helper()
	var resp response.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

type fakeAnswerer struct {
	result *app.AnswerResult
	chunks []string
	err    error
	inputs []app.AskInput
}

func (f *fakeAnswerer) Answer(_ context.Context, input app.AskInput) (*app.AnswerResult, error) {
	f.inputs = append(f.inputs, input)
	return f.result, f.err
}

func (f *fakeAnswerer) StreamAnswer(_ context.Context, input app.AskInput, onChunk func(string) error) (*app.AnswerResult, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func askRouter(a Answerer, stream bool) *gin.Engine {
	h := NewAskHandler(a, stream)
	r := gin.New()
	r.POST("/ask", h.Ask)
	r.POST("/ask/stream", h.Stream)
	return r
}

func TestAsk(t *testing.T) {
	fa := &fakeAnswerer{result: &app.AnswerResult{
		Response: "Employees get 20 days of annual leave.",
		Sources:  []string{"leave.pdf"},
	}}
	r := askRouter(fa, true)

	w := postJSON(r, "/ask", `{"question":"How many leave days?","top_k":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, response.CodeOK, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "Employees get 20 days of annual leave.", data["response"])
	assert.Equal(t, []interface{}{"leave.pdf"}, data["sources"])
	require.Len(t, fa.inputs, 1)
	assert.Equal(t, 3, fa.inputs[0].TopK)
}

func TestAsk_Validation(t *testing.T) {
	r := askRouter(&fakeAnswerer{}, true)

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/ask", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/ask", `{"question":"q","top_k":50}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/ask", `{"question":"q","distance_threshold":3}`).Code)
}

func TestAsk_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   int
	}{
		{fmt.Errorf("%w: empty question", app.ErrInvalidInput), http.StatusBadRequest, response.CodeBadRequest},
		{fmt.Errorf("%w: store down", app.ErrRetrieval), http.StatusBadGateway, response.CodeRetrieval},
		{fmt.Errorf("%w: 503", app.ErrGeneration), http.StatusBadGateway, response.CodeGeneration},
		{errors.New("boom"), http.StatusInternalServerError, response.CodeInternalServer},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := askRouter(&fakeAnswerer{err: tt.err}, true)
			w := postJSON(r, "/ask", `{"question":"q"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode(t, w).Code)
		})
	}
}

func TestAskStream(t *testing.T) {
	fa := &fakeAnswerer{
		chunks: []string{"Twenty ", "days.\nSee policy."},
		result: &app.AnswerResult{Response: "Twenty days.", Sources: []string{"leave.pdf"}},
	}
	w := postJSON(askRouter(fa, true), "/ask/stream", `{"question":"leave?"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: chunk\ndata: Twenty \n\n")
	assert.Contains(t, body, "event: chunk\ndata: days.\\nSee policy.\n\n")
	assert.Contains(t, body, `event: done`+"\n"+`data: {"fallback":false,"sources":["leave.pdf"]}`)
}

func TestAskStream_DisabledSendsOneChunk(t *testing.T) {
	fa := &fakeAnswerer{
		chunks: []string{"never", "sent"},
		result: &app.AnswerResult{Response: app.RefusalNoMatches, Sources: []string{}},
	}
	w := postJSON(askRouter(fa, false), "/ask/stream", `{"question":"leave?"}`)

	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: chunk"))
	assert.Contains(t, body, "data: "+app.RefusalNoMatches)
	assert.NotContains(t, body, "never")
}

func TestAskStream_Error(t *testing.T) {
	fa := &fakeAnswerer{err: fmt.Errorf("%w: timeout", app.ErrGeneration)}
	w := postJSON(askRouter(fa, true), "/ask/stream", `{"question":"leave?"}`)

	assert.Contains(t, w.Body.String(), "event: error")
	assert.NotContains(t, w.Body.String(), "event: done")
}

type fakeDocuments struct {
	uploaded map[string]string
	docs     []app.Document
	err      error
	removed  *app.RemoveResult
}

func (f *fakeDocuments) Upload(_ context.Context, filename string, r io.Reader) (*app.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(r)
	f.uploaded[filename] = string(b)
	return &app.IngestResult{Status: app.StatusAdded, Source: filename, ChunkCount: 2}, nil
}

func (f *fakeDocuments) List(context.Context) ([]app.Document, error) {
	return f.docs, f.err
}

func (f *fakeDocuments) Delete(_ context.Context, name string) (*app.RemoveResult, error) {
	return f.removed, f.err
}

func (f *fakeDocuments) Reindex(_ context.Context, name string) (*app.IngestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &app.IngestResult{Status: app.StatusAdded, Source: name, ChunkCount: 1}, nil
}

func documentRouter(d DocumentManager) *gin.Engine {
	h := NewDocumentHandler(d)
	r := gin.New()
	r.POST("/documents", h.Upload)
	r.GET("/documents", h.List)
	r.DELETE("/documents/:name", h.Delete)
	r.POST("/documents/:name/reindex", h.Reindex)
	return r
}

func multipartUpload(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocumentUpload(t *testing.T) {
	docs := &fakeDocuments{uploaded: map[string]string{}}
	r := documentRouter(docs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartUpload(t, "file", "leave.pdf", "%PDF-1.4 body"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4 body", docs.uploaded["leave.pdf"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, multipartUpload(t, "document", "leave.pdf", "x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{app.ErrNotPDF, http.StatusUnsupportedMediaType},
		{fmt.Errorf("%w: 10 MB", app.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("extract leave.pdf failed: %w", pdfextract.ErrExtraction), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: leave.pdf: offline", app.ErrEmbedding), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			documentRouter(&fakeDocuments{err: tt.err}).ServeHTTP(w, multipartUpload(t, "file", "leave.pdf", "x"))
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := httptest.NewRecorder()
	documentRouter(&fakeDocuments{err: app.ErrDocumentNotFound}).
		ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/documents/gone.pdf", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeDocumentNotFound, decode(t, w).Code)
}

func TestDocumentDelete_CompactionWarning(t *testing.T) {
	docs := &fakeDocuments{
		removed: &app.RemoveResult{Status: app.StatusRemoved, Source: "leave.pdf", DeletedCount: 3},
		err:     fmt.Errorf("%w: disk full", app.ErrCompaction),
	}
	w := httptest.NewRecorder()
	documentRouter(docs).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/documents/leave.pdf", nil))

	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]interface{})
	assert.Contains(t, data["warning"], "disk full")
}

func TestDocumentListAndReindex(t *testing.T) {
	docs := &fakeDocuments{docs: []app.Document{{Name: "leave.pdf", Indexed: true, ChunkCount: 4}}}
	r := documentRouter(docs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"leave.pdf"`)

	w = postJSON(r, "/documents/leave.pdf/reindex", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"added"`)
}

type fakeChat struct {
	sent    []app.SendMessageInput
	history []model.Message
	err     error
}

func (f *fakeChat) CreateSession(input app.CreateSessionInput) (*model.Session, error) {
	return &model.Session{ID: 1, UserID: input.UserID, Title: input.Title}, f.err
}

func (f *fakeChat) ListSessions(userID uint) ([]model.Session, error) {
	return []model.Session{{ID: 1, UserID: userID}}, f.err
}

func (f *fakeChat) DeleteSession(context.Context, uint, uint) error { return f.err }

func (f *fakeChat) SendMessage(_ context.Context, input app.SendMessageInput) (*app.SendMessageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, input)
	return &app.SendMessageResult{Sources: []string{"leave.pdf"}}, nil
}

func (f *fakeChat) StreamMessage(_ context.Context, input app.SendMessageInput, onChunk func(string) error) (*app.SendMessageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, input)
	if err := onChunk("partial"); err != nil {
		return nil, err
	}
	return &app.SendMessageResult{Sources: []string{"leave.pdf"}}, nil
}

func (f *fakeChat) GetHistory(_ context.Context, _, _ uint, _ int) ([]model.Message, error) {
	return f.history, f.err
}

func chatRouter(c ChatManager) *gin.Engine {
	h := NewChatHandler(c)
	r := gin.New()
	g := r.Group("/chat", asUser(9))
	g.POST("/sessions", h.CreateSession)
	g.DELETE("/sessions/:id", h.DeleteSession)
	g.POST("/messages", h.SendMessage)
	g.POST("/messages/stream", h.StreamMessage)
	g.GET("/history", h.GetHistory)
	return r
}

func TestChatSendMessage(t *testing.T) {
	fc := &fakeChat{}
	r := chatRouter(fc)

	w := postJSON(r, "/chat/messages", `{"session_id":4,"content":"leave?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fc.sent, 1)
	assert.Equal(t, uint(9), fc.sent[0].UserID)
	assert.Equal(t, uint(4), fc.sent[0].SessionID)

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/chat/messages", `{"content":"leave?"}`).Code)
}

func TestChatErrors(t *testing.T) {
	r := chatRouter(&fakeChat{err: app.ErrSessionNotFound})
	w := postJSON(r, "/chat/messages", `{"session_id":4,"content":"leave?"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/history?session_id=4", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/chat/sessions/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = chatRouter(&fakeChat{err: app.ErrMessageEnqueue})
	w = postJSON(r, "/chat/messages", `{"session_id":4,"content":"leave?"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatStream(t *testing.T) {
	w := postJSON(chatRouter(&fakeChat{}), "/chat/messages/stream", `{"session_id":4,"content":"leave?"}`)
	body := w.Body.String()
	assert.Contains(t, body, "event: chunk\ndata: partial")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"sources":["leave.pdf"]`)
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) ChunkCount(context.Context) (int, error) { return f.n, f.err }

func TestHealth(t *testing.T) {
	checks := map[string]func(context.Context) error{
		"mysql": func(context.Context) error { return nil },
	}
	h := NewHealthHandler("echopal", "test", time.Now(), fakeCounter{n: 12}, checks)
	r := gin.New()
	r.GET("/healthz", h.Check)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chunk_count":12`)

	checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
