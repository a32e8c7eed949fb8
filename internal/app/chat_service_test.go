package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopal/internal/model"
)

type memSessionStore struct {
	nextID   uint
	sessions map[uint]*model.Session
	touched  []uint
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[uint]*model.Session)}
}

func (m *memSessionStore) Create(s *model.Session) error {
	m.nextID++
	s.ID = m.nextID
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessionStore) ListByUserID(userID uint) ([]model.Session, error) {
	var out []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memSessionStore) GetByIDAndUserID(sessionID, userID uint) (*model.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	return s, nil
}

func (m *memSessionStore) DeleteByIDAndUserID(sessionID, userID uint) error {
	if s, ok := m.sessions[sessionID]; ok && s.UserID == userID {
		delete(m.sessions, sessionID)
	}
	return nil
}

func (m *memSessionStore) Touch(sessionID uint) error {
	m.touched = append(m.touched, sessionID)
	return nil
}

type memMessageStore struct {
	mu       sync.Mutex
	messages []model.Message
}

func (m *memMessageStore) Create(msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uint(len(m.messages) + 1)
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memMessageStore) ListBySessionID(sessionID uint, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return trimMessages(out, limit), nil
}

func (m *memMessageStore) DeleteBySessionID(sessionID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.SessionID != sessionID {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

type fakeAnswerer struct {
	result *AnswerResult
	err    error
	asked  []string
}

func (f *fakeAnswerer) Answer(_ context.Context, input AskInput) (*AnswerResult, error) {
	f.asked = append(f.asked, input.Question)
	return f.result, f.err
}

func (f *fakeAnswerer) StreamAnswer(_ context.Context, input AskInput, onChunk func(string) error) (*AnswerResult, error) {
	f.asked = append(f.asked, input.Question)
	if f.err != nil {
		return nil, f.err
	}
	if err := onChunk(f.result.Response); err != nil {
		return nil, err
	}
	return f.result, nil
}

type memHistoryCache struct {
	history map[uint][]model.Message
	dirty   map[uint]bool
	gets    int
}

func newMemHistoryCache() *memHistoryCache {
	return &memHistoryCache{history: map[uint][]model.Message{}, dirty: map[uint]bool{}}
}

func (c *memHistoryCache) GetHistory(_ context.Context, id uint) ([]model.Message, bool, error) {
	c.gets++
	h, ok := c.history[id]
	return h, ok, nil
}

func (c *memHistoryCache) SetHistory(_ context.Context, id uint, m []model.Message) error {
	c.history[id] = m
	return nil
}

func (c *memHistoryCache) DeleteHistory(_ context.Context, id uint) error {
	delete(c.history, id)
	return nil
}

func (c *memHistoryCache) MarkDirty(_ context.Context, id uint) error {
	c.dirty[id] = true
	return nil
}

func (c *memHistoryCache) IsDirty(_ context.Context, id uint) (bool, error) {
	return c.dirty[id], nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, model.Message) error {
	return errors.New("broker down")
}

type chatFixture struct {
	sessions *memSessionStore
	messages *memMessageStore
	cache    *memHistoryCache
	answerer *fakeAnswerer
	svc      *ChatService
}

func newChatFixture() *chatFixture {
	f := &chatFixture{
		sessions: newMemSessionStore(),
		messages: &memMessageStore{},
		cache:    newMemHistoryCache(),
		answerer: &fakeAnswerer{result: &AnswerResult{
			Response: " Twenty days of annual leave. ",
			Sources:  []string{"leave.pdf"},
		}},
	}
	f.svc = NewChatService(f.sessions, f.messages, NewSyncMessagePublisher(f.messages), f.cache, f.answerer)
	return f
}

func TestChat_SendMessageRecordsBothTurns(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture()
	session, err := f.svc.CreateSession(CreateSessionInput{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "New Chat", session.Title)

	res, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: " How much leave? "})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, []string{"leave.pdf"}, res.Sources)
	assert.Equal(t, []string{"How much leave?"}, f.answerer.asked)

	stored, err := f.messages.ListBySessionID(session.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.MessageRoleUser, stored[0].Role)
	assert.Equal(t, model.MessageRoleAssistant, stored[1].Role)
	assert.Equal(t, "Twenty days of annual leave.", stored[1].Content)
	assert.Equal(t, model.StringList{"leave.pdf"}, stored[1].Sources)

	assert.True(t, f.cache.dirty[session.ID])
	assert.Equal(t, []uint{session.ID}, f.sessions.touched)
}

func TestChat_StreamMessage(t *testing.T) {
	f := newChatFixture()
	session, err := f.svc.CreateSession(CreateSessionInput{UserID: 1, Title: "Leave"})
	require.NoError(t, err)

	var chunks []string
	res, err := f.svc.StreamMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: session.ID, Content: "q"}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Len(t, res.Messages, 2)
}

func TestChat_Errors(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture()
	session, err := f.svc.CreateSession(CreateSessionInput{UserID: 1})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 2, SessionID: session.ID, Content: "q"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: "  "})
	assert.ErrorIs(t, err, ErrMessageEmpty)

	f.answerer.err = ErrRetrieval
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: "q"})
	assert.ErrorIs(t, err, ErrRetrieval)

	f.svc.publisher = failingPublisher{}
	f.answerer.err = nil
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: "q"})
	assert.ErrorIs(t, err, ErrMessageEnqueue)
}

func TestChat_HistoryUsesCleanCache(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture()
	session, err := f.svc.CreateSession(CreateSessionInput{UserID: 1})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: "q"})
	require.NoError(t, err)

	// dirty: served from the repository, cache left alone
	history, err := f.svc.GetHistory(ctx, 1, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Empty(t, f.cache.history)

	f.cache.dirty[session.ID] = false
	_, err = f.svc.GetHistory(ctx, 1, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, f.cache.history[session.ID], 2)

	f.cache.history[session.ID] = f.cache.history[session.ID][:1]
	history, err = f.svc.GetHistory(ctx, 1, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestChat_DeleteSession(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture()
	session, err := f.svc.CreateSession(CreateSessionInput{UserID: 1})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: session.ID, Content: "q"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteSession(ctx, 2, session.ID), ErrSessionNotFound)
	require.NoError(t, f.svc.DeleteSession(ctx, 1, session.ID))

	sessions, err := f.svc.ListSessions(1)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Empty(t, f.messages.messages)
}
