package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"echopal/internal/model"
)

const historyWindow = 100

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrMessageEnqueue  = errors.New("message enqueue failed")
)

type SessionStore interface {
	Create(session *model.Session) error
	ListByUserID(userID uint) ([]model.Session, error)
	GetByIDAndUserID(sessionID, userID uint) (*model.Session, error)
	DeleteByIDAndUserID(sessionID, userID uint) error
	Touch(sessionID uint) error
}

type MessageStore interface {
	Create(message *model.Message) error
	ListBySessionID(sessionID uint, limit int) ([]model.Message, error)
	DeleteBySessionID(sessionID uint) error
}

// Answerer is the grounded answering side of RAGService.
type Answerer interface {
	Answer(ctx context.Context, input AskInput) (*AnswerResult, error)
	StreamAnswer(ctx context.Context, input AskInput, onChunk func(string) error) (*AnswerResult, error)
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	MarkDirty(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

// SyncMessagePublisher writes messages straight to the repository. It is
// used when RabbitMQ is disabled.
type SyncMessagePublisher struct {
	messages MessageStore
}

func NewSyncMessagePublisher(messages MessageStore) *SyncMessagePublisher {
	return &SyncMessagePublisher{messages: messages}
}

func (p *SyncMessagePublisher) Publish(_ context.Context, msg model.Message) error {
	return p.messages.Create(&msg)
}

// ChatService keeps per-user chat sessions whose assistant turns are
// answered by the RAG engine.
type ChatService struct {
	sessionRepo  SessionStore
	messageRepo  MessageStore
	publisher    AsyncMessagePublisher
	historyCache HistoryCache
	answerer     Answerer
}

type CreateSessionInput struct {
	UserID uint
	Title  string
}

type SendMessageInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type SendMessageResult struct {
	Messages []model.Message `json:"messages"`
	Sources  []string        `json:"sources"`
	Fallback bool            `json:"fallback"`
}

func NewChatService(
	sessionRepo SessionStore,
	messageRepo MessageStore,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	answerer Answerer,
) *ChatService {
	return &ChatService{
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		publisher:    publisher,
		historyCache: historyCache,
		answerer:     answerer,
	}
}

func (s *ChatService) CreateSession(input CreateSessionInput) (*model.Session, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "New Chat"
	}

	session := &model.Session{
		UserID: input.UserID,
		Title:  title,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessionRepo.ListByUserID(userID)
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if userID == 0 || sessionID == 0 {
		return ErrInvalidInput
	}
	if _, err := s.ownedSession(userID, sessionID); err != nil {
		return err
	}
	if err := s.messageRepo.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if err := s.sessionRepo.DeleteByIDAndUserID(sessionID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	return nil
}

func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*SendMessageResult, error) {
	return s.send(ctx, input, nil)
}

// StreamMessage is SendMessage with the assistant reply delivered through
// onChunk while it is generated.
func (s *ChatService) StreamMessage(ctx context.Context, input SendMessageInput, onChunk func(string) error) (*SendMessageResult, error) {
	if onChunk == nil {
		return nil, ErrInvalidInput
	}
	return s.send(ctx, input, onChunk)
}

func (s *ChatService) send(ctx context.Context, input SendMessageInput, onChunk func(string) error) (*SendMessageResult, error) {
	if input.UserID == 0 || input.SessionID == 0 {
		return nil, ErrInvalidInput
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, ErrMessageEmpty
	}
	if _, err := s.ownedSession(input.UserID, input.SessionID); err != nil {
		return nil, err
	}

	userMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.MessageRoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.invalidateHistory(ctx, input.SessionID)
	if err := s.publisher.Publish(ctx, userMessage); err != nil {
		return nil, ErrMessageEnqueue
	}

	var (
		answer *AnswerResult
		err    error
	)
	if onChunk != nil {
		answer, err = s.answerer.StreamAnswer(ctx, AskInput{Question: content}, onChunk)
	} else {
		answer, err = s.answerer.Answer(ctx, AskInput{Question: content})
	}
	if err != nil {
		return nil, err
	}

	assistantMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.MessageRoleAssistant,
		Content:   strings.TrimSpace(answer.Response),
		Sources:   model.StringList(answer.Sources),
		Fallback:  answer.Fallback,
		CreatedAt: time.Now(),
	}
	if err := s.publisher.Publish(ctx, assistantMessage); err != nil {
		return nil, ErrMessageEnqueue
	}
	_ = s.sessionRepo.Touch(input.SessionID)

	return &SendMessageResult{
		Messages: []model.Message{userMessage, assistantMessage},
		Sources:  answer.Sources,
		Fallback: answer.Fallback,
	}, nil
}

func (s *ChatService) GetHistory(ctx context.Context, userID, sessionID uint, limit int) ([]model.Message, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}
	if _, err := s.ownedSession(userID, sessionID); err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	// the cache always holds the full window so any limit can be served from it
	messages, err := s.messageRepo.ListBySessionID(sessionID, historyWindow)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return trimMessages(messages, limit), nil
}

func (s *ChatService) ownedSession(userID, sessionID uint) (*model.Session, error) {
	session, err := s.sessionRepo.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// invalidateHistory marks the cached history stale until the persist
// worker has written the new messages.
func (s *ChatService) invalidateHistory(ctx context.Context, sessionID uint) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, sessionID)
	_ = s.historyCache.DeleteHistory(ctx, sessionID)
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
