package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"echopal/internal/model"
)

// ErrInvalidPayload marks a delivery that can never be persisted.
var ErrInvalidPayload = errors.New("invalid message payload")

type MessageCreator interface {
	Create(message *model.Message) error
}

// PersistedHook runs after a message reached MySQL, typically to clear the
// session's history dirty marker.
type PersistedHook func(ctx context.Context, msg model.Message)

type MessagePersistWorker struct {
	conn        *amqp.Connection
	repo        MessageCreator
	queueName   string
	prefetch    int
	onPersisted PersistedHook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMessagePersistWorker(conn *amqp.Connection, repo MessageCreator, queueName string, onPersisted PersistedHook) *MessagePersistWorker {
	return &MessagePersistWorker{
		conn:        conn,
		repo:        repo,
		queueName:   queueName,
		prefetch:    16,
		onPersisted: onPersisted,
	}
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if _, err := ch.QueueDeclare(w.queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(w.queueName, "echopal-persist", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := w.handle(workerCtx, d.Body); err != nil {
					log.Printf("worker persist message failed: %v", err)
					// a bad payload is dropped, a database error goes back once
					requeue := !errors.Is(err, ErrInvalidPayload) && !d.Redelivered
					_ = d.Nack(false, requeue)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *MessagePersistWorker) handle(ctx context.Context, body []byte) error {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if msg.SessionID == 0 || msg.Role == "" {
		return fmt.Errorf("%w: missing session or role", ErrInvalidPayload)
	}

	if err := w.repo.Create(&msg); err != nil {
		return err
	}
	if w.onPersisted != nil {
		w.onPersisted(ctx, msg)
	}
	return nil
}

func (w *MessagePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
