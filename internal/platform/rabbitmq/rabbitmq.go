package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 3 * time.Second

// New dials the broker and opens a throwaway channel to prove it answers.
func New(ctx context.Context, url string) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": "echopal"},
		})
		done <- result{conn: conn, err: err}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var conn *amqp.Connection
	select {
	case <-checkCtx.Done():
		return nil, fmt.Errorf("rabbitmq dial timeout: %w", checkCtx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("dial rabbitmq failed: %w", r.err)
		}
		conn = r.conn
	}

	if err := Ping(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Ping reports whether the connection can still open channels.
func Ping(conn *amqp.Connection) error {
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	return ch.Close()
}
