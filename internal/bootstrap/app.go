package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"echopal/internal/app"
	"echopal/internal/cache"
	"echopal/internal/config"
	"echopal/internal/model"
	mysqlClient "echopal/internal/platform/mysql"
	rabbitmqClient "echopal/internal/platform/rabbitmq"
	redisClient "echopal/internal/platform/redis"
	"echopal/internal/repository"
	"echopal/internal/watcher"
	"echopal/internal/worker"
)

// App is everything the HTTP server needs: the retrieval engine plus the
// users, chat and document services and their backing infrastructure.
type App struct {
	*Engine

	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Publisher     *rabbitmqClient.MessagePublisher
	MessageWorker *worker.MessagePersistWorker
	Watcher       *watcher.Watcher

	Auth      *app.AuthService
	Chat      *app.ChatService
	Documents *app.DocumentService

	StartedAt time.Time
}

func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	engine, err := NewEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a = &App{Engine: engine, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN(), &model.User{}, &model.Session{}, &model.Message{})
	if err != nil {
		return nil, err
	}
	userRepo := repository.NewUserRepository(a.MySQL)
	sessionRepo := repository.NewSessionRepository(a.MySQL)
	messageRepo := repository.NewMessageRepository(a.MySQL)

	a.Auth = app.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)
	if cfg.Auth.AdminPassword != "" {
		if _, err = a.Auth.EnsureAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			return nil, err
		}
	} else if n, countErr := userRepo.CountByRole(model.RoleAdmin); countErr == nil && n == 0 {
		log.Printf("auth: no admin account and auth.admin_password is empty, document routes are unreachable")
	}

	var historyCache *cache.HistoryCache
	if cfg.Redis.Enabled {
		a.Redis, err = redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		historyCache = cache.NewHistoryCache(
			a.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
	}

	var publisher app.AsyncMessagePublisher = app.NewSyncMessagePublisher(messageRepo)
	if cfg.RabbitMQ.Enabled {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return nil, err
		}
		a.Publisher = rabbitmqClient.NewMessagePublisher(a.MQConn, cfg.RabbitMQ.MessagePersistQueue)
		publisher = a.Publisher

		var onPersisted worker.PersistedHook
		if historyCache != nil {
			onPersisted = func(ctx context.Context, msg model.Message) {
				if err := historyCache.ClearDirty(ctx, msg.SessionID); err != nil {
					log.Printf("worker clear dirty marker failed: %v", err)
				}
			}
		}
		a.MessageWorker = worker.NewMessagePersistWorker(a.MQConn, messageRepo, cfg.RabbitMQ.MessagePersistQueue, onPersisted)
		if err = a.MessageWorker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start message worker failed: %w", err)
		}
	}

	// a nil *HistoryCache must not become a non-nil interface
	var chatCache app.HistoryCache
	if historyCache != nil {
		chatCache = historyCache
	}
	a.Chat = app.NewChatService(sessionRepo, messageRepo, publisher, chatCache, a.RAG)
	a.Documents = app.NewDocumentService(cfg.Storage.UploadDir, cfg.Storage.MaxUploadMB, a.RAG)

	if cfg.Watcher.Enabled {
		a.Watcher = watcher.New(cfg.Storage.UploadDir, a.RAG, time.Duration(cfg.Watcher.DebounceMS)*time.Millisecond)
		if err = a.Watcher.Start(ctx); err != nil {
			return nil, fmt.Errorf("start watcher failed: %w", err)
		}
	}

	return a, nil
}

// HealthChecks returns a probe per enabled dependency.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"vector_store": func(ctx context.Context) error {
			_, err := a.Store.Count(ctx)
			return err
		},
	}
	if a.MySQL != nil {
		checks["mysql"] = func(ctx context.Context) error { return mysqlClient.Ping(ctx, a.MySQL) }
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx, a.Redis) }
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(context.Context) error { return rabbitmqClient.Ping(a.MQConn) }
	}
	return checks
}

func (a *App) Close() error {
	var closeErr error
	if a.Watcher != nil {
		if err := a.Watcher.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			closeErr = err
		}
	}
	return closeErr
}
