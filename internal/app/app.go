// Package app builds the process dependencies from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/unclebandit/promo-mailer-backend/internal/config"
	"github.com/unclebandit/promo-mailer-backend/internal/db"
	"github.com/unclebandit/promo-mailer-backend/internal/events"
	"github.com/unclebandit/promo-mailer-backend/internal/lock"
	"github.com/unclebandit/promo-mailer-backend/internal/mailer"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
	"github.com/unclebandit/promo-mailer-backend/internal/queue"
	"github.com/unclebandit/promo-mailer-backend/internal/repository"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
	"github.com/unclebandit/promo-mailer-backend/internal/storage"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB        *sqlx.DB
	Campaigns repository.CampaignRepositoryInterface
	Users     repository.UserRepositoryInterface
	Queue     queue.Queue
	Events    events.Publisher
	Images    storage.ImageStore
	Locker    lock.Locker
	Sender    mailer.Sender

	Service    *service.CampaignService
	Dispatcher *service.Dispatcher
	Sweeper    *service.Sweeper

	closers      []func() error
	queueStopped bool
}

// New connects every backing service named by cfg. On error, whatever was
// already opened is closed.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *App, err error) {
	a = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.initStore(); err != nil {
		return nil, err
	}
	if err := a.initQueue(); err != nil {
		return nil, err
	}
	if err := a.initImages(ctx); err != nil {
		return nil, err
	}
	if err := a.initLocker(); err != nil {
		return nil, err
	}
	if err := a.initEvents(); err != nil {
		return nil, err
	}

	a.Sender, err = mailer.New(mailer.Config{
		Provider:       cfg.MailProvider,
		From:           cfg.MailFrom,
		ResendAPIKey:   cfg.ResendAPIKey,
		SendGridAPIKey: cfg.SendGridAPIKey,
		SMTPURL:        cfg.SMTPURL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}

	a.Service = &service.CampaignService{
		CampaignRepo:   a.Campaigns,
		UserRepo:       a.Users,
		Images:         a.Images,
		Queue:          a.Queue,
		Events:         a.Events,
		Logger:         log.Named("campaigns"),
		Audience:       service.Audience{Role: cfg.RecipientRole, Status: cfg.RecipientStatus},
		DefaultSubject: cfg.MailDefaultSubject,
		MaxImageBytes:  cfg.MaxImageBytes,
		StallAfter:     cfg.DispatchStallAfter,
	}

	a.Dispatcher = service.NewDispatcher(a.Campaigns, a.Sender, mailer.NewRenderer(), a.Locker, a.Events, log.Named("dispatch"),
		service.DispatchConfig{
			Concurrency:      cfg.DispatchConcurrency,
			RatePerSec:       cfg.DispatchRatePerSec,
			SendTimeout:      cfg.DispatchSendTimeout,
			LeaseTTL:         cfg.DispatchLeaseTTL,
			FailureThreshold: cfg.DispatchFailureThreshold,
		})

	a.Sweeper = &service.Sweeper{
		Repo:       a.Campaigns,
		Queue:      a.Queue,
		StallAfter: cfg.DispatchStallAfter,
		Interval:   cfg.SweepInterval,
		Logger:     log.Named("sweeper"),
	}

	return a, nil
}

func (a *App) initStore() error {
	switch a.Config.StoreDriver {
	case "memory":
		repo := repository.NewMemoryRepository(demoUsers()...)
		a.Campaigns = repo
		a.Users = repo.Users()
		a.Logger.Warn("using in-memory store, campaigns are lost on restart")
		return nil
	default:
		conn, err := db.Init(a.Config.DatabaseURL, a.Logger)
		if err != nil {
			return err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Campaigns = repository.NewCampaignRepository(conn)
		a.Users = repository.NewUserRepository(conn)
		return nil
	}
}

func (a *App) initQueue() error {
	switch a.Config.QueueDriver {
	case "amqp":
		q, err := queue.NewAMQPQueue(a.Config.AMQPURL, a.Config.QueueName, a.Logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		a.Queue = q
	default:
		a.Queue = queue.NewInMemoryQueue(a.Logger.Named("queue"))
	}
	return nil
}

func (a *App) initImages(ctx context.Context) error {
	if a.Config.MinIOEndpoint == "" {
		a.Images = storage.NewMemoryImageStore("http://localhost:" + a.Config.Port + "/uploads")
		return nil
	}
	store, err := storage.NewMinIOImageStore(ctx, storage.MinIOConfig{
		Endpoint:  a.Config.MinIOEndpoint,
		AccessKey: a.Config.MinIOAccessKey,
		SecretKey: a.Config.MinIOSecretKey,
		Bucket:    a.Config.MinIOBucket,
		UseSSL:    a.Config.MinIOUseSSL,
		PublicURL: a.Config.MinIOPublicURL,
	})
	if err != nil {
		return fmt.Errorf("minio: %w", err)
	}
	a.Images = store
	return nil
}

func (a *App) initLocker() error {
	if a.Config.RedisAddr == "" {
		a.Locker = lock.NewMemoryLocker()
		return nil
	}
	l, err := lock.NewRedisLocker(a.Config.RedisAddr)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.Locker = l
	a.closers = append(a.closers, l.Close)
	return nil
}

func (a *App) initEvents() error {
	brokers := a.Config.GetKafkaBrokers()
	if len(brokers) == 0 {
		a.Events = events.NopPublisher{}
		return nil
	}
	p, err := events.NewKafkaPublisher(brokers, a.Config.KafkaTopic)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	a.Events = p
	a.closers = append(a.closers, p.Close)
	return nil
}

// Ping checks the primary store.
func (a *App) Ping(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.PingContext(ctx)
}

// Shutdown drains the job queue, giving running dispatches until ctx ends
// to finish, then releases every backing connection.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if d, ok := a.Queue.(interface{ Shutdown(context.Context) error }); ok && !a.queueStopped {
		a.queueStopped = true
		err = d.Shutdown(ctx)
	}
	a.Close()
	return err
}

// Close stops the queue first so no dispatch outlives the locker or the
// event publisher, then releases backing connections in reverse order of
// opening.
func (a *App) Close() {
	if a.Queue != nil && !a.queueStopped {
		a.queueStopped = true
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn("queue close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// demoUsers fills the in-memory directory so a local server can send
// something without a database.
func demoUsers() []model.User {
	return []model.User{
		{ID: 1, Email: "jane.doe@example.com", FirstName: "Jane", LastName: "Doe", Role: "customer", Status: "active"},
		{ID: 2, Email: "john.smith@example.com", FirstName: "John", LastName: "Smith", Role: "customer", Status: "active"},
		{ID: 3, Email: "amina.otieno@example.com", FirstName: "Amina", LastName: "Otieno", Role: "customer", Status: "active"},
	}
}
