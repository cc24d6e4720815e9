package main

import (
	"context"
	"fmt"
	"io"

	"taskflow/internal/config"
	"taskflow/internal/database"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/logging"
	"taskflow/internal/models"
	"taskflow/internal/repository"
	"taskflow/internal/service"
	"taskflow/internal/store"
	"taskflow/internal/syncer"
	"taskflow/internal/transport"

	"github.com/rs/zerolog"
)

type journal interface {
	domain.Journal
	domain.DeadLetter
}

// deadLetterLister is implemented by every journal backend that keeps
// failed batches.
type deadLetterLister interface {
	DeadLetters(ctx context.Context) ([]repository.DeadLetterEntry, error)
}

// app wires the client side: journal, transport, local store, engine.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	journal journal
	client  *transport.Client
	svc     *service.SyncService
	bus     *events.EventBus

	closers []func()
	stop    context.CancelFunc
	done    chan struct{}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: baseLogger.With().Str("component", "taskctl").Logger()}
	if closer != nil {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}

	j, err := a.openJournal(context.Background())
	if err != nil {
		a.close()
		return nil, err
	}
	a.journal = j

	a.client = transport.NewClient(cfg.Client, baseLogger)
	a.bus = events.NewEventBus()
	a.bus.Subscribe(events.EventBatchFailed, func(e *events.Event) error {
		var p events.SyncEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		a.logger.Warn().Str("key", p.Key).Int("attempt", p.Attempt).Str("error", p.Error).Msg("Sync batch failed")
		return nil
	})

	st := store.New(baseLogger)
	engine := syncer.NewEngine(a.client, st, syncer.Options{
		Intervals: cfg.Sync.Debounce.Intervals(),
		Retry: syncer.RetryPolicy{
			MaxRetries: cfg.Sync.Retry.MaxRetries,
			BaseDelay:  cfg.Sync.Retry.BaseDelay,
			MaxDelay:   cfg.Sync.Retry.MaxDelay,
			Jitter:     cfg.Sync.Retry.Jitter,
		},
		Journal:    j,
		DeadLetter: j,
		Events:     a.bus,
		Logger:     baseLogger,
	})
	a.svc = service.NewSyncService(st, engine, a.client, baseLogger)
	return a, nil
}

func (a *app) openJournal(ctx context.Context) (journal, error) {
	switch a.cfg.Sync.Journal {
	case config.JournalSQLite:
		db, err := database.NewDB(a.cfg.Sync.JournalPath, &a.logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		return db, nil
	case config.JournalRedis, config.JournalFailover:
		client := repository.NewRedisClient(a.cfg.Redis)
		a.closers = append(a.closers, func() { _ = repository.Close(client) })
		rj := repository.NewRedisJournal(client, a.cfg.Redis.KeyPrefix)
		if a.cfg.Sync.Journal == config.JournalFailover {
			return repository.NewFailoverJournal(rj, repository.NewMemoryJournal(), &a.logger), nil
		}
		if err := repository.Ping(ctx, client); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return rj, nil
	default:
		return repository.NewMemoryJournal(), nil
	}
}

// start runs the engine in the background until close.
func (a *app) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.svc.Run(ctx)
	}()
}

func (a *app) close() {
	if a.stop != nil {
		a.stop()
		<-a.done
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func printStatus(w io.Writer, st models.SyncState) {
	last := "never"
	if st.LastSynced != nil {
		last = st.LastSynced.Format("2006-01-02 15:04:05 MST")
	}
	fmt.Fprintf(w, "Status:   %s\n", st.SyncStatus)
	fmt.Fprintf(w, "Pending:  %d\n", st.PendingChanges)
	fmt.Fprintf(w, "Synced:   %s\n", last)
	if st.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", st.LastError)
	}
}
