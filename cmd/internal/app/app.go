// Package app wires the loom runtime: config, logging, the conversation
// stores, the event-source client, history hydration, the local snapshot,
// and the HTTP view surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"loom/cmd/internal/history"
	"loom/cmd/internal/identity"
	"loom/cmd/internal/snapshot"
	"loom/cmd/internal/state"
	"loom/cmd/internal/transport"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg Config
	log Logger

	chats  *state.ChatStore
	msgs   *state.MessageStore
	notify *state.Notifier

	client *transport.Client

	pool   *pgxpool.Pool
	hist   *history.Source
	snap   *snapshot.Store

	hydrated atomic.Bool
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 30 * time.Second
	}
	if cfg.TypingSweepInterval <= 0 {
		cfg.TypingSweepInterval = 5 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	chats := state.NewChatStore(log)
	msgs, err := state.NewMessageStore(log, state.WithTypingTTL(cfg.TypingTTL))
	if err != nil {
		return nil, err
	}
	notify := state.NewNotifier(log)

	dispatcher, err := transport.NewDispatcher(log, chats, msgs, notify, cfg.UserID)
	if err != nil {
		return nil, err
	}

	proof, err := identity.Proof(cfg.UserID, cfg.Secret, identity.DefaultParams())
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(log, transport.Config{
		URL:        cfg.ServerURL,
		UserID:     cfg.UserID,
		Proof:      proof,
		RateEvents: cfg.RateEvents,
		RateWindow: cfg.RateWindow,
	}, dispatcher)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		chats:  chats,
		msgs:   msgs,
		notify: notify,
		client: client,
	}

	if cfg.SnapshotPath != "" {
		snap, err := snapshot.Open(log, cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		a.snap = snap
		if err := snap.Restore(chats, msgs); err != nil {
			// A broken snapshot costs a cold start, not the session.
			log.Warn("snapshot.restore.fail", "err", err)
		}
	} else {
		log.Info("snapshot.disabled")
	}

	if cfg.DatabaseURL != "" {
		pool, err := history.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			a.closeSnap()
			return nil, err
		}
		src, err := history.NewSource(log, pool,
			history.WithSchema(cfg.DBSchema),
			history.WithPageSize(cfg.HistoryPageSize),
		)
		if err != nil {
			pool.Close()
			a.closeSnap()
			return nil, err
		}
		a.pool = pool
		a.hist = src
	} else {
		log.Info("history.disabled.snapshot_only")
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown order: HTTP server, background loops, final
// snapshot, pool.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.hist != nil {
		if err := a.hist.Hydrate(runCtx, a.chats, a.msgs, a.cfg.UserID); err != nil {
			return err
		}
	}
	a.hydrated.Store(true)
	a.notify.Publish(state.Update{Kind: state.UpdateRoster})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.client.Run(runCtx); err != nil {
			a.log.Error("transport.fail", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweepTypingLoop(runCtx)
	}()

	if a.snap != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.snapshotLoop(runCtx)
		}()
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("app.start",
		"addr", a.cfg.HTTPAddr,
		"server_url", a.cfg.ServerURL,
		"history", a.hist != nil,
		"snapshot", a.snap != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("app.fail", "err", runErr)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http.shutdown.fail", "err", err)
	}

	wg.Wait()

	if a.snap != nil {
		if err := a.snap.Save(a.chats, a.msgs, time.Now().UTC()); err != nil {
			a.log.Error("snapshot.save.fail", "err", err)
		}
	}
	a.closeSnap()
	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("app.stopped")
	return runErr
}

func (a *App) sweepTypingLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.TypingSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, chatID := range a.msgs.SweepTyping(now.UTC()) {
				a.notify.Publish(state.Update{Kind: state.UpdateTyping, ChatID: chatID})
			}
		}
	}
}

func (a *App) snapshotLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.SnapshotInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := a.snap.Save(a.chats, a.msgs, now.UTC()); err != nil {
				a.log.Warn("snapshot.save.fail", "err", err)
			}
		}
	}
}

func (a *App) closeSnap() {
	if a.snap == nil {
		return
	}
	if err := a.snap.Close(); err != nil {
		a.log.Warn("snapshot.close.fail", "err", err)
	}
	a.snap = nil
}
