// Package daemon ties the device source, job queue, pipeline worker, and
// cleanup janitor into a single lifecycle with flock-based locking to
// prevent multiple daemon instances.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"safegate/internal/config"
	"safegate/internal/device"
	"safegate/internal/jobqueue"
	"safegate/internal/ledger"
	"safegate/internal/logging"
	"safegate/internal/pipeline"
	"safegate/internal/services"
	"safegate/internal/status"
)

// Options allows tests and alternate wiring to replace the default
// collaborators. Nil fields use the production implementations built from
// configuration.
type Options struct {
	Source   device.Source
	Scanner  pipeline.Scanner
	Archiver pipeline.Archiver
	Remote   pipeline.Remote
	Mailer   pipeline.Mailer
	Clock    clockwork.Clock
}

// Supervisor owns the three goroutines of the daemon: the event producer,
// the single pipeline worker, and the cleanup janitor.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lock        *flock.Flock
	statusStore *status.Store
	ledgerStore *ledger.Store
	queue       *jobqueue.Queue
	prompter    *pipeline.ChannelPrompter
	janitor     *ledger.Janitor
	worker      *pipeline.Worker
	source      device.Source
	polling     bool
	startedAt   time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a supervisor. Resources are acquired in Start.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		opts:       opts,
		shutdownCh: make(chan struct{}),
	}
}

// Start acquires the instance lock, opens the durable stores, and launches
// the producer, worker, and janitor goroutines.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("daemon already running")
	}

	if err := s.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	s.lock = flock.New(s.cfg.LockPath())
	held, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another instance holds %s", s.cfg.LockPath())
	}

	statusStore, err := status.NewStore(s.cfg.Paths.StatusFile)
	if err != nil {
		s.releaseLock()
		return err
	}
	ledgerStore, err := ledger.Open(s.cfg.LedgerPath())
	if err != nil {
		s.releaseLock()
		return err
	}

	s.statusStore = statusStore
	s.ledgerStore = ledgerStore
	s.queue = jobqueue.New(s.logger, s.cfg.Workflow.QueueCapacity)
	s.prompter = pipeline.NewChannelPrompter(s.logger)

	remote := s.opts.Remote
	if remote == nil {
		remote = pipeline.NewWebDAVRemote(s.logger, s.cfg.Remote)
	}
	scanner := s.opts.Scanner
	if scanner == nil {
		scanner = pipeline.NewClamScanner(s.logger, s.cfg.Scanner)
	}
	archiver := s.opts.Archiver
	if archiver == nil {
		archiver = pipeline.NewZipArchiver(s.logger, s.cfg.Paths.StagingDir, s.cfg.Archive)
	}
	mailer := s.opts.Mailer
	if mailer == nil {
		mailer = pipeline.NewSMTPMailer(s.logger, s.cfg.Email)
	}

	s.worker = pipeline.NewWorker(pipeline.Deps{
		Config:   s.cfg,
		Logger:   s.logger,
		Queue:    s.queue,
		Status:   statusStore,
		Ledger:   ledgerStore,
		Scanner:  scanner,
		Archiver: archiver,
		Remote:   remote,
		Mailer:   mailer,
		Prompter: s.prompter,
		Clock:    s.opts.Clock,
	})
	s.janitor = ledger.NewJanitor(
		s.logger,
		ledgerStore,
		remote,
		statusStore,
		s.opts.Clock,
		s.cfg.CheckInterval(),
		s.cfg.Cleanup.MaxDeleteAttempts,
	)

	source, err := s.buildSource()
	if err != nil {
		ledgerStore.Close()
		s.releaseLock()
		return err
	}
	s.source = source

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.startedAt = time.Now().UTC()

	s.wg.Add(3)
	go s.produce(runCtx)
	go s.runWorker(runCtx)
	go s.runJanitor(runCtx)

	s.logger.Info("daemon started",
		logging.Int("pid", os.Getpid()),
		logging.String("strategy", s.cfg.Monitor.Strategy),
	)
	return nil
}

func (s *Supervisor) buildSource() (device.Source, error) {
	if s.opts.Source != nil {
		return s.opts.Source, nil
	}
	poll := time.Duration(s.cfg.Monitor.PollInterval) * time.Second
	settle := time.Duration(s.cfg.Monitor.SettleSeconds) * time.Second

	if s.cfg.Monitor.Strategy == "polling" {
		s.polling = true
		return device.NewPollingSource(s.logger, poll), nil
	}
	source, err := device.NewUdevSource(s.logger, settle)
	if err != nil {
		if s.cfg.Monitor.FallbackPolling {
			s.logger.Warn("udev monitor unavailable, falling back to polling",
				logging.Error(err),
			)
			s.polling = true
			return device.NewPollingSource(s.logger, poll), nil
		}
		return nil, err
	}
	return source, nil
}

func (s *Supervisor) currentSource() device.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *Supervisor) setSource(src device.Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// produce forwards device events into the queue until shutdown. Degrading
// to polling happens at most once; further detection failures are fatal.
func (s *Supervisor) produce(ctx context.Context) {
	defer s.wg.Done()
	src := s.currentSource()
	fellBack := s.polling || s.cfg.Monitor.Strategy == "polling"
	for {
		event, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, services.ErrDetection) {
				s.logger.Error("device detection failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check udev/netlink availability"),
				)
				if s.cfg.Monitor.FallbackPolling && !fellBack {
					fellBack = true
					src.Close()
					poll := time.Duration(s.cfg.Monitor.PollInterval) * time.Second
					src = device.NewPollingSource(s.logger, poll)
					s.setSource(src)
					continue
				}
				// Polling already failed or no fallback left: a dead event
				// source must never be a silent stop.
				if addErr := s.statusStore.AddError("device detection unavailable: " + err.Error()); addErr != nil {
					s.logger.Error("failed to surface detection failure", logging.Error(addErr))
				}
				s.RequestShutdown()
				return
			}
			s.logger.Error("event source error", logging.Error(err))
			continue
		}

		if err := s.queue.Enqueue(event); err != nil {
			switch {
			case errors.Is(err, jobqueue.ErrQueueFull):
				if addErr := s.statusStore.AddError("queue full, dropped device " + event.ID); addErr != nil {
					s.logger.Error("failed to surface dropped arrival", logging.Error(addErr))
				}
			case errors.Is(err, jobqueue.ErrClosed):
				return
			default:
				s.logger.Error("enqueue failed", logging.Error(err))
			}
		}
	}
}

// runWorker keeps the pipeline worker alive, restarting with backoff when
// the durable state path fails.
func (s *Supervisor) runWorker(ctx context.Context) {
	defer s.wg.Done()
	backoff := time.Duration(s.cfg.Workflow.RestartBackoffSeconds) * time.Second
	for {
		err := s.worker.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.Error("pipeline worker failed, restarting",
			logging.Error(err),
			logging.Duration("backoff", backoff),
		)
		if addErr := s.statusStore.AddError("worker restarted: " + err.Error()); addErr != nil {
			s.logger.Error("failed to record worker restart", logging.Error(addErr))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(backoff):
		}
	}
}

func (s *Supervisor) runJanitor(ctx context.Context) {
	defer s.wg.Done()
	if err := s.janitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("cleanup janitor exited", logging.Error(err))
	}
}

// Stop shuts the daemon down, giving in-flight work the configured grace
// period to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	src := s.source
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("daemon stopping")
	s.queue.Close()
	cancel()
	src.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace()):
		s.logger.Warn("shutdown grace period elapsed with work still running")
	}

	if err := s.statusStore.Set(status.StateIdle, "daemon stopped"); err != nil {
		s.logger.Warn("failed to write final status", logging.Error(err))
	}
	if err := s.ledgerStore.Close(); err != nil {
		s.logger.Warn("failed to close ledger", logging.Error(err))
	}
	s.releaseLock()
	s.logger.Info("daemon stopped")
}

func (s *Supervisor) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("failed to release instance lock", logging.Error(err))
	}
	s.lock = nil
}

// RequestShutdown asks the process hosting the supervisor to exit. It is
// safe to call from any goroutine.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// ShutdownRequested returns a channel closed when a shutdown was requested
// internally or via the control surface.
func (s *Supervisor) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Running reports whether the supervisor is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartedAt returns the supervisor start time, zero if not running.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// StatusStore exposes the live status store while running.
func (s *Supervisor) StatusStore() *status.Store {
	return s.statusStore
}

// Ledger exposes the cleanup ledger while running.
func (s *Supervisor) Ledger() *ledger.Store {
	return s.ledgerStore
}

// Janitor exposes the cleanup janitor for manual triggering.
func (s *Supervisor) Janitor() *ledger.Janitor {
	return s.janitor
}

// Prompter exposes the recipient prompter for the control surface.
func (s *Supervisor) Prompter() *pipeline.ChannelPrompter {
	return s.prompter
}

// QueueDepth returns the number of pending jobs.
func (s *Supervisor) QueueDepth() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}
