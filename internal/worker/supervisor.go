package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// Sweep is periodic maintenance run alongside the pools.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	Pools map[models.Stage]PoolConfig
	// ReapInterval is how often expired leases are returned to the queue.
	ReapInterval time.Duration
}

// Supervisor owns one pool per stage plus the periodic sweeps, and shuts
// them down together.
type Supervisor struct {
	queue  queue.Store
	pools  []*Pool
	sweeps []Sweep
	prefix string

	mu         sync.Mutex
	started    bool
	stopLease  context.CancelFunc
	cancelWork context.CancelFunc
	done       chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSweep adds a periodic sweep.
func WithSweep(s Sweep) Option {
	return func(sv *Supervisor) {
		sv.sweeps = append(sv.sweeps, s)
	}
}

// WithWorkerPrefix sets the prefix of worker ids, which otherwise combine the
// host name with a random suffix.
func WithWorkerPrefix(prefix string) Option {
	return func(sv *Supervisor) {
		sv.prefix = prefix
	}
}

// NewSupervisor builds pools from a stage to handler mapping. Every stage
// must have both a handler and a pool configuration.
func NewSupervisor(q queue.Store, d *Dispatcher, handlers map[models.Stage]StageHandler, cfg Config, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{queue: q, prefix: defaultPrefix()}

	for _, stage := range models.Stages {
		h, ok := handlers[stage]
		if !ok {
			return nil, fmt.Errorf("no handler for stage %s", stage)
		}
		pc, ok := cfg.Pools[stage]
		if !ok {
			return nil, fmt.Errorf("no pool configuration for stage %s", stage)
		}
		p, err := NewPool(stage, h, q, d, pc)
		if err != nil {
			return nil, err
		}
		s.pools = append(s.pools, p)
	}
	for stage := range handlers {
		if !stage.Valid() {
			return nil, fmt.Errorf("handler registered for unknown stage %q", stage)
		}
	}

	if cfg.ReapInterval > 0 {
		s.sweeps = append(s.sweeps, Sweep{Name: "lease-reaper", Interval: cfg.ReapInterval, Run: s.reap})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start launches every pool and sweep. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	leaseCtx, stopLease := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLease, s.cancelWork = stopLease, cancelWork
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, p := range s.pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(leaseCtx, workCtx, s.prefix)
		}()
	}
	for _, sw := range s.sweeps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSweep(leaseCtx, sw)
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()

	slog.Info("worker supervisor started", "pools", len(s.pools), "sweeps", len(s.sweeps), "prefix", s.prefix)
	return nil
}

// Shutdown stops leasing and waits for in-flight jobs to finish. If ctx ends
// first, running handlers are cancelled and their leases left to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	stopLease, cancelWork, done := s.stopLease, s.cancelWork, s.done
	s.mu.Unlock()

	stopLease()
	select {
	case <-done:
		cancelWork()
		slog.Info("worker supervisor stopped")
		return nil
	case <-ctx.Done():
		cancelWork()
		<-done
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}

// Run starts the supervisor, blocks until ctx is cancelled, then shuts down
// allowing in-flight jobs up to grace to finish.
func (s *Supervisor) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Supervisor) reap(ctx context.Context) error {
	n, err := s.queue.ReapExpiredLeases(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("expired leases reaped", "count", n)
	}
	return nil
}

func runSweep(ctx context.Context, sw Sweep) {
	if sw.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := safeSweep(ctx, sw); err != nil && ctx.Err() == nil {
				slog.Error("sweep failed", "sweep", sw.Name, "error", err)
			}
		}
	}
}

func safeSweep(ctx context.Context, sw Sweep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sw.Run(ctx)
}
