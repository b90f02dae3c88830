package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	platformgrpc "github.com/louisbranch/sessionstate/internal/platform/grpc"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/engine"
)

// HealthService is the gRPC health service name reported by the runtime.
const HealthService = "sessionstate.engine"

const (
	defaultPort          = 8094
	defaultTickInterval  = 30 * time.Second
	defaultSweepInterval = 10 * time.Minute
)

// RuntimeConfig controls engine startup and its background loops.
type RuntimeConfig struct {
	Port    int
	Storage StorageConfig
	Engine  engine.Config
	// PolicyFile is an optional YAML file with per-type archive policies.
	PolicyFile    string
	TickInterval  time.Duration
	SweepInterval time.Duration
	// MemoryLimit is the heap size in bytes above which ticks run under
	// memory pressure. Zero disables the check.
	MemoryLimit    uint64
	TerminalStates []string
	Logger         *logging.Logger
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Runtime is a started engine together with the stores it owns.
type Runtime struct {
	cfg      RuntimeConfig
	engine   *engine.Engine
	storage  *storageSet
	pressure func() bool
	logger   *logging.Logger
}

// NewRuntime opens storage and builds the engine. Close releases the stores.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.normalized()
	if cfg.PolicyFile != "" {
		policies, err := archive.LoadPolicies(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Engine.Policies = policies
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	set, err := openStorage(ctx, cfg.Storage, cfg.Logger)
	if err != nil {
		return nil, err
	}
	e, err := engine.New(set.stores, MergeApplier{Terminal: cfg.TerminalStates}, cfg.Engine,
		engine.WithValidator(ValidateJSONObject),
		engine.WithLogger(cfg.Logger))
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	return &Runtime{
		cfg:      cfg,
		engine:   e,
		storage:  set,
		pressure: heapPressure(cfg.MemoryLimit),
		logger:   cfg.Logger,
	}, nil
}

// Engine returns the engine the runtime drives.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Close releases the stores.
func (r *Runtime) Close() error {
	if r == nil || r.storage == nil {
		return nil
	}
	return r.storage.Close()
}

// Run drives the archive worker and the tick and sweep loops until ctx is
// cancelled. The worker drains its queue before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.engine.Run(gctx)
	})
	g.Go(func() error {
		return every(gctx, r.cfg.TickInterval, r.tick)
	})
	g.Go(func() error {
		return every(gctx, r.cfg.SweepInterval, r.sweep)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) tick(ctx context.Context) {
	pressure := r.pressure()
	result, err := r.engine.Tick(ctx, pressure)
	if err != nil {
		r.logger.Warn("archive tick failed", "error", err)
		return
	}
	if result.Enqueued > 0 || result.Invalid > 0 {
		r.logger.Info("archive tick",
			"evaluated", result.Evaluated,
			"enqueued", result.Enqueued,
			"invalid", result.Invalid,
			"pressure", pressure)
	}
}

func (r *Runtime) sweep(ctx context.Context) {
	result, err := r.engine.Sweep(ctx)
	if err != nil {
		r.logger.Warn("archive sweep failed", "error", err)
		return
	}
	if result.Expired > 0 || result.Recompressed > 0 || result.Failed > 0 {
		r.logger.Info("archive sweep",
			"expired", result.Expired,
			"recompressed", result.Recompressed,
			"failed", result.Failed)
	}
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// heapPressure reports memory pressure once the live heap reaches limit.
func heapPressure(limit uint64) func() bool {
	if limit == 0 {
		return func() bool { return false }
	}
	return func() bool {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return stats.HeapAlloc >= limit
	}
}

// Run starts the engine runtime and its health server and blocks until ctx
// is cancelled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.logger.Error("close storage", "error", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", rt.cfg.Port, err)
	}
	defer listener.Close()

	grpcServer, healthServer := platformgrpc.NewHealthServer(HealthService)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	rt.logger.Info("sessionstate engine listening", "addr", listener.Addr().String())
	return rt.Run(ctx)
}
