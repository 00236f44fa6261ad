// Package node assembles the indexer process: it connects the chain, store
// and lock collaborators, registers the long-running services and owns the
// shutdown sequence.
package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/roundscan/roundscan/async"
	"github.com/roundscan/roundscan/cmd/roundscan/flags"
	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/indexer/chain"
	"github.com/roundscan/roundscan/indexer/db"
	"github.com/roundscan/roundscan/indexer/harvest"
	"github.com/roundscan/roundscan/indexer/lock"
	"github.com/roundscan/roundscan/indexer/locator"
	"github.com/roundscan/roundscan/indexer/pipeline"
	"github.com/roundscan/roundscan/indexer/scheduler"
	"github.com/roundscan/roundscan/indexer/validate"
	"github.com/roundscan/roundscan/monitoring/prometheus"
	"github.com/roundscan/roundscan/runtime"
)

var log = logrus.WithField("prefix", "node")

// Node handles the lifecycle of the indexer: construction wires every
// collaborator, Start launches the registered services and blocks until a
// signal or a fatal error stops them.
type Node struct {
	cfg      *params.Config
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	store    *db.Store

	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	fatalErr error
}

// New builds the node from the parsed CLI context.
func New(cliCtx *cli.Context) (*Node, error) {
	cfg := flags.ConfigFromCLI(cliCtx)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	n := &Node{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	reader, err := chain.NewReader(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	store, err := db.Open(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	n.store = store
	if err := store.Migrate(ctx); err != nil {
		cancel()
		store.Close()
		return nil, err
	}
	locks, err := lock.New(ctx, cfg)
	if err != nil {
		cancel()
		store.Close()
		return nil, err
	}

	pipe := pipeline.New(
		store,
		locks,
		locator.New(reader, cfg),
		harvest.New(reader, cfg),
		validate.New(cfg.Location()),
		reader,
		cfg,
	)

	sweeper := scheduler.NewSweeper(ctx, pipe, reader, cfg, n.fatal)
	tip := scheduler.NewTipRunner(ctx, pipe, reader, cfg, n.fatal)
	if err := n.services.RegisterService(sweeper); err != nil {
		cancel()
		store.Close()
		return nil, err
	}
	if err := n.services.RegisterService(tip); err != nil {
		cancel()
		store.Close()
		return nil, err
	}
	if cfg.MonitoringAddr != "" {
		if err := n.services.RegisterService(prometheus.NewService(cfg.MonitoringAddr, n.services)); err != nil {
			cancel()
			store.Close()
			return nil, err
		}
	}
	return n, nil
}

// fatal records the first fatal error and triggers shutdown.
func (n *Node) fatal(err error) {
	n.mu.Lock()
	if n.fatalErr == nil {
		n.fatalErr = err
	}
	n.mu.Unlock()
	log.WithError(err).Error("Fatal error, shutting down")
	n.stopOnce.Do(func() { close(n.stop) })
}

// FatalErr reports the error that forced shutdown, if any.
func (n *Node) FatalErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatalErr
}

// Start launches every service and blocks until a termination signal or a
// fatal error. It returns once shutdown has completed.
func (n *Node) Start() {
	n.services.StartAll()
	async.RunEvery(n.ctx, 10*time.Minute, func() {
		for kind, err := range n.services.Statuses() {
			if err != nil {
				log.WithError(err).WithField("service", kind.String()).Warn("Service unhealthy")
			}
		}
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		log.WithField("signal", sig.String()).Info("Received interrupt, shutting down")
	case <-n.stop:
	}
	n.Close()
}

// Close stops every service in reverse registration order and releases the
// shared resources.
func (n *Node) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.cancel()
	n.services.StopAll()
	n.store.Close()
	log.Info("Stopped")
}
