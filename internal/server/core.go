package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/auth"
	"github.com/relaychat/relay/internal/broker"
	"github.com/relaychat/relay/internal/coordinator"
	"github.com/relaychat/relay/internal/delivery"
	"github.com/relaychat/relay/internal/history"
	"github.com/relaychat/relay/internal/registry"
	"github.com/relaychat/relay/internal/roomtable"
)

// BrokerFactory builds the broker client once the delivery handler exists.
// main selects NATS or an in-memory exchange endpoint.
type BrokerFactory func(handler broker.Handler) (broker.Broker, error)

// Core wires the distribution components of one relay process and owns the
// lifecycle of every client connection it accepts.
type Core struct {
	cfg    Config
	log    *zap.Logger
	origin string

	registry *registry.Registry
	table    *roomtable.Table
	pipeline *delivery.Pipeline
	coord    *coordinator.Coordinator
	broker   broker.Broker
	auth     auth.Authenticator
	origins  *originChecker

	accepting atomic.Bool

	clientMu sync.Mutex
	clients  map[string]*Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCore assembles a relay process identified by origin. The broker factory
// receives the coordinator's delivery callback as its handler.
func NewCore(origin string, cfg Config, authn auth.Authenticator, rec history.Recorder,
	factory BrokerFactory, log *zap.Logger) (*Core, error) {
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())

	co := &Core{
		cfg:      cfg,
		log:      log,
		origin:   origin,
		registry: registry.New(cfg.ReconnectGrace, log.Named("registry")),
		table:    roomtable.New(),
		pipeline: delivery.New(cfg.QueueSize, int(cfg.MaxMessageSize), log.Named("delivery")),
		auth:     authn,
		origins:  newOriginChecker(cfg.AllowedOrigins, log.Named("origin")),
		clients:  make(map[string]*Client),
		ctx:      ctx,
		cancel:   cancel,
	}
	co.coord = coordinator.New(origin, co.registry, co.table, co.pipeline, rec, log.Named("coordinator"))

	b, err := factory(co.coord.HandleEvent)
	if err != nil {
		cancel()
		return nil, err
	}
	co.broker = b
	co.coord.BindBroker(b)

	co.accepting.Store(true)
	return co, nil
}

// Accepting reports whether the process takes new connections. Flipped off at
// the start of graceful shutdown.
func (co *Core) Accepting() bool {
	return co.accepting.Load()
}

func (co *Core) addClient(c *Client) {
	co.clientMu.Lock()
	co.clients[c.id] = c
	co.clientMu.Unlock()
}

func (co *Core) removeClient(connID string) {
	co.clientMu.Lock()
	delete(co.clients, connID)
	co.clientMu.Unlock()
}

func (co *Core) clientSnapshot() []*Client {
	co.clientMu.Lock()
	defer co.clientMu.Unlock()
	clients := make([]*Client, 0, len(co.clients))
	for _, c := range co.clients {
		clients = append(clients, c)
	}
	return clients
}

// Shutdown drains every connection and waits for the pumps to finish, up to
// the configured timeout. New connections are refused immediately; queued
// outbound frames are flushed before sockets close.
func (co *Core) Shutdown(timeout time.Duration) error {
	co.accepting.Store(false)
	co.log.Info("draining client connections", zap.Int("clients", co.registry.Len()))

	for _, c := range co.clientSnapshot() {
		co.coord.MarkDraining(c.id)
	}

	done := make(chan struct{})
	go func() {
		co.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		co.log.Warn("drain timeout reached, forcing connections closed")
		err = context.DeadlineExceeded
	}

	co.cancel()
	for _, c := range co.clientSnapshot() {
		c.forceClose()
	}

	if cerr := co.broker.Close(); cerr != nil {
		co.log.Warn("broker close failed", zap.Error(cerr))
	}
	co.log.Info("core shutdown complete")
	return err
}
