package relay

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/relaybus/broker"
	"github.com/c360/relaybus/config"
	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/health"
	"github.com/c360/relaybus/history"
	"github.com/c360/relaybus/metric"
	"github.com/c360/relaybus/natsclient"
	"github.com/c360/relaybus/registry"
	"github.com/c360/relaybus/session"
	"github.com/c360/relaybus/store"
)

// Version is the relay release reported on the hello endpoint.
const Version = "2.0.0"

const httpShutdownTimeout = 5 * time.Second

// Service is one relay node.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats    *natsclient.Client
	store   store.Store
	reg     *registry.Registry
	broker  *broker.Broker
	history *history.History
	session *session.Server

	wsServer    *http.Server
	adminServer *http.Server
	wsAddr      string
	adminAddr   string

	mu      sync.Mutex
	started bool

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds an unstarted relay service from its configuration.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start brings the node up: store, broker, registry, history, session
// layer, then the two HTTP listeners.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	nodeID := s.cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	s.logger.Info("starting relay", "node", nodeID, "store", s.cfg.Store.Mode, "version", Version)

	if err := s.openStore(ctx); err != nil {
		return err
	}

	s.broker = broker.New(s.store, nodeID,
		broker.WithLogger(s.logger),
		broker.WithMetrics(s.metrics),
		broker.WithMaxTTL(s.cfg.Broker.MaxTTL))

	s.reg = registry.New(
		registry.WithAnnouncer(s.broker),
		registry.WithLogger(s.logger),
		registry.WithMetrics(s.metrics))
	s.broker.SetSubscribers(s.reg)

	s.history = history.New(s.store, history.WithLogger(s.logger))
	if err := s.history.Start(ctx); err != nil {
		s.teardownStore(ctx)
		return errors.Wrap(err, "Service", "Start", "start history")
	}

	s.session = session.NewServer(s.cfg.Session, s.reg, s.broker, s.history,
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics))
	s.session.SetAllowedOrigins(s.cfg.Relay.AllowedOrigins)
	s.broker.SetDeliverer(s.session)
	if err := s.session.Start(ctx); err != nil {
		_ = s.history.Close(ctx)
		s.teardownStore(ctx)
		return errors.Wrap(err, "Service", "Start", "start session layer")
	}

	s.monitor.UpdateHealthy("broker", "broker operating normally")
	s.monitor.UpdateHealthy("session", "session layer accepting connections")
	s.watchBrokerEvents()
	s.drainHistoryEvents()

	if err := s.startListeners(); err != nil {
		_ = s.session.Close(ctx)
		_ = s.history.Close(ctx)
		s.teardownStore(ctx)
		return err
	}

	s.started = true
	s.logger.Info("relay started", "addr", s.wsAddr, "admin", s.adminAddr)
	return nil
}

func (s *Service) openStore(ctx context.Context) error {
	switch s.cfg.Store.Mode {
	case config.StorageModeNATS:
		client, err := natsclient.NewClient(strings.Join(s.cfg.NATS.URLs, ","), s.natsOptions()...)
		if err != nil {
			return errors.WrapFatal(err, "Service", "openStore", "build nats client")
		}
		if err := client.Connect(ctx); err != nil {
			return errors.WrapTransient(err, "Service", "openStore", "connect nats")
		}
		st, err := store.NewNATSStore(ctx, client, s.cfg.Store.Bucket, s.logger)
		if err != nil {
			_ = client.Close(ctx)
			return errors.Wrap(err, "Service", "openStore", "open nats store")
		}
		s.nats = client
		s.store = st
		s.monitor.UpdateHealthy("store", "nats store connected")
	default:
		s.store = store.NewMemoryStore()
		s.monitor.UpdateHealthy("store", "memory store ready")
	}
	return nil
}

func (s *Service) natsOptions() []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithName("relaybus"),
		natsclient.WithLogger(s.logger),
		natsclient.WithMetrics(s.metrics),
		natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(s.cfg.NATS.ReconnectWait),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				s.monitor.UpdateHealthy("store", "nats store connected")
			} else {
				s.monitor.UpdateUnhealthy("store", "nats connection lost")
			}
		}),
	}
	if s.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(s.cfg.NATS.Username, s.cfg.NATS.Password))
	}
	if s.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(s.cfg.NATS.Token))
	}
	if s.cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(s.cfg.NATS.TLS.CertFile, s.cfg.NATS.TLS.KeyFile, s.cfg.NATS.TLS.CAFile))
	}
	return opts
}

func (s *Service) teardownStore(ctx context.Context) {
	if s.store != nil {
		_ = s.store.Close(ctx)
	}
	s.nats = nil
	s.store = nil
}

// watchBrokerEvents feeds degraded mode transitions into the monitor.
func (s *Service) watchBrokerEvents() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range s.broker.Events() {
			switch e {
			case broker.EventDegraded:
				s.logger.Warn("broker entered degraded mode, delivering locally only")
				s.monitor.UpdateDegraded("broker", "cross-node channel unavailable")
			case broker.EventRecovered:
				s.logger.Info("broker recovered, cross-node delivery restored")
				s.monitor.UpdateHealthy("broker", "broker operating normally")
			}
		}
	}()
}

// drainHistoryEvents keeps the history event channel from filling up when
// no other observer is attached.
func (s *Service) drainHistoryEvents() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range s.history.Events() {
			s.logger.Debug("history event", "type", string(e.Type), "topic", e.Topic, "id", e.ID)
		}
	}()
}

func (s *Service) startListeners() error {
	wsLn, err := net.Listen("tcp", s.cfg.Relay.Addr())
	if err != nil {
		return errors.WrapFatal(err, "Service", "startListeners", "bind relay port")
	}
	adminLn, err := net.Listen("tcp", s.cfg.Relay.AdminAddr())
	if err != nil {
		_ = wsLn.Close()
		return errors.WrapFatal(err, "Service", "startListeners", "bind admin port")
	}
	s.wsAddr = wsLn.Addr().String()
	s.adminAddr = adminLn.Addr().String()

	wsMux := http.NewServeMux()
	wsMux.Handle("/", s.session)
	s.wsServer = &http.Server{
		Handler:     wsMux,
		ReadTimeout: 0, // websocket reads are paced by the beat, not the server
		IdleTimeout: 60 * time.Second,
	}

	s.adminServer = &http.Server{
		Handler:      s.adminMux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.serve(s.wsServer, wsLn, "relay")
	s.serve(s.adminServer, adminLn, "admin")
	return nil
}

func (s *Service) serve(server *http.Server, ln net.Listener, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "server", name, "error", err)
		}
	}()
}

// Addr returns the bound websocket listen address.
func (s *Service) Addr() string {
	return s.wsAddr
}

// AdminAddr returns the bound admin listen address.
func (s *Service) AdminAddr() string {
	return s.adminAddr
}

// Health returns the aggregate node health.
func (s *Service) Health() health.Status {
	return s.monitor.AggregateHealth("relay")
}

// Stop shuts the node down in reverse dependency order.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Info("stopping relay")

	shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer cancel()
	if err := s.wsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("relay listener shutdown failed", "error", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin listener shutdown failed", "error", err)
	}

	if err := s.session.Close(ctx); err != nil {
		s.logger.Warn("session shutdown failed", "error", err)
	}
	if err := s.history.Close(ctx); err != nil {
		s.logger.Warn("history shutdown failed", "error", err)
	}
	if err := s.broker.Close(ctx); err != nil {
		s.logger.Warn("broker shutdown failed", "error", err)
	}
	s.teardownStore(ctx)

	s.wg.Wait()
	s.logger.Info("relay stopped")
	return nil
}
