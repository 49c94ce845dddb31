// Package agent assembles a knowledge agent from its configuration and runs
// its background duties.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surething-project/SmartSpace-sub004/internal/config"
	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/health"
	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/policy"
	"github.com/surething-project/SmartSpace-sub004/internal/scheduler"
	"github.com/surething-project/SmartSpace-sub004/internal/server"
	"github.com/surething-project/SmartSpace-sub004/internal/service"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/storage/badgerdb"
	"github.com/surething-project/SmartSpace-sub004/internal/storage/memdb"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
	"github.com/surething-project/SmartSpace-sub004/internal/util/workerpool"
)

// Agent is one running knowledge agent
type Agent struct {
	config  *config.Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	db         storage.Database
	scheduler  *scheduler.Scheduler
	locker     *service.Locker
	structure  *service.StructureLogger
	updates    *service.UpdateCache
	cache      *service.NodeCache
	pool       *workerpool.Pool
	sync       *service.SyncService
	repository *service.RepositoryService
	registry   *service.InMemoryAgentRegistry
	heartbeat  *service.HeartbeatHandler
	gossip     *service.GossipService
	health     *health.HealthChecker
	server     *server.MetricsServer
}

// New builds every component of the agent described by cfg. Metrics are
// registered on reg; a nil reg gets a private registry.
func New(cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			logger.Debug("Runtime collector not registered", zap.Error(err))
		}
	}

	agentID := cfg.Agent.ID
	clk := clock.New()
	m := metrics.NewMetrics(agentID, reg)

	db, err := openDatabase(cfg, clk, logger)
	if err != nil {
		return nil, err
	}

	pol, err := policy.ByName(cfg.Cache.Policy)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &Agent{
		config:  cfg,
		clock:   clk,
		logger:  logger,
		metrics: m,
		db:      db,
	}

	a.scheduler = scheduler.New(clk, logger.Named("scheduler"))
	a.locker = service.NewLocker(&service.LockerConfig{
		ExpirationTime: cfg.Lock.ExpirationTime,
		WarningTime:    cfg.Lock.WarningTime,
	}, db, a.scheduler, clk, m, logger.Named("locker"))

	a.structure = service.NewStructureLogger(&service.StructureLoggerConfig{
		AgentID:   agentID,
		Retention: cfg.StructureLog.Retention,
	}, m, logger.Named("structure_log"))

	a.updates = service.NewUpdateCache(&service.UpdateCacheConfig{
		MaxCacheTime:   cfg.UpdateCache.MaxCacheTime,
		ValidityPeriod: cfg.UpdateCache.ValidityPeriod,
	}, clk, m, logger.Named("update_cache"))

	a.cache = service.NewNodeCache(&service.NodeCacheConfig{
		AgentID:         agentID,
		Enabled:         cfg.Cache.Enabled,
		MaxSize:         cfg.Cache.MaxSize,
		LowWatermark:    cfg.Cache.LowWatermark,
		CleanerInterval: cfg.Cache.CleanerInterval,
	}, pol, clk, m, logger.Named("node_cache"))

	a.pool = workerpool.New(workerpool.Config{
		Name:      "sync",
		Workers:   cfg.Sync.Workers,
		QueueSize: cfg.Sync.QueueSize,
		Logger:    logger.Named("sync_pool"),
	})
	a.sync = service.NewSyncService(nil, a.updates, a.cache, a.pool, m, logger.Named("sync"))

	a.repository = service.NewRepositoryService(agentID, db, a.locker, a.structure, a.cache, logger.Named("repository"))
	if err := a.ensureRoot(context.Background()); err != nil {
		a.Close()
		return nil, err
	}
	a.repository.Activate()

	a.registry = service.NewInMemoryAgentRegistry(cfg.Agent.GroupID, clk, m, logger.Named("registry"))
	a.heartbeat = service.NewHeartbeatHandler(&service.HeartbeatConfig{
		AgentID:     agentID,
		CAPublicKey: cfg.Agent.CAPublicKey,
		Endpoints:   cfg.Agent.Endpoints,
		Interval:    cfg.Heartbeat.Interval(),
	}, a.registry, a.sync, a.repository, clk, m, logger.Named("heartbeat"))

	if cfg.Gossip.Enabled {
		a.gossip, err = service.NewGossipService(&service.GossipConfig{
			AgentID:        agentID,
			GroupID:        cfg.Agent.GroupID,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			SecretKey:      cfg.Gossip.SecretKey,
			InboundRate:    cfg.Gossip.InboundRate,
			InboundBurst:   cfg.Gossip.InboundBurst,
		}, a.heartbeat, m, logger.Named("gossip"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.heartbeat.AddSender(a.gossip)
	}

	a.health = health.NewHealthChecker(&health.HealthCheckConfig{AgentID: agentID}, clk, logger.Named("health"))
	a.registerChecks()

	if cfg.Metrics.Enabled {
		a.server = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, a.health, logger.Named("metrics_server"))
	}

	logger.Info("Knowledge agent assembled",
		zap.String("agent_id", agentID),
		zap.String("database", cfg.Database.Engine),
		zap.String("cache_policy", pol.Name()),
		zap.Bool("gossip", cfg.Gossip.Enabled),
		zap.String("hash", a.repository.CurrentHash()))
	return a, nil
}

func openDatabase(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (storage.Database, error) {
	switch cfg.Database.Engine {
	case config.EngineBadger:
		return badgerdb.Open(badgerdb.Config{
			Path:       cfg.Database.Path,
			SyncWrites: cfg.Database.SyncWrites,
		}, clk, logger.Named("database"))
	case config.EngineMemory:
		return memdb.New(clk), nil
	default:
		return nil, fmt.Errorf("unknown database engine %q", cfg.Database.Engine)
	}
}

// ensureRoot creates the agent's namespace root on first start
func (a *Agent) ensureRoot(ctx context.Context) error {
	root := util.AgentRoot(a.config.Agent.ID)
	_, err := a.db.Get(ctx, root)
	if !errors.Is(err, errors.ErrCodeNodeNotFound) {
		return err
	}
	return a.db.PutNode(ctx, &model.Node{
		Address:      root,
		Version:      1,
		Timestamp:    a.clock.Now(),
		Capabilities: model.DefaultCapabilities,
	})
}

func (a *Agent) registerChecks() {
	root := util.AgentRoot(a.config.Agent.ID)
	a.health.Register("database", func(ctx context.Context) health.CheckResult {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if _, err := a.db.Get(ctx, root); err != nil {
			return health.CheckResult{Status: health.StatusCritical, Message: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: "namespace root readable"}
	})
	a.health.Register("sync_queue", func(ctx context.Context) health.CheckResult {
		stats := a.pool.Stats()
		if stats.Rejected > 0 {
			return health.CheckResult{
				Status:  health.StatusWarning,
				Message: fmt.Sprintf("%d delta fetches rejected by a full queue", stats.Rejected),
			}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: "sync queue accepting work"}
	})
	if a.config.Database.Engine == config.EngineBadger {
		a.health.Register("data_dir_accessible", health.DataDirCheck(a.config.Database.Path))
		a.health.Register("disk_space", health.DiskSpaceCheck(a.config.Database.Path))
	}
}

// Run runs every periodic duty until ctx is cancelled or one of them fails
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.heartbeat.Run(ctx) })
	g.Go(func() error { return a.cache.RunCleaner(ctx) })
	g.Go(func() error { return a.updates.Run(ctx) })
	g.Go(func() error { return a.health.Run(ctx) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(ctx) })
	}

	a.logger.Info("Knowledge agent running", zap.String("agent_id", a.config.Agent.ID))
	err := g.Wait()
	a.health.SetReadiness(false)
	return err
}

// Close releases every resource held by the agent
func (a *Agent) Close() error {
	var err error
	if a.gossip != nil {
		err = multierr.Append(err, a.gossip.Shutdown())
	}
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.pool.Stop(ctx))
		cancel()
	}
	if a.locker != nil {
		a.locker.Close()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	err = multierr.Append(err, a.db.Close())

	if err != nil {
		a.logger.Error("Knowledge agent closed with errors", zap.Error(err))
	} else {
		a.logger.Info("Knowledge agent closed")
	}
	return err
}

// SetDeltaFetcher installs the transport used to pull remote changes
func (a *Agent) SetDeltaFetcher(f service.DeltaFetcher) {
	a.sync.SetFetcher(f)
}

// Repository returns the repository service
func (a *Agent) Repository() *service.RepositoryService { return a.repository }

// Heartbeat returns the heartbeat handler
func (a *Agent) Heartbeat() *service.HeartbeatHandler { return a.heartbeat }

// Registry returns the agent registry
func (a *Agent) Registry() *service.InMemoryAgentRegistry { return a.registry }

// Sync returns the sync service
func (a *Agent) Sync() *service.SyncService { return a.sync }

// Health returns the health checker
func (a *Agent) Health() *health.HealthChecker { return a.health }
