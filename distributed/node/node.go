package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/agentteam/api/handlers"
	"github.com/BaSui01/agentteam/config"
	"github.com/BaSui01/agentteam/distributed/auth"
	"github.com/BaSui01/agentteam/distributed/binding"
	"github.com/BaSui01/agentteam/distributed/bridge"
	"github.com/BaSui01/agentteam/distributed/degradation"
	"github.com/BaSui01/agentteam/distributed/directory"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/events"
	"github.com/BaSui01/agentteam/distributed/fencing"
	"github.com/BaSui01/agentteam/distributed/idempotency"
	"github.com/BaSui01/agentteam/distributed/ingress"
	"github.com/BaSui01/agentteam/distributed/journal"
	"github.com/BaSui01/agentteam/distributed/orchestrator"
	"github.com/BaSui01/agentteam/distributed/retry"
	"github.com/BaSui01/agentteam/distributed/routing"
	"github.com/BaSui01/agentteam/distributed/worker"
	"github.com/BaSui01/agentteam/internal/cache"
	"github.com/BaSui01/agentteam/internal/database"
	"github.com/BaSui01/agentteam/internal/localteam"
	"github.com/BaSui01/agentteam/internal/metrics"
	"github.com/BaSui01/agentteam/internal/tlsutil"
	"github.com/BaSui01/agentteam/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Middleware 包裹内部端点的处理器
type Middleware func(http.Handler) http.Handler

// Options 可替换的外部协作者，零值均有默认实现
type Options struct {
	Logger *zap.Logger
	// Registerer 为 nil 时注册到 prometheus 默认注册表
	Registerer prometheus.Registerer
	// HTTPClient 节点间客户端，为 nil 时按配置创建
	HTTPClient *http.Client
	// Teams 运行时团队实现，为 nil 时使用进程内 localteam
	Teams worker.TeamProvider
	// Definitions 团队定义来源，为 nil 时读取 distributed.teams_file
	Definitions ingress.DefinitionProvider
	// Sink 聚合事件出口，为 nil 时写日志
	Sink events.Sink
	Now  func() time.Time
}

// Node 按配置组装的团队节点。host 角色持有编排器与事件摄取，
// worker 角色接收命令信封；两种角色共享绑定注册表与本地团队实例。
type Node struct {
	cfg    *config.Config
	now    func() time.Time
	logger *zap.Logger

	metrics   *metrics.Collector
	directory *directory.Service
	bindings  *binding.Registry
	verifier  *auth.Verifier
	client    *http.Client

	workerHandlers *worker.Handlers
	coordinator    *worker.Coordinator
	workerServer   *bridge.WorkerServer

	orchestrator *orchestrator.Orchestrator
	ingest       *events.IngestService
	ingress      *ingress.Service

	cache   *cache.Manager
	pool    *database.PoolManager
	journal *journal.GormJournal
	health  *handlers.HealthHandler

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New 组装节点。失败时已打开的外部连接会被关闭。
func New(ctx context.Context, cfg *config.Config, opts Options) (n *Node, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("node: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	nodeID := cfg.Node.ID
	isHost := cfg.Node.HasRole(config.RoleHost)
	d := cfg.Distributed

	n = &Node{
		cfg:       cfg,
		now:       now,
		logger:    logger.With(zap.String("component", "team_node"), zap.String("node_id", nodeID)),
		directory: directory.NewService(logger),
		bindings:  binding.NewRegistry(logger),
	}
	defer func() {
		if err != nil {
			_ = n.closeResources()
		}
	}()

	if opts.Registerer != nil {
		n.metrics = metrics.NewCollectorWithRegisterer(opts.Registerer, "agentteam", logger)
	} else {
		n.metrics = metrics.NewCollector("agentteam", logger)
	}

	n.client = opts.HTTPClient
	if n.client == nil {
		if n.client, err = tlsutil.InternalHTTPClient(d.RequestTimeout, d.CAFile); err != nil {
			return nil, fmt.Errorf("node: internal http client: %w", err)
		}
	}

	n.seedDirectory()

	authCfg := auth.Config{
		NodeID:               nodeID,
		Mode:                 auth.SecurityMode(d.Security.Mode),
		SharedSecret:         d.Security.SharedSecret,
		NodeSecrets:          d.Security.NodeSecrets,
		AllowedCallerNodeIDs: d.Security.AllowedCallerNodeIDs,
		MaxClockSkew:         d.Security.MaxClockSkew,
	}
	signer := auth.NewSigner(authCfg, logger)
	n.verifier = auth.NewVerifier(authCfg, logger)
	retryer := retry.NewRetryer(retry.Policy{
		MaxAttempts:  d.Retry.MaxAttempts,
		InitialDelay: d.Retry.InitialDelay,
		MaxDelay:     d.Retry.MaxDelay,
		Multiplier:   d.Retry.Multiplier,
		JitterRatio:  d.Retry.JitterRatio,
	}, logger)

	// ========================================
	// 外部存储
	// ========================================
	if cfg.Journal.Enabled {
		if n.pool, err = database.Open(cfg.Database, logger); err != nil {
			return nil, fmt.Errorf("node: open journal database: %w", err)
		}
		if n.journal, err = journal.NewGormJournal(ctx, n.pool, logger); err != nil {
			return nil, fmt.Errorf("node: init journal: %w", err)
		}
	}
	eventWindow, err := n.eventWindow(cfg, logger)
	if err != nil {
		return nil, err
	}

	// ========================================
	// 事件聚合与发布
	// ========================================
	sink := opts.Sink
	if sink == nil {
		sink = loggingSink(n.logger)
	}
	aggregator := events.NewAggregator(nodeID, sink, logger)

	// 编排器依赖本地调度器，本地发布器又依赖编排器的版本，栅栏延迟解析
	fence := fencing.NewPolicy(fencing.ResolverFunc(func(ctx context.Context, teamRunID string) (int64, bool, error) {
		if n.orchestrator == nil {
			return 0, false, nil
		}
		return n.orchestrator.CurrentRunVersion(ctx, teamRunID)
	}))
	uplink := events.NewHTTPUplink(events.UplinkConfig{
		LocalNodeID:              nodeID,
		DiscoveryRegistryURL:     d.DiscoveryRegistryURL,
		DistributedUplinkBaseURL: d.UplinkBaseURL,
	}, n.directory, signer, n.client, retryer, logger)
	var local events.Publisher
	if isHost {
		local = events.NewLocalPublisher(fence, aggregator, logger)
	}

	// ========================================
	// 本地团队实例
	// ========================================
	teams := opts.Teams
	if teams == nil {
		provider := localteam.NewProvider(d.Worker.EventBuffer, logger)
		teams = worker.TeamProviderFunc(func(ctx context.Context, b binding.RunScopedTeamBinding) (worker.TeamInstance, error) {
			return provider.CreateTeam(ctx, b)
		})
	}
	n.coordinator = worker.NewCoordinator(nodeID,
		events.NewLocalAwarePublisher(nodeID, local, uplink),
		worker.DefaultProjector(nodeID), n.metrics, logger)
	n.workerHandlers = worker.NewHandlers(nodeID, n.bindings, teams, n.coordinator, logger)

	if cfg.Node.HasRole(config.RoleWorker) {
		n.workerServer = bridge.NewWorkerServer(n.workerHandlers,
			idempotency.NewMemoryStore(idempotency.Options{
				TTL:        d.Worker.ProcessedTTL,
				MaxEntries: d.Worker.ProcessedMaxEntries,
			}), n.metrics, logger)
	}

	// ========================================
	// host：编排、摄取与命令入口
	// ========================================
	if isHost {
		hostClient := bridge.NewHostClient(bridge.NewHTTPTransport(n.directory, signer, n.client, logger), retryer, n.metrics, logger)
		orchOpts := orchestrator.Options{
			LocalNodeID:    nodeID,
			RoutingFactory: routing.NewFactory(n.workerHandlers.LocalDispatcher(), routing.HostClientDispatcher(hostClient), envelope.NewBuilder(), logger),
			Bindings:       n.bindings,
			Aggregator:     aggregator,
			Degradation: degradation.Config{
				CoordinatorFailureThreshold: d.Degradation.CoordinatorFailureThreshold,
				GlobalFailureThreshold:      d.Degradation.GlobalFailureThreshold,
				GlobalFailureWindow:         d.Degradation.GlobalFailureWindow,
			},
			Metrics: n.metrics,
			Now:     now,
		}
		if n.journal != nil {
			orchOpts.Journal = n.journal
		}
		if n.orchestrator, err = orchestrator.New(orchOpts, logger); err != nil {
			return nil, err
		}
		n.ingest = events.NewIngestService(fence, events.NewIdempotencyPolicy(eventWindow), aggregator, n.metrics, logger)

		defs := opts.Definitions
		if defs == nil {
			static := ingress.NewStaticDefinitions()
			if d.TeamsFile != "" {
				loaded, err := LoadTeamDefinitions(d.TeamsFile)
				if err != nil {
					return nil, err
				}
				for teamID, def := range loaded {
					static.Put(teamID, def)
				}
				n.logger.Info("team definitions loaded", zap.String("path", d.TeamsFile), zap.Int("teams", len(loaded)))
			}
			defs = static
		}
		locator := ingress.NewLocator(ingress.LocatorConfig{
			HostNodeID:    nodeID,
			DefaultNodeID: cfg.EffectiveDefaultNodeID(),
		}, n.orchestrator, defs, n.directory, logger)
		n.ingress = ingress.NewService(locator, n.orchestrator, logger)
	}

	n.initHealth()
	n.logger.Info("team node assembled",
		zap.Strings("roles", cfg.Node.Roles),
		zap.String("security_mode", d.Security.Mode),
		zap.String("idempotency_backend", d.Idempotency.Backend),
		zap.Bool("journal_enabled", n.journal != nil),
	)
	return n, nil
}

// seedDirectory 写入本节点与静态节点
func (n *Node) seedDirectory() {
	now := n.now()
	self := n.cfg.Node
	baseURL := self.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", n.cfg.Server.HTTPPort)
	}
	n.directory.Upsert(directory.Entry{
		NodeID:                 self.ID,
		BaseURL:                baseURL,
		IsHealthy:              true,
		SupportsAgentExecution: self.SupportsAgentExecution,
		LastSeenAt:             now,
	})
	for _, sn := range n.cfg.Distributed.StaticNodes {
		if sn.ID == self.ID {
			continue
		}
		n.directory.Upsert(directory.Entry{
			NodeID:                 sn.ID,
			BaseURL:                sn.BaseURL,
			IsHealthy:              true,
			SupportsAgentExecution: sn.SupportsAgentExecution,
			LastSeenAt:             now,
		})
	}
}

// eventWindow 远端事件去重窗口，redis 后端供多 host 副本共享
func (n *Node) eventWindow(cfg *config.Config, logger *zap.Logger) (idempotency.Store, error) {
	idem := cfg.Distributed.Idempotency
	if idem.Backend != config.IdempotencyBackendRedis {
		return idempotency.NewMemoryStore(idempotency.Options{TTL: idem.TTL, MaxEntries: idem.MaxEntries}), nil
	}
	cc := cache.DefaultConfig()
	cc.Addr = cfg.Redis.Addr
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		cc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns > 0 {
		cc.MinIdleConns = cfg.Redis.MinIdleConns
	}
	m, err := cache.NewManager(cc, logger)
	if err != nil {
		return nil, fmt.Errorf("node: connect redis: %w", err)
	}
	n.cache = m
	return idempotency.NewRedisStore(m, cfg.Redis.KeyPrefix+"remote_events:", idem.TTL), nil
}

func (n *Node) initHealth() {
	n.health = handlers.NewHealthHandler(n.logger,
		handlers.WithNodeInfo(n.cfg.Node.ID, n.cfg.Node.Roles),
		handlers.WithActiveRuns(n.activeRunCount),
	)
	if n.journal != nil {
		n.health.RegisterCheck(handlers.NewPingCheck("journal", n.journal.Ping))
	}
	if n.cache != nil {
		n.health.RegisterCheck(handlers.NewPingCheck("redis", n.cache.Ping))
	}
}

func (n *Node) activeRunCount() int {
	if n.orchestrator != nil {
		return len(n.orchestrator.ActiveRunIDs())
	}
	return len(n.workerHandlers.ActiveRuns())
}

// loggingSink 未接入推送层时的聚合事件出口
func loggingSink(logger *zap.Logger) events.Sink {
	return events.SinkFunc(func(_ context.Context, ev events.AggregatedEvent) error {
		logger.Debug("team event",
			zap.String("team_run_id", ev.TeamRunID),
			zap.Int64("run_version", ev.RunVersion),
			zap.Int64("sequence", ev.Sequence),
			zap.String("origin", string(ev.Origin)),
			zap.String("source_node_id", ev.SourceNodeID),
			zap.String("member_name", ev.MemberName),
			zap.String("event_type", ev.EventType),
		)
		return nil
	})
}

// =============================================================================
// 🌐 路由
// =============================================================================

// RegisterRoutes 按角色注册内部端点：worker 接收命令，host 接收事件。
// 请求依次经过签名校验、调用方心跳记录与 wrap 中的中间件。
func (n *Node) RegisterRoutes(mux *http.ServeMux, wrap ...Middleware) {
	internal := func(h http.Handler) http.Handler {
		for i := len(wrap) - 1; i >= 0; i-- {
			h = wrap[i](h)
		}
		return auth.Middleware(n.verifier, n.logger)(n.touchCaller(h))
	}
	if n.workerServer != nil {
		mux.Handle(bridge.CommandsPath, internal(handlers.NewCommandHandler(n.workerServer, n.logger)))
	}
	if n.ingest != nil {
		mux.Handle(events.EventsPath, internal(handlers.NewEventHandler(n.ingest, n.logger)))
	}
}

// touchCaller 通过校验的内部请求视为调用方节点的心跳
func (n *Node) touchCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := types.CallerNodeID(r.Context()); ok {
			n.directory.Touch(caller, n.now())
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start 启动节点目录维护循环；distributed.directory.sweep_interval 为 0 时不启动
func (n *Node) Start(ctx context.Context) {
	interval := n.cfg.Distributed.Directory.SweepInterval
	if interval <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil || n.shutdown {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				n.MaintainDirectory(loopCtx)
			}
		}
	}()
	n.logger.Info("directory maintenance started", zap.Duration("interval", interval))
}

// Shutdown 停止维护循环、停止所有运行并释放外部连接，可重复调用
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	cancel := n.cancel
	n.mu.Unlock()

	n.health.SetDraining(true)
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	if n.orchestrator != nil {
		n.orchestrator.StopAll(ctx, "node shutdown")
	}
	var errs []error
	if err := n.coordinator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close lifecycle coordinator: %w", err))
	}
	if err := n.closeResources(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("team node stopped")
	return errors.Join(errs...)
}

func (n *Node) closeResources() error {
	var errs []error
	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if n.pool != nil {
		if err := n.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// 📦 访问器
// =============================================================================

// ID 本节点 ID
func (n *Node) ID() string { return n.cfg.Node.ID }

// Ingress 团队命令入口，非 host 节点返回 nil
func (n *Node) Ingress() *ingress.Service { return n.ingress }

// Orchestrator 运行编排器，非 host 节点返回 nil
func (n *Node) Orchestrator() *orchestrator.Orchestrator { return n.orchestrator }

// Directory 节点目录
func (n *Node) Directory() *directory.Service { return n.directory }

// Health 健康检查处理器
func (n *Node) Health() *handlers.HealthHandler { return n.health }

// Metrics 指标收集器
func (n *Node) Metrics() *metrics.Collector { return n.metrics }
