package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/alerting"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"github.com/replyhub/replyhub/internal/infrastructure/embedding"
	"github.com/replyhub/replyhub/internal/infrastructure/eventbus"
	"github.com/replyhub/replyhub/internal/infrastructure/llm"
	_ "github.com/replyhub/replyhub/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/replyhub/replyhub/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/replyhub/replyhub/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/replyhub/replyhub/internal/infrastructure/monitoring"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence"
	"github.com/replyhub/replyhub/internal/infrastructure/platform"
	"github.com/replyhub/replyhub/internal/infrastructure/queue"
	"github.com/replyhub/replyhub/internal/infrastructure/scheduler"
	"github.com/replyhub/replyhub/internal/infrastructure/vectorstore"
	httpServer "github.com/replyhub/replyhub/internal/interfaces/http"
	"github.com/replyhub/replyhub/internal/interfaces/websocket"
	"github.com/replyhub/replyhub/pkg/safego"
	"github.com/replyhub/replyhub/pkg/secrets"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// LevelController 运行时调整日志级别
type LevelController interface {
	SetLevel(text string) bool
}

// Option 应用选项
type Option func(*App)

// WithLevelController 配置热更新时同步日志级别
func WithLevelController(l LevelController) Option {
	return func(app *App) { app.levels = l }
}

// WithSender 替换平台发送器 (测试用)
func WithSender(s service.PlatformSender) Option {
	return func(app *App) { app.sender = s }
}

// WithGenerator 替换模型网关 (测试用)
func WithGenerator(g service.Generator) Option {
	return func(app *App) { app.generator = g }
}

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	levels LevelController
	db     *gorm.DB

	// 仓储层
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	credentialRepo   repository.CredentialRepository
	deliveryRepo     repository.DeliveryRepository
	deadLetterRepo   repository.DeadLetterRepository
	leaseRepo        repository.LeaseRepository

	// 领域服务
	turns     *service.TurnRegistry
	leaser    *service.Leaser
	decisions *service.DecisionEngine
	composer  *service.Composer
	retriever *service.Retriever

	// 基础设施
	sealer    *secrets.Sealer
	bus       *eventbus.InMemoryBus
	monitor   *monitoring.Monitor
	fanout    service.Fanout
	inboundQ  service.JobQueue
	outboundQ service.JobQueue
	sender    service.PlatformSender
	notifier  service.OperatorNotifier
	generator service.Generator
	embedder  knowledge.Embedder
	store     knowledge.VectorStore
	scheduler *scheduler.Scheduler

	// 应用服务
	credentials *usecase.CredentialService
	inbound     *usecase.InboundPipeline
	dispatcher  *usecase.Dispatcher
	handoff     *usecase.HandoffService
	query       *usecase.ConversationQuery
	indexer     *usecase.Indexer
	maintenance *usecase.Maintenance

	// 接口层
	hub        *websocket.Hub
	httpServer *httpServer.Server

	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := newApp(cfg, logger, opts)

	if err := app.init(); err != nil {
		app.closeResources()
		return nil, err
	}

	if err := app.initInterfaces(); err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	// 初始化静态租户凭证
	if err := app.seedData(context.Background()); err != nil {
		app.logger.Warn("Some tenant credentials were not seeded", zap.Error(err))
	}

	return app, nil
}

// NewAppCLI 创建供管理命令使用的轻量应用, 不启动 HTTP 与消费者
func NewAppCLI(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := newApp(cfg, logger, opts)
	if err := app.init(); err != nil {
		app.closeResources()
		return nil, err
	}
	return app, nil
}

func newApp(cfg *config.Config, logger *zap.Logger, opts []Option) *App {
	app := &App{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

func (app *App) init() error {
	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return fmt.Errorf("failed to init application services: %w", err)
	}
	return nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories", zap.String("database", app.config.Database.Type))

	// memory 仅用于本地试用和测试, 重启即丢失
	if app.config.Database.Type == "memory" {
		app.conversationRepo = persistence.NewMemoryConversationRepository()
		app.messageRepo = persistence.NewMemoryMessageRepository()
		app.credentialRepo = persistence.NewMemoryCredentialRepository()
		app.deliveryRepo = persistence.NewMemoryDeliveryRepository()
		app.deadLetterRepo = persistence.NewMemoryDeadLetterRepository()
		app.leaseRepo = persistence.NewMemoryLeaseRepository()
		return nil
	}

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return err
	}
	app.db = db

	app.conversationRepo = persistence.NewGormConversationRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	app.credentialRepo = persistence.NewGormCredentialRepository(db)
	app.deliveryRepo = persistence.NewGormDeliveryRepository(db)
	app.deadLetterRepo = persistence.NewGormDeadLetterRepository(db)
	app.leaseRepo = persistence.NewGormLeaseRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	p := app.config.Pipeline
	app.turns = service.NewTurnRegistry()
	app.leaser = service.NewLeaser(app.leaseRepo, p.LeaseTTL, app.config.Server.InstanceID, app.logger)
	app.decisions = service.NewDecisionEngine(app.conversationRepo, p.HumanCooldown, app.logger)
	app.composer = service.NewComposer(service.ComposerLimits{
		MaxMessages:     p.HistoryMessages,
		MaxHistoryChars: p.HistoryChars,
		MaxContextChars: p.ContextChars,
	})
	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	sealer, err := app.openSealer()
	if err != nil {
		return err
	}
	app.sealer = sealer

	app.bus = eventbus.NewInMemoryBus(app.logger, 1024)
	app.monitor = monitoring.NewMonitor()
	app.fanout = app.monitor.Fanout(app.bus)

	if app.inboundQ, err = queue.New(app.config.Queue, queue.InboundQueue, app.logger); err != nil {
		return fmt.Errorf("inbound queue: %w", err)
	}
	if app.outboundQ, err = queue.New(app.config.Queue, queue.OutboundQueue, app.logger); err != nil {
		return fmt.Errorf("outbound queue: %w", err)
	}

	if app.sender == nil {
		router := platform.NewRouterFromConfig(app.config.Platforms, &http.Client{Timeout: app.config.Dispatch.SendTimeout}, app.logger)
		app.logger.Info("Platform senders ready", zap.Strings("platforms", router.Platforms()))
		app.sender = router
	}
	app.notifier = alerting.New(app.config.Alerting, app.logger)

	if app.generator == nil {
		app.generator = llm.NewGateway(llm.GatewayConfig{
			AttemptTimeout:   app.config.LLM.AttemptTimeout,
			RetryBackoff:     app.config.LLM.RetryBackoff,
			BreakerThreshold: app.config.LLM.BreakerThreshold,
			BreakerRecovery:  app.config.LLM.BreakerRecovery,
		}, app.logger)
	}

	if app.embedder, err = embedding.New(app.config.Embedding, app.logger); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	vsCfg := app.config.VectorStore
	if app.db == nil && (vsCfg.Driver == "" || vsCfg.Driver == "gorm") {
		app.logger.Warn("No database configured, keeping the knowledge base in memory")
		vsCfg.Driver = "memory"
	}
	if app.store, err = vectorstore.New(vsCfg, app.db, app.embedder.Dimension(), app.logger); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}

	p := app.config.Pipeline
	app.retriever = service.NewRetriever(app.embedder, app.store, service.RetrieverConfig{
		DefaultK: p.RetrievalK,
		MinScore: float32(p.MinScore),
		Timeout:  p.RetrievalTimeout,
	}, app.logger)

	app.scheduler = scheduler.New(0, app.logger)
	return nil
}

// openSealer 优先使用配置中的密钥, 否则读取或生成 ~/.replyhub/sealing.key
func (app *App) openSealer() (*secrets.Sealer, error) {
	key := app.config.Credentials.SealingKey
	if key == "" {
		path := filepath.Join(config.HomeDir(), "sealing.key")
		var err error
		if key, err = secrets.LoadOrCreateKey(path); err != nil {
			return nil, fmt.Errorf("sealing key: %w", err)
		}
		app.logger.Warn("Using local sealing key file; set credentials.sealing_key in production", zap.String("path", path))
	}
	return secrets.NewSealer(key)
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	d := app.config.Dispatch
	app.dispatcher = usecase.NewDispatcher(
		app.outboundQ,
		app.sender,
		app.messageRepo,
		app.conversationRepo,
		app.deliveryRepo,
		app.deadLetterRepo,
		app.fanout,
		app.notifier,
		usecase.DispatcherConfig{
			MaxAttempts:    d.MaxAttempts,
			BaseBackoff:    d.BaseBackoff,
			MaxBackoff:     d.MaxBackoff,
			SendTimeout:    d.SendTimeout,
			PersistRetries: d.PersistRetries,
			PersistBackoff: d.PersistBackoff,
		},
		app.logger,
	)

	app.credentials = usecase.NewCredentialService(app.credentialRepo, app.sealer, app.config.Credentials.CacheTTL, app.logger)

	turn := usecase.NewBotTurn(
		app.decisions,
		app.turns,
		app.credentials,
		app.retriever,
		app.composer,
		app.generator,
		app.messageRepo,
		app.conversationRepo,
		app.dispatcher,
		app.fanout,
		app.notifier,
		usecase.BotTurnConfig{
			RetrievalK:      app.config.Pipeline.RetrievalK,
			HistoryMessages: app.config.Pipeline.HistoryMessages,
		},
		app.logger,
	)
	app.inbound = usecase.NewInboundPipeline(app.inboundQ, app.conversationRepo, app.messageRepo, app.deadLetterRepo,
		app.leaser, turn, app.fanout, app.notifier, app.logger)
	app.dispatcher.SetInboundRequeuer(app.inbound)
	app.handoff = usecase.NewHandoffService(app.conversationRepo, app.turns, app.dispatcher, app.fanout, app.logger)
	app.query = usecase.NewConversationQuery(app.conversationRepo, app.messageRepo, app.fanout, app.logger)
	app.indexer = usecase.NewIndexer(app.embedder, app.store, app.logger)
	app.maintenance = usecase.NewMaintenance(app.leaser, app.deadLetterRepo, app.notifier, app.logger)
	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.hub = websocket.NewHub(app.bus, app.logger)

	s := app.config.Server
	app.httpServer = httpServer.NewServer(httpServer.Config{
		Host:            s.Host,
		Port:            s.Port,
		Mode:            s.Mode,
		ShutdownTimeout: s.ShutdownTimeout,
	}, httpServer.Deps{
		Inbound:       app.inbound,
		Conversations: app.query,
		Handoff:       app.handoff,
		DeadLetters:   app.dispatcher,
		Credentials:   app.credentials,
		Indexer:       app.indexer,
		Realtime:      app.hub.ServeWS,
		Metrics:       app.monitor,
	}, app.logger)

	sc := app.config.Scheduler
	if err := app.scheduler.Add("lease-reap", sc.LeaseReap, app.maintenance.ReapLeases); err != nil {
		return err
	}
	if err := app.scheduler.Add("dead-letter-digest", sc.DeadLetterDigest, app.maintenance.DeadLetterDigest); err != nil {
		return err
	}
	return nil
}

// SeedInputs 把配置中的租户转换为凭证写入参数
func SeedInputs(tenants []config.TenantSeed) []usecase.CredentialInput {
	inputs := make([]usecase.CredentialInput, 0, len(tenants))
	for _, t := range tenants {
		in := usecase.CredentialInput{
			TenantID:     t.ID,
			ProviderKind: t.ProviderKind,
			APIKey:       t.APIKey,
			BaseURL:      t.BaseURL,
			Model:        t.Model,
			Temperature:  t.Temperature,
			MaxTokens:    t.MaxTokens,
			SystemPrompt: t.SystemPrompt,
		}
		for _, fb := range t.Fallbacks {
			in.Fallbacks = append(in.Fallbacks, usecase.FallbackInput{
				ProviderKind: fb.ProviderKind,
				APIKey:       fb.APIKey,
				BaseURL:      fb.BaseURL,
				Model:        fb.Model,
			})
		}
		inputs = append(inputs, in)
	}
	return inputs
}

// seedData 写入配置文件中的租户凭证
func (app *App) seedData(ctx context.Context) error {
	if len(app.config.Tenants) == 0 {
		return nil
	}
	app.logger.Info("Seeding tenant credentials", zap.Int("tenants", len(app.config.Tenants)))
	return app.credentials.Seed(ctx, SeedInputs(app.config.Tenants))
}

// Start 启动消费者, 实时推送, 定时任务和 HTTP 服务器; 不阻塞
func (app *App) Start(ctx context.Context) error {
	if app.httpServer == nil {
		return errors.New("application was built without interfaces")
	}
	app.logger.Info("Starting application")

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel
	app.done = make(chan struct{})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return safego.Run(app.logger, "inbound-consumer", func() error { return app.inbound.Run(gctx) })
	})
	g.Go(func() error {
		return safego.Run(app.logger, "outbound-consumer", func() error { return app.dispatcher.Run(gctx) })
	})
	g.Go(func() error {
		return safego.Run(app.logger, "realtime-hub", func() error {
			app.hub.Run(gctx)
			return nil
		})
	})
	g.Go(func() error {
		return app.httpServer.Start(gctx)
	})

	app.scheduler.Start()

	// 配置热更新: 重新写入租户凭证并调整日志级别
	if err := config.Watch(runCtx, app.config.File, app.logger, app.reload); err != nil {
		app.logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	safego.Go(app.logger, "app-wait", func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		app.runErr = err
		close(app.done)
	})

	app.logger.Info("Application started successfully", zap.String("instance_id", app.config.Server.InstanceID))
	return nil
}

// Done 在核心组件全部退出后关闭
func (app *App) Done() <-chan struct{} {
	return app.done
}

// Err 返回导致退出的错误, 仅在 Done 关闭后有效
func (app *App) Err() error {
	return app.runErr
}

func (app *App) reload(cfg *config.Config) {
	if app.levels != nil && cfg.Log.Level != app.config.Log.Level {
		if app.levels.SetLevel(cfg.Log.Level) {
			app.logger.Info("Log level changed", zap.String("level", cfg.Log.Level))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.credentials.Seed(ctx, SeedInputs(cfg.Tenants)); err != nil {
		app.logger.Warn("Credential reload incomplete", zap.Error(err))
	}
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.logger.Info("Stopping application")

		// 先停止接收新请求
		if app.httpServer != nil {
			if err := app.httpServer.Stop(ctx); err != nil {
				app.logger.Error("Failed to stop HTTP server", zap.Error(err))
			}
		}
		if app.scheduler != nil {
			app.scheduler.Stop(ctx)
		}

		// 停止消费者, 未确认的作业由队列重新投递
		if app.cancel != nil {
			app.cancel()
			select {
			case <-app.done:
			case <-ctx.Done():
				app.logger.Warn("Timed out waiting for workers to drain")
			}
		}

		app.closeResources()
		app.logger.Info("Application stopped successfully")
	})
	return nil
}

func (app *App) closeResources() {
	for name, q := range map[string]service.JobQueue{"inbound": app.inboundQ, "outbound": app.outboundQ} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			app.logger.Error("Failed to close queue", zap.String("queue", name), zap.Error(err))
		}
	}
	if app.bus != nil {
		app.bus.Close()
	}
	if closer, ok := app.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			app.logger.Error("Failed to close vector store", zap.Error(err))
		}
	}

	// 关闭数据库连接
	if app.db != nil {
		if err := persistence.Close(app.db); err != nil {
			app.logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// Inbound returns the inbound pipeline
func (app *App) Inbound() *usecase.InboundPipeline {
	return app.inbound
}

// Dispatcher returns the outbound dispatcher (dead-letter commands)
func (app *App) Dispatcher() *usecase.Dispatcher {
	return app.dispatcher
}

// Indexer returns the knowledge-base indexer
func (app *App) Indexer() *usecase.Indexer {
	return app.indexer
}

// Credentials returns the tenant credential service
func (app *App) Credentials() *usecase.CredentialService {
	return app.credentials
}

// Handoff returns the agent handoff commands
func (app *App) Handoff() *usecase.HandoffService {
	return app.handoff
}

// Query returns the conversation read side
func (app *App) Query() *usecase.ConversationQuery {
	return app.query
}

// HTTPHandler returns the router (used by tests)
func (app *App) HTTPHandler() http.Handler {
	if app.httpServer == nil {
		return nil
	}
	return app.httpServer.Handler()
}
