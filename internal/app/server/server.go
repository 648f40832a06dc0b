package server

import (
	"context"
	"net/http"
	"time"

	"planetchat/internal/api"
	"planetchat/internal/auth"
	"planetchat/internal/broker"
	"planetchat/internal/chatstore"
	"planetchat/internal/core/dispose"
	coreerrors "planetchat/internal/core/errors"
	corelog "planetchat/internal/core/log"
	"planetchat/internal/core/storage"
	"planetchat/internal/gateway"
	"planetchat/internal/pager"
	"planetchat/internal/ratelimit"
	"planetchat/internal/receipts"
	"planetchat/internal/rooms"
)

// Server 进程组装根
// 装配顺序固定：存储 → 广播桥 → 限流器 → 持久层 → 房间 → 网关 → HTTP
type Server struct {
	*dispose.ServiceBase

	cfg      *Config
	kv       storage.KVStore
	embedded *storage.EmbeddedRedis
	bridge   *broker.Bridge
	limiter  *ratelimit.Limiter
	store    chatstore.Store
	rooms    *rooms.Manager
	gateway  *gateway.Gateway
	httpSrv  *http.Server
}

// New 按配置装配全部组件
func New(parentCtx context.Context, cfg *Config) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		ServiceBase: dispose.NewService("Server", parentCtx),
	}

	if err := corelog.Init(&cfg.Log); err != nil {
		return nil, err
	}

	kv, embedded, err := storage.NewKVStore(s.Ctx(), &cfg.Storage)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "shared store setup failed")
	}
	s.kv = kv
	s.embedded = embedded
	s.AddCleanHandler(kv.Close)
	if embedded != nil {
		corelog.Infof("Server: embedded redis at %s (dev mode)", embedded.Addr())
		s.AddCleanHandler(embedded.Close)
	}

	// 桥失败自动降级，不阻塞启动
	s.bridge = broker.NewBridge(s.Ctx(), &cfg.Broker)

	rlConfig := ratelimit.DefaultConfig()
	if cfg.RateLimit.OverrideCacheTTL > 0 {
		rlConfig.OverrideCacheTTL = cfg.RateLimit.OverrideCacheTTL
	}
	if cfg.RateLimit.OverrideCacheSize > 0 {
		rlConfig.OverrideCacheSize = cfg.RateLimit.OverrideCacheSize
	}
	if cfg.RateLimit.OverrideTTL > 0 {
		rlConfig.OverrideTTL = cfg.RateLimit.OverrideTTL
	}
	if cfg.RateLimit.StatsTTL > 0 {
		rlConfig.StatsTTL = cfg.RateLimit.StatsTTL
	}
	s.limiter = ratelimit.NewLimiter(kv, rlConfig)

	switch cfg.Database.Type {
	case "postgres":
		pg, err := chatstore.NewPostgresStore(s.Ctx(), cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s.store = pg
	default:
		corelog.Warnf("Server: using in-memory chat store, messages will not survive restarts")
		s.store = chatstore.NewMemoryStore()
	}
	s.AddCleanHandler(s.store.Close)

	authn, err := auth.NewAuthenticator(&cfg.Auth)
	if err != nil {
		return nil, err
	}

	tracker := receipts.NewTracker(s.store)
	s.rooms = rooms.NewManager(s.Ctx())
	s.gateway = gateway.NewGateway(s.Ctx(), authn, s.limiter, tracker, s.store, s.rooms, s.bridge)

	apiHandler := api.NewHandler(authn, pager.NewPager(s.store), tracker,
		s.store, s.bridge, s.limiter, cfg.NodeID)
	router := apiHandler.Routes()
	router.Handle("/ws", s.gateway)

	s.httpSrv = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	return s, nil
}

// Run 启动服务并阻塞到 ctx 取消，随后优雅退出
func (s *Server) Run() error {
	if err := s.gateway.Start(); err != nil {
		return err
	}

	printBanner(s.cfg)
	corelog.Infof("Server: node %s listening on %s", s.cfg.NodeID, s.cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.Ctx().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		corelog.Warnf("Server: http shutdown: %v", err)
	}

	if result := s.Close(); result != nil && result.HasErrors() {
		corelog.Warnf("Server: cleanup finished with errors: %s", result.Error())
	}
	corelog.Infof("Server: stopped")
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
