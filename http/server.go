// Package http 提供控制面HTTP服务器
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fosgate/api"
	"fosgate/monitoring"
	"fosgate/rpc"
)

// Server 控制面HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr           string
	Timeout        time.Duration
	MaxBodySize    int64
	AllowedOrigins []string
	// Registry 为nil时不提供 /api/registry（外部注册中心）
	Registry map[string]string
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":1099",
		Timeout:        30 * time.Second,
		MaxBodySize:    64 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// Deps 控制面依赖
type Deps struct {
	Manager api.Manager
	Metrics *monitoring.Metrics
	Hub     *monitoring.Hub
	Logger  *zap.Logger
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.Path, rpc.NewHandler(deps.Manager, deps.Logger.Named("rpc")))
	RegisterHandlers(mux, handlers{
		manager:  deps.Manager,
		metrics:  deps.Metrics,
		hub:      deps.Hub,
		registry: config.Registry,
	})

	chain := Chain(
		RecoveryMiddleware(deps.Logger), // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(deps.Logger),   // 2. 日志中间件
		SecurityHeadersMiddleware,       // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),
		RequestSizeMiddleware(config.MaxBodySize),
		GzipMiddleware,
	)

	return &Server{
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           chain(mux),
			ReadHeaderTimeout: config.Timeout,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		logger: deps.Logger,
	}
}

// Handler 返回完整的处理链，测试使用
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(l)
}

// Serve 在给定监听器上提供服务，Stop之后返回nil
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("control plane listening", zap.Stringer("addr", l.Addr()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down control plane")
	if err := s.server.Shutdown(ctx); err != nil {
		s.server.Close()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
