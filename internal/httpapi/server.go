// ============================================================================
// chunk-pregen REST API
// ============================================================================
//
// Package: internal/httpapi
// 文件: server.go
//
// 路由:
//   GET    /jobs             列出所有任務
//   POST   /jobs             啟動任務（JSON Schema 驗證）
//   GET    /jobs/{id}        查詢任務（完整 ID 或唯一前綴）
//   POST   /jobs/{id}/pause  切換暫停
//   DELETE /jobs/{id}        取消任務
//   GET    /ws               websocket 事件串流
//   GET    /metrics          Prometheus 指標
//   GET    /healthz          系統狀態
//
// 錯誤回應一律為 {"error": "<一行文字>"}。
//
// ============================================================================

package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/internal/metrics"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// Commands REST API 需要的控制器指令
type Commands interface {
	StartJob(ctx context.Context, req controller.StartRequest) (types.JobSnapshot, error)
	Pause(idOrPrefix string) (types.JobSnapshot, error)
	Cancel(idOrPrefix string) (types.JobSnapshot, error)
	Status(idOrPrefix string) (types.JobSnapshot, error)
	List() []types.JobSnapshot
	GetStatus() map[string]interface{}
}

// Options 可選的路由
type Options struct {
	Events   http.Handler        // /ws，nil 時不註冊
	Gatherer prometheus.Gatherer // /metrics，nil 時使用預設 registry
}

// Server REST API 伺服器
type Server struct {
	server    *http.Server
	router    *mux.Router
	commands  Commands
	validator *Validator
}

// NewServer 建立伺服器並註冊所有路由
func NewServer(addr string, commands Commands, opts Options) (*Server, error) {
	validator, err := NewValidator(startJobSchema)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:    router,
		commands:  commands,
		validator: validator,
	}
	s.registerRoutes(opts)
	return s, nil
}

func (s *Server) registerRoutes(opts Options) {
	s.router.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.startJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.cancelJob).Methods(http.MethodDelete)
	s.router.HandleFunc("/jobs/{id}/pause", s.pauseJob).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler(opts.Gatherer)).Methods(http.MethodGet)
	if opts.Events != nil {
		s.router.Handle("/ws", opts.Events)
	}
}

// Handler 根路由（測試用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve 在 lis 上提供服務直到 Shutdown
func (s *Server) Serve(lis net.Listener) error {
	log.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
//
// websocket 連線被 hijack 後不在 Shutdown 的管轄內，需由 Hub 自行關閉。
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Warn("HTTP server shutdown error", "error", err)
	}
	log.Info("HTTP server stopped")
	return err
}
