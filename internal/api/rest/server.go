// Package rest 提供出票、核销和支付回调的 HTTP 接口
package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lvdashuaibi/littlegate/internal/logger"
	"github.com/lvdashuaibi/littlegate/internal/metrics"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

// Gate 接口层依赖的业务操作，由 service.GateService 实现
type Gate interface {
	Issue(ctx context.Context, desc *model.TicketDescriptor) (*model.Ticket, error)
	Cancel(ctx context.Context, ticketNumber string) (bool, error)
	Scan(ctx context.Context, req *model.ScanRequest) (*model.Verdict, error)
	HandleCallback(ctx context.Context, env *model.CallbackEnvelope) (*model.CallbackDecision, error)
}

type Server struct {
	gate   Gate
	router *gin.Engine
}

// NewServer graphql 为 nil 时不注册统计接口
func NewServer(gate Gate, graphql http.Handler, graphPath string) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinLogger(), metrics.GinMiddleware())

	s := &Server{gate: gate, router: router}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if graphql != nil {
		router.POST(graphPath, gin.WrapH(graphql))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/tickets", s.handleIssue)
		api.POST("/tickets/:number/cancel", s.handleCancel)
		api.POST("/scan", s.handleScan)
		api.POST("/payments/callback", s.handleRedirect)
		api.POST("/payments/webhook", s.handleWebhook)
	}

	return s
}

// Handler 供 http.Server 使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router 用于追加路由
func (s *Server) Router() *gin.Engine {
	return s.router
}
