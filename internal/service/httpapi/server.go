package httpapi

import (
	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/ibfashionhub/order-service/internal/domain"
	"github.com/ibfashionhub/order-service/internal/service/order"
)

// Server — HTTP API магазина поверх слоя заказов.
type Server struct {
	engine      *gin.Engine
	orders      *order.Service
	idempotency domain.IdempotencyRepository
	verifier    TokenVerifier
	validator   *validatorv10.Validate
	logger      *log.Entry
}

// ServerOptions задаёт зависимости HTTP-сервера.
type ServerOptions struct {
	Orders      *order.Service
	Idempotency domain.IdempotencyRepository
	Verifier    TokenVerifier
	Logger      *log.Entry
}

// NewServer собирает gin-engine с маршрутами API.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	s := &Server{
		orders:      opts.Orders,
		idempotency: opts.Idempotency,
		verifier:    opts.Verifier,
		validator:   newRequestValidator(),
		logger:      logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	s.engine = engine
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api", requireAuth(s.verifier))
	{
		api.POST("/orders", s.handleCreateOrder)
		api.GET("/my-orders", s.handleListMyOrders)
		api.GET("/my-orders/:orderNumber", s.handleGetMyOrder)
	}

	admin := s.engine.Group("/api/admin", requireAuth(s.verifier), requireAdmin())
	{
		admin.GET("/orders", s.handleAdminListOrders)
		admin.GET("/orders/:id", s.handleAdminGetOrder)
		admin.PATCH("/orders/:id", s.handleAdminUpdateStatus)
	}
}

// Handler возвращает http.Handler для запуска сервера.
func (s *Server) Handler() *gin.Engine {
	return s.engine
}
