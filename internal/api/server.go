package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-redteam/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken       string
	GraphQLHandler http.Handler
	// MockSource exposes the emulated probe API under /mock.
	MockSource bool
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/openapi", handler.OpenAPISpec)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	protected.GET("/events", handler.StreamEvents)
	protected.GET("/campaigns", handler.ListCampaigns)
	protected.POST("/campaigns", handler.CreateCampaign)
	protected.POST("/campaigns/validate", handler.ValidateCampaign)
	protected.GET("/campaigns/:id", handler.GetCampaign)
	protected.GET("/campaigns/:id/results", handler.CampaignResults)
	protected.POST("/campaigns/:id/cancel", handler.CancelCampaign)
	protected.GET("/history", handler.ListHistory)

	if opts.GraphQLHandler != nil {
		protected.GET("/graphql", gin.WrapH(opts.GraphQLHandler))
		protected.POST("/graphql", gin.WrapH(opts.GraphQLHandler))
	}

	if opts.MockSource {
		protected.POST("/mock/campaigns/run", handler.MockRunCampaign)
	}

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. WriteTimeout is
// left unset so event streams are not cut off.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return srv
}
