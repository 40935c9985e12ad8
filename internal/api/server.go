package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/xinyiqin/x2v-batch/internal/auth"
	"github.com/xinyiqin/x2v-batch/internal/credit"
	"github.com/xinyiqin/x2v-batch/internal/engine"
	"github.com/xinyiqin/x2v-batch/internal/events"
	"github.com/xinyiqin/x2v-batch/internal/media"
)

type Server struct {
	auth   *auth.Service
	engine *engine.Service
	ledger *credit.AccountLedger
	spool  *media.Spool
	hub    *events.Hub
	log    *slog.Logger
}

func NewServer(authSvc *auth.Service, eng *engine.Service, ledger *credit.AccountLedger, spool *media.Spool, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		auth:   authSvc,
		engine: eng,
		ledger: ledger,
		spool:  spool,
		hub:    hub,
		log:    logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	api := r.Group("/api")
	api.GET("/healthz", func(c *gin.Context) {
		writeData(c, 200, gin.H{"status": "ok"})
	})

	api.POST("/auth/login", s.login)
	api.POST("/auth/refresh", s.refresh)

	authed := api.Group("")
	authed.Use(AuthMiddleware(s.auth))
	{
		authed.POST("/auth/logout", s.logout)
		authed.GET("/me", s.me)

		authed.POST("/video/batch", s.createBatch)
		authed.GET("/video/batches", s.listBatches)
		authed.GET("/video/batch/:batch_id", s.getBatch)
		authed.POST("/video/batch/:batch_id/items/:item_id/cancel", s.cancelItem)
		authed.POST("/video/batch/:batch_id/items/:item_id/resume", s.resumeItem)
		authed.POST("/video/batch/:batch_id/retry-failed", s.retryFailed)
		authed.GET("/video/batch/:batch_id/events", s.streamBatchEvents)

		admin := authed.Group("/admin")
		admin.Use(AdminMiddleware())
		{
			admin.GET("/users", s.listUsers)
			admin.PATCH("/users/:user_id/credits", s.setCredits)
		}
	}

	return r
}
