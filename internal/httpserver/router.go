package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailtriage/internal/api"
)

// Check reports whether one dependency is ready. name is returned to the
// caller when the check fails.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(mailHandler *api.MailHandler, adminHandler *api.AdminHandler, checks ...Check) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, chk := range checks {
			if err := chk.Fn(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": chk.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", adminHandler.Status)
	r.POST("/trigger", adminHandler.Trigger)
	r.DELETE("/last-error", adminHandler.ClearLastError)
	r.GET("/prompts", adminHandler.ListPrompts)
	r.PUT("/prompts/:kind", adminHandler.SavePrompt)

	mails := r.Group("/mails")
	{
		mails.GET("", mailHandler.ListMails)
		mails.GET("/:id", mailHandler.GetMail)
		mails.POST("/:id/process", mailHandler.ProcessMail)
		mails.POST("/:id/chat", mailHandler.AskAboutMail)
	}

	return &Router{Engine: r}
}

// Server wraps the router in an http.Server so main can shut it down.
func (r *Router) Server(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
