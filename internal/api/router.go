package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"deploy-restart-agent/internal/mw"
)

// RouterOptions tune the middleware. Zero values take the defaults below.
type RouterOptions struct {
	RateLimitPerSec float64
	RateBurst       int
	CacheTTL        time.Duration
}

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps, opts RouterOptions) *gin.Engine {
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())

	handler := NewHandler(d)
	rateLimiter := mw.RateLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateBurst)
	caching := mw.Cache(cache.New(opts.CacheTTL, 2*opts.CacheTTL), opts.CacheTTL)

	api := r.Group("/api")
	{
		restart := api.Group("/restart")
		restart.GET("/status", handler.GetRestartStatus)
		// The stream is long-lived; it sits outside the rate limiter.
		restart.GET("/events", handler.StreamEvents)
		restart.POST("/request", rateLimiter, handler.PostRestartRequest)
		restart.POST("/reject", rateLimiter, handler.PostRestartReject)

		limited := api.Group("", rateLimiter)
		limited.GET("/notifications", handler.GetNotifications)
		limited.GET("/targets", caching, handler.GetTargets)
		limited.PUT("/subscriptions", handler.PutSubscription)
		limited.DELETE("/subscriptions", handler.DeleteSubscription)
		limited.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
