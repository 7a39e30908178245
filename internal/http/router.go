// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook authentication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tbourn/go-payment-backend/internal/config"
	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/events"
	"github.com/tbourn/go-payment-backend/internal/gateway"
	"github.com/tbourn/go-payment-backend/internal/http/handlers"
	"github.com/tbourn/go-payment-backend/internal/http/middleware"
	"github.com/tbourn/go-payment-backend/internal/metrics"
	"github.com/tbourn/go-payment-backend/internal/repo"
	"github.com/tbourn/go-payment-backend/internal/services"
	"github.com/tbourn/go-payment-backend/internal/session"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// orderRepoShim adapts the repository free functions to the services.OrderRepo
// interface expected by the OrderService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type orderRepoShim struct{}

// CreateTransaction proxies repo.CreateTransaction.
func (orderRepoShim) CreateTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return repo.CreateTransaction(ctx, db, tx)
}

// UpdateTransactionFields proxies repo.UpdateTransactionFields.
func (orderRepoShim) UpdateTransactionFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error {
	return repo.UpdateTransactionFields(ctx, db, orderID, fields)
}

// AppendEvent proxies repo.AppendEvent.
func (orderRepoShim) AppendEvent(ctx context.Context, db *gorm.DB, orderID, source, payload string) (*domain.TransactionEvent, error) {
	return repo.AppendEvent(ctx, db, orderID, source, payload)
}

// reconcileRepoShim adapts the repository free functions to
// services.ReconcileRepo for webhook and redirect processing.
type reconcileRepoShim struct{}

// GetTransaction proxies repo.GetTransaction.
func (reconcileRepoShim) GetTransaction(ctx context.Context, db *gorm.DB, orderID string) (*domain.Transaction, error) {
	return repo.GetTransaction(ctx, db, orderID)
}

// CreateTransaction proxies repo.CreateTransaction.
func (reconcileRepoShim) CreateTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return repo.CreateTransaction(ctx, db, tx)
}

// UpdateTransactionFields proxies repo.UpdateTransactionFields.
func (reconcileRepoShim) UpdateTransactionFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error {
	return repo.UpdateTransactionFields(ctx, db, orderID, fields)
}

// AppendEvent proxies repo.AppendEvent.
func (reconcileRepoShim) AppendEvent(ctx context.Context, db *gorm.DB, orderID, source, payload string) (*domain.TransactionEvent, error) {
	return repo.AppendEvent(ctx, db, orderID, source, payload)
}

// statusRepoShim adapts the repository free functions to services.StatusRepo
// for the read-side endpoints.
type statusRepoShim struct{}

// GetTransaction proxies repo.GetTransaction.
func (statusRepoShim) GetTransaction(ctx context.Context, db *gorm.DB, orderID string) (*domain.Transaction, error) {
	return repo.GetTransaction(ctx, db, orderID)
}

// ListEvents proxies repo.ListEvents.
func (statusRepoShim) ListEvents(ctx context.Context, db *gorm.DB, orderID string) ([]domain.TransactionEvent, error) {
	return repo.ListEvents(ctx, db, orderID)
}

// CountTransactions proxies repo.CountTransactions (pagination support).
func (statusRepoShim) CountTransactions(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountTransactions(ctx, db)
}

// ListTransactionsPage proxies repo.ListTransactionsPage (pagination support).
func (statusRepoShim) ListTransactionsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Transaction, error) {
	return repo.ListTransactionsPage(ctx, db, offset, limit)
}

// TransactionsStats proxies repo.TransactionsStats (history ETag support).
func (statusRepoShim) TransactionsStats(ctx context.Context, db *gorm.DB) (int64, *time.Time, error) {
	return repo.TransactionsStats(ctx, db)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the payment API at the root.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS, gzip, and security headers
//
// Webhook signature verification is mounted per-route on the gateway callback
// endpoint only; browser-facing routes stay unauthenticated.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, m *metrics.PaymentMetrics, pub events.Publisher) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (webhook signatures are masked by default)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.HeaderWebhookSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.HeaderWebhookSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Response compression (history pages benefit the most)
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Entry-point metadata for clients that discover the payment form
	// dynamically.
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": cfg.OTEL.ServiceName,
			"create": gin.H{
				"method": http.MethodPost,
				"path":   "/process-payment",
				"fields": []string{"amount", "customer_mobile", "customer_email", "remark"},
			},
		})
	})

	// Liveness/health. The stats query doubles as a readiness check; it
	// fails when the database is unreachable.
	r.GET("/health", func(c *gin.Context) {
		count, lastUpdate, err := repo.TransactionsStats(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		body := gin.H{"status": "ok", "transactions": count}
		if lastUpdate != nil {
			body["last_update"] = lastUpdate.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, body)
	})

	// Dependency injection: services ← repo/db/gateway
	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	orderSvc := services.NewOrderService(db, orderRepoShim{}, gw, cfg.PublicBaseURL, m)
	reconSvc := services.NewReconcileService(db, reconcileRepoShim{}, repo.NewKeyedLock(), pub, m, cfg.AllowOrphanRedirect)
	statusSvc := services.NewStatusService(db, statusRepoShim{})
	h := handlers.New(orderSvc, reconSvc, statusSvc, session.NewCodec(cfg.SessionSecret))

	// Payment API
	r.POST("/process-payment", h.ProcessPayment)
	r.POST("/payment-status", middleware.WebhookAuth(cfg.WebhookSecret), h.PaymentWebhook)
	r.GET("/payment-status", h.PaymentStatus)
	r.GET("/payment-success", h.PaymentSuccess)
	r.POST("/verify-payment", h.VerifyPayment)
	r.GET("/history", h.History)
	r.GET("/history/:order_id/events", h.HistoryEvents)
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
