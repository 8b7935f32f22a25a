package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"escrowchat/internal/payment"
	"escrowchat/pkg/config"
	"escrowchat/pkg/logger"
	"escrowchat/pkg/trace"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReturnSink handles a payment gateway return for the conversation it
// names. ok is false when no conversation can be found for it.
type ReturnSink interface {
	HandlePaymentReturn(ctx context.Context, u *url.URL) (payment.Result, bool)
}

// ReadyFunc reports whether optional dependencies (redis) are reachable.
type ReadyFunc func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

// NewRouter 本地回跳服务：网关把买家浏览器重定向到 cfg.Path
func NewRouter(cfg config.CallbackConfig, sink ReturnSink, ready ReadyFunc, log *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(log))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if ready == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET(cfg.Path, paymentReturn(sink, log))

	return &Router{Engine: r}
}

func paymentReturn(sink ReturnSink, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		l := logger.WithTrace(c.Request.Context(), log)

		res, ok := sink.HandlePaymentReturn(c.Request.Context(), c.Request.URL)
		if !ok {
			l.Warn("Payment return matches no conversation")
			c.JSON(http.StatusConflict, gin.H{"status": string(payment.StatusFailed), "error": "no conversation matches this return, open the chat in the app and retry"})
			return
		}
		if res.Status == payment.StatusNone {
			// 去掉标记后的落地页
			c.JSON(http.StatusOK, gin.H{"status": "idle", "message": "Nothing to process. You can return to the chat."})
			return
		}

		body := gin.H{
			"status":          string(res.Status),
			"message":         res.Message,
			"contact_support": res.ContactSupport,
		}
		if res.Milestone != nil {
			body["milestone"] = res.Milestone
		}
		// 成功后跳到去掉标记的地址，刷新不会再次提交
		if res.Status == payment.StatusSuccess && res.CleanURL != "" && res.CleanURL != c.Request.URL.String() {
			c.Header("Location", res.CleanURL)
			c.JSON(http.StatusSeeOther, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}

// TraceMiddleware 为每个请求分配 trace_id 并回写到响应头
func TraceMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := trace.FromHeader(c.GetHeader(trace.HeaderName))
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), id))
		c.Header(trace.HeaderName, id)

		start := time.Now()
		c.Next()

		logger.WithTrace(c.Request.Context(), log).Debug("Callback request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
