package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"escrowchat/pkg/circuitbreaker"
	"escrowchat/pkg/config"
	"escrowchat/pkg/logger"
	"escrowchat/pkg/metrics"
	"escrowchat/pkg/trace"
	"escrowchat/pkg/util"

	"go.uber.org/zap"
)

// 协作方名称，用于熔断器与指标标签
const (
	CollabAuth      = "auth"
	CollabChat      = "chat"
	CollabMilestone = "milestone"
	CollabPayment   = "payment"
)

// StatusError 远程 API 返回非 2xx
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// IsUnauthorized reports whether err is a 401/403 from the API.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}

// Client 远程 REST API 客户端，按协作方拆分熔断器
type Client struct {
	baseURL     string
	httpClient  *http.Client
	readRetries int
	retryDelay  time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	token    string
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		readRetries: cfg.ReadRetries,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
	}
	for _, name := range []string{CollabAuth, CollabChat, CollabMilestone, CollabPayment} {
		bc := circuitbreaker.DefaultConfig()
		// 4xx 是调用方的问题，不计入熔断
		bc.IsFailure = func(err error) bool {
			retryable, _ := util.IsRetryableError(err)
			return retryable
		}
		bc.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("Collaborator circuit breaker changed state",
				zap.String("collaborator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		c.breakers[name] = circuitbreaker.New(name, bc)
	}
	return c
}

// SetToken 设置 bearer 凭证；空字符串表示登出
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type request struct {
	collab string
	op     string
	method string
	path   string
	body   any
	// 只有幂等读请求才允许重试
	idempotent bool
}

// do 发送请求并把 2xx 响应解码到 out（out 为 nil 时丢弃响应体）
func (c *Client) do(ctx context.Context, r request, out any) error {
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, c.logger)

	var payload []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", r.op, err)
		}
		payload = b
	}

	attempts := 1
	if r.idempotent && c.readRetries > 0 {
		attempts = c.readRetries
	}

	var respBody []byte
	status, err := DoWithRetry(ctx, attempts, c.retryDelay, func() (int, error) {
		var st int
		berr := c.breakers[r.collab].Execute(func() error {
			var e error
			st, respBody, e = c.roundTrip(ctx, r, payload, traceID)
			if e != nil {
				return e
			}
			if st < 200 || st >= 300 {
				return &StatusError{Op: r.op, StatusCode: st, Message: errorMessage(respBody)}
			}
			return nil
		})
		return st, berr
	})
	if err != nil {
		log.Warn("API call failed",
			zap.String("collaborator", r.collab),
			zap.String("op", r.op),
			zap.Int("status", status),
			zap.Error(err),
		)
		var se *StatusError
		if errors.As(err, &se) {
			return se
		}
		return fmt.Errorf("%s: %w", r.op, err)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, r request, payload []byte, traceID string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(trace.HeaderName, traceID)
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPICall(r.collab, r.op, "error", time.Since(start))
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	metrics.RecordAPICall(r.collab, r.op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// errorMessage 提取后端 {"error": "..."} / {"message": "..."} 形式的错误说明
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}
