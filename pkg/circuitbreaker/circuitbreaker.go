package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 关闭：正常状态，允许请求通过
	StateOpen                  // 打开：熔断状态，直接拒绝请求
	StateHalfOpen              // 半开：尝试恢复，允许少量请求通过
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	// 连续失败多少次后打开熔断器
	FailureThreshold int
	// 半开状态下成功多少次后关闭熔断器
	SuccessThreshold int
	// 打开状态持续多久后进入半开状态
	Timeout time.Duration
	// 半开状态下的最大并发请求数
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the breaker.
	// nil means every non-nil error counts.
	IsFailure func(error) bool
	// OnStateChange is called with the lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker guards calls to one remote collaborator.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	halfOpenCount int
	openedAt      time.Time
}

// New 创建新的熔断器
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute 执行函数，带熔断保护。熔断打开时返回 ErrOpen 且不调用 fn
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		change = cb.setStateLocked(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return ErrOpen
		}
		cb.halfOpenCount++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if cb.state == StateHalfOpen && cb.halfOpenCount > 0 {
		cb.halfOpenCount--
	}

	if failed {
		cb.failureCount++
		switch {
		case cb.state == StateHalfOpen:
			// 半开状态下失败，立即打开
			change = cb.setStateLocked(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
			change = cb.setStateLocked(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			change = cb.setStateLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.halfOpenCount = 0
	cb.successCount = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if to == StateClosed {
		cb.failureCount = 0
	}
	if cb.config.OnStateChange == nil {
		return nil
	}
	name, hook := cb.name, cb.config.OnStateChange
	return func() { hook(name, from, to) }
}

// State 获取当前状态（线程安全）
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
}
