package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen 熔断器打开
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 (正常)
	StateClosed State = iota
	// StateOpen 打开状态 (熔断)
	StateOpen
	// StateHalfOpen 半开状态 (尝试恢复)
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// 连续失败多少次后打开熔断器
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// 半开状态下连续成功多少次后关闭熔断器
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// 熔断器打开后多久进入半开状态
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// 半开状态最大并发探测数
	MaxHalfOpenRequests int `yaml:"max_half_open_requests" json:"max_half_open_requests"`

	// IsFailure 判断错误是否计入失败，nil 时除调用方取消外的错误都计入
	IsFailure func(err error) bool `yaml:"-" json:"-"`
	// OnStateChange 状态变化回调，在锁外调用
	OnStateChange func(from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config *Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// New 创建熔断器
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

// effectiveState 打开超时后视为半开 (调用方持锁)
func (cb *CircuitBreaker) effectiveState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// transition 切换状态并重置计数 (调用方持锁)，返回切换前状态
func (cb *CircuitBreaker) transition(to State) State {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	var from State
	changed := false
	switch cb.effectiveState() {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.state == StateOpen {
			from = cb.transition(StateHalfOpen)
			changed = true
		}
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			cb.mu.Unlock()
			if changed {
				cb.notify(from, StateHalfOpen)
			}
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	var from, to State
	switch cb.effectiveState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		if cb.successes >= cb.config.SuccessThreshold {
			from, to = cb.transition(StateClosed), StateClosed
		}
	}
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	var from, to State
	switch cb.effectiveState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			from, to = cb.transition(StateOpen), StateOpen
		}
	case StateHalfOpen:
		from, to = cb.transition(StateOpen), StateOpen
	}
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Execute 执行函数并自动记录结果
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		cb.Success()
		return nil
	}

	if cb.countsAsFailure(ctx, err) {
		cb.Failure()
	} else {
		cb.release()
	}
	return err
}

func (cb *CircuitBreaker) countsAsFailure(ctx context.Context, err error) bool {
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	// 调用方主动取消不代表下游故障
	return !(errors.Is(err, context.Canceled) && ctx.Err() != nil)
}

// release 归还半开探测名额，不影响计数
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Stats 统计信息
type Stats struct {
	State            State
	Failures         int
	Successes        int
	HalfOpenRequests int
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.effectiveState(),
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenRequests: cb.halfOpenRequests,
	}
}
