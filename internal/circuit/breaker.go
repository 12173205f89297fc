package circuit

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/fleetwork/cacheengine/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without reaching the dependency
	StateOpen
	// StateHalfOpen - a limited number of trial calls are let through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state in lower case for JSON bodies
func (s State) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures in the closed state that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Trial calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure
	IsSuccessful func(err error) bool `yaml:"-"`

	Clock func() time.Time `yaml:"-"`
}

// Counts holds the numbers of calls and their outcomes since the last state change
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Breaker guards calls to a dependency that may become unavailable, such as
// the persistent tier
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// defaultIsSuccessful treats the caller giving up as neutral
func defaultIsSuccessful(err error) bool {
	return err == nil || stderrors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it. A rejected call returns an
// error carrying ErrCodeComponentStopped without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

// Allow reports whether a call would currently be let through
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.config.Clock())
	return state == StateClosed || (state == StateHalfOpen && b.counts.Requests < b.config.MaxRequests)
}

// beforeRequest is called before executing the request
func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.config.Clock())

	if state == StateOpen {
		return b.rejection("circuit breaker is open")
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return b.rejection("too many requests in half-open state")
	}

	b.counts.onRequest(b.config.Clock())
	return nil
}

// afterRequest is called after executing the request
func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState moves an expired open breaker to half-open
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.expiry) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState changes the state of the circuit breaker
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state

	b.state = state
	b.counts.clear()
	b.expiry = time.Time{}
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) rejection(msg string) error {
	return errors.NewError(errors.ErrCodeComponentStopped, msg).
		WithComponent("circuit").
		WithDetail("breaker", b.name).
		WithDetail("retry_at", b.expiry)
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(b.config.Clock())
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:   b.name,
		State:  b.currentState(b.config.Clock()),
		Counts: b.counts,
	}
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, b.config.Clock())
	b.counts.clear()
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether err was returned because a breaker rejected the call
func IsOpen(err error) bool {
	return errors.HasCode(err, errors.ErrCodeComponentStopped)
}

// Methods for Counts struct

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
