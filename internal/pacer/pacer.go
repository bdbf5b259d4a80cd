// Package pacer throttles and retries transfer-worker operations against a
// remote host: a single in-flight-call token plus a bounded pool of
// connection tokens, with an attack/decay sleep-time calculator between
// retries.
package pacer

import (
	"sync"
	"time"
)

// State is the pacer's mutable view of one host's recent call history.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator derives the next SleepTime from the current State.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is the attack/decay calculator: sleep time backs off
// multiplicatively on a retry (attack) and decays multiplicatively once
// calls start succeeding again (decay).
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// Option configures a Default calculator.
type Option func(*Default)

// MinSleep sets the floor sleep time.
func MinSleep(d time.Duration) Option { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the ceiling sleep time.
func MaxSleep(d time.Duration) Option { return func(c *Default) { c.maxSleep = d } }

// DecayConstant sets how quickly the sleep time shrinks after a success.
func DecayConstant(v uint) Option { return func(c *Default) { c.decayConstant = v } }

// AttackConstant sets how quickly the sleep time grows after a retry.
func AttackConstant(v uint) Option { return func(c *Default) { c.attackConstant = v } }

// NewDefault builds a Default calculator (10ms floor, 2s ceiling, decay
// 2, attack 1), overridden by opts.
func NewDefault(opts ...Option) *Default {
	c := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Calculate implements Calculator. A successful call (ConsecutiveRetries
// == 0) decays the sleep time geometrically toward minSleep; a retry
// attacks it geometrically toward maxSleep.
func (c *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		sleepTime := state.SleepTime - (state.SleepTime >> c.decayConstant)
		if sleepTime < c.minSleep {
			sleepTime = c.minSleep
		}
		return sleepTime
	}
	if c.attackConstant == 0 {
		return c.maxSleep
	}
	denom := (time.Duration(1) << c.attackConstant) - 1
	sleepTime := state.SleepTime + state.SleepTime/denom
	if sleepTime > c.maxSleep {
		sleepTime = c.maxSleep
	}
	return sleepTime
}

// Pacer serialises and rate-limits operations against one host: at most
// one call paces at a time, and at most maxConnections calls run
// concurrently.
type Pacer struct {
	mu             sync.Mutex
	pacer          chan struct{}
	connTokens     chan struct{}
	state          State
	calculator     Calculator
	retries        int
	maxConnections int
}

// PacerOption configures a new Pacer.
type PacerOption func(*Pacer)

// RetriesOption sets how many attempts Call makes at most, counting the
// first one.
func RetriesOption(retries int) PacerOption {
	return func(p *Pacer) { p.retries = retries }
}

// MaxConnectionsOption bounds how many operations may run concurrently
// against this host (0 means unbounded).
func MaxConnectionsOption(n int) PacerOption {
	return func(p *Pacer) { p.SetMaxConnections(n) }
}

// CalculatorOption overrides the sleep-time calculator.
func CalculatorOption(c Calculator) PacerOption {
	return func(p *Pacer) { p.calculator = c }
}

// New builds a Pacer with its stock defaults (3 attempts, Default
// calculator, no connection limit), overridden by opts.
func New(opts ...PacerOption) *Pacer {
	p := &Pacer{
		pacer:      make(chan struct{}, 1),
		calculator: NewDefault(),
		retries:    3,
	}
	for _, o := range opts {
		o(p)
	}
	p.pacer <- struct{}{}
	if d, ok := p.calculator.(*Default); ok {
		p.state.SleepTime = d.minSleep
	}
	return p
}

// SetMaxConnections changes the connection-token pool size; 0 disables the
// limit entirely.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// SetRetries changes the retry budget used by Call.
func (p *Pacer) SetRetries(retries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = retries
}

// beginCall waits for the pace token, then (if connection-limited) a free
// connection token, sleeping the currently-calculated amount in between.
func (p *Pacer) beginCall() {
	<-p.pacer
	if p.connTokens != nil {
		<-p.connTokens
	}

	p.mu.Lock()
	sleepTime := p.state.SleepTime
	p.mu.Unlock()

	time.AfterFunc(sleepTime, func() { p.pacer <- struct{}{} })
}

// endCall returns the connection token (if any) and updates retry state.
func (p *Pacer) endCall(retry bool, err error) {
	if p.connTokens != nil {
		p.connTokens <- struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
}

// Paced is an operation that reports whether it should be retried (true)
// alongside any error.
type Paced func() (retry bool, err error)

// call runs fn at most retries times in all, stopping as soon as it
// reports retry=false.
func (p *Pacer) call(fn Paced, retries int) (err error) {
	var retry bool
	for i := 0; i < retries; i++ {
		p.beginCall()
		retry, err = fn()
		p.endCall(retry, err)
		if !retry {
			break
		}
	}
	return err
}

// Call runs fn, retrying according to the Pacer's configured retry budget.
func (p *Pacer) Call(fn Paced) error {
	p.mu.Lock()
	retries := p.retries
	p.mu.Unlock()
	return p.call(fn, retries)
}

// CallNoRetry runs fn exactly once, still subject to pacing/connection
// limits.
func (p *Pacer) CallNoRetry(fn Paced) error {
	return p.call(fn, 1)
}
