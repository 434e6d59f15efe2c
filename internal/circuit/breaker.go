// Package circuit implements the closed/open/half-open circuit breaker that
// guards every remote S3 call made by the Sync Controller (spec §4.3:
// "Authentication failures ... halt the loop for that vault and raise a
// fatal event").
package circuit

import (
	"sync"
	"time"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// State is one of closed, open, half-open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config controls trip/recovery thresholds.
type Config struct {
	FailureThreshold int
	Interval         time.Duration
	Timeout          time.Duration
	OnStateChange    func(name string, from, to State)
}

// Counts tracks request outcomes within the current window.
type Counts struct {
	Requests            uint32
	ConsecutiveFailures uint32
	ConsecutiveSuccess  uint32
}

// Breaker implements the per-vault circuit breaker around S3 calls.
type Breaker struct {
	name string
	cfg  Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a Breaker named for the vault/endpoint it guards.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		expiry: time.Now().Add(cfg.Interval),
	}
}

// Execute runs fn if the breaker allows it. A *vherrors.VaultError with
// Code Fatal trips the breaker open immediately regardless of threshold,
// modeling the spec's "halt the loop ... raise a fatal event" semantics.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.maybeExpireWindow(now)

	switch b.state {
	case StateOpen:
		if now.After(b.expiry) {
			b.setState(StateHalfOpen)
			return nil
		}
		return vherrors.New(vherrors.CodeTransient, "circuit breaker open for "+b.name).
			WithComponent("circuit").WithContext("breaker", b.name)
	case StateHalfOpen:
		return nil
	default:
		return nil
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++

	if err == nil {
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccess++
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
			b.counts = Counts{}
		}
		return
	}

	b.counts.ConsecutiveSuccess = 0
	b.counts.ConsecutiveFailures++

	fatal := isFatal(err)
	if fatal || int(b.counts.ConsecutiveFailures) >= b.cfg.FailureThreshold {
		b.setState(StateOpen)
		b.expiry = time.Now().Add(b.cfg.Timeout)
	}
}

func (b *Breaker) maybeExpireWindow(now time.Time) {
	if b.state == StateClosed && now.After(b.expiry) {
		b.counts = Counts{}
		b.expiry = now.Add(b.cfg.Interval)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func isFatal(err error) bool {
	var vErr *vherrors.VaultError
	if ok := asVaultError(err, &vErr); ok {
		return vErr.Code == vherrors.CodeFatal
	}
	return false
}

func asVaultError(err error, target **vherrors.VaultError) bool {
	for err != nil {
		if vErr, ok := err.(*vherrors.VaultError); ok {
			*target = vErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
