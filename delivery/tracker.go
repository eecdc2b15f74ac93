// Package delivery implements per-message delivery tracking, retry
// backoff, and the offline queue for destinations with no current
// route.
package delivery

import (
	"sync"
	"time"

	"github.com/meshcore/meshcore/internal/timerutil"
	"github.com/meshcore/meshcore/wire"
)

// State is a tracked outbound message's position in the delivery state
// machine.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateDelivered
	StateFailed
	StateSpooled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateSpooled:
		return "spooled"
	default:
		return "unknown"
	}
}

// MaxRetries is the default retry cap before a tracked message is
// declared failed.
const MaxRetries = 5

// baseBackoff and backoffCap bound the default exponential retry
// schedule: 2s, 4s, 8s, 16s, 32s, capped at backoffCap.
const baseBackoff = 2 * time.Second
const backoffCap = 32 * time.Second

// RetryPolicy parameterizes a Tracker's retry behavior, so deployments
// can tune the cap and backoff without recompiling (see the meshnode
// config package).
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the standard retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: MaxRetries, BaseBackoff: baseBackoff, MaxBackoff: backoffCap}
}

func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Sender hands a previously-sent envelope back to the egress pipeline
// for another attempt.
type Sender func(env *wire.Envelope) error

// Tracker follows one outbound directed envelope from send to
// acknowledgement, retry, or failure.
type Tracker struct {
	mu       sync.Mutex
	env      *wire.Envelope
	policy   RetryPolicy
	send     Sender
	onFail   func(*wire.Envelope)
	onDone   func(*wire.Envelope)
	state    State
	attempts int
	timer    *timerutil.Timer
	sentAt   time.Time
}

// NewTracker registers env for delivery tracking under policy. onDone
// fires exactly once on ack; onFail fires exactly once if retries are
// exhausted without an ack.
func NewTracker(env *wire.Envelope, policy RetryPolicy, send Sender, onDone, onFail func(*wire.Envelope)) *Tracker {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	tr := &Tracker{env: env, policy: policy, send: send, onDone: onDone, onFail: onFail, state: StatePending}
	tr.timer = timerutil.New(tr.onTimeout)
	return tr
}

// Start transitions PENDING -> IN_FLIGHT, sending env and arming the
// first retry timer.
func (tr *Tracker) Start() error {
	tr.mu.Lock()
	tr.state = StateInFlight
	tr.sentAt = time.Now()
	tr.mu.Unlock()

	// A send error is not returned: the first retry timer is armed either
	// way, so a transient failure is retried on the backoff schedule like
	// an unacknowledged send.
	_ = tr.send(tr.env)
	tr.timer.Mod(tr.policy.backoffFor(0))
	return nil
}

// Spool transitions PENDING -> SPOOLED, when no route exists yet.
func (tr *Tracker) Spool() {
	tr.mu.Lock()
	tr.state = StateSpooled
	tr.mu.Unlock()
}

// Resume transitions SPOOLED -> IN_FLIGHT, called when a route to the
// destination becomes available (typically on peer-connect).
func (tr *Tracker) Resume() error {
	tr.mu.Lock()
	tr.state = StateInFlight
	tr.attempts = 0
	tr.mu.Unlock()
	return tr.Start()
}

// Ack transitions IN_FLIGHT -> DELIVERED, canceling any pending retry
// timer. Safe to call more than once; only the first call has effect.
func (tr *Tracker) Ack() {
	tr.mu.Lock()
	if tr.state == StateDelivered {
		tr.mu.Unlock()
		return
	}
	tr.state = StateDelivered
	tr.mu.Unlock()

	tr.timer.Del()
	if tr.onDone != nil {
		tr.onDone(tr.env)
	}
}

// MessageID returns the envelope ID this tracker follows.
func (tr *Tracker) MessageID() wire.ID { return tr.env.ID }

// State reports the tracker's current state.
func (tr *Tracker) State() State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.state
}

// Attempts reports how many retry timeouts have fired so far. The
// initial send made by Start is not counted, and Resume resets it to zero.
func (tr *Tracker) Attempts() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.attempts
}

func (tr *Tracker) onTimeout() {
	tr.mu.Lock()
	if tr.state != StateInFlight {
		tr.mu.Unlock()
		return
	}
	tr.attempts++
	attempt := tr.attempts
	if attempt >= tr.policy.MaxRetries {
		tr.state = StateFailed
		tr.mu.Unlock()
		if tr.onFail != nil {
			tr.onFail(tr.env)
		}
		return
	}
	tr.mu.Unlock()

	// A transient send error is treated the same as a timeout: the next
	// backoff retry will try again.
	_ = tr.send(tr.env)
	tr.timer.Mod(tr.policy.backoffFor(attempt))
}
