// Package schedule drives the per-grant timers: the next heartbeat, the
// transmit-expiry cutoff and the grant-expiry cutoff.
package schedule

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

// Kind identifies which timer fired.
type Kind int

const (
	HeartbeatDue Kind = iota
	TransmitExpired
	GrantExpired

	numKinds
)

func (k Kind) String() string {
	switch k {
	case HeartbeatDue:
		return "heartbeat_due"
	case TransmitExpired:
		return "transmit_expired"
	case GrantExpired:
		return "grant_expired"
	default:
		return "unknown"
	}
}

// Event is posted to the sink when a timer fires. Gen identifies the arming
// that produced it so a stale event can be rejected by Accept.
type Event struct {
	GrantID string
	Kind    Kind
	At      time.Time
	Gen     uint64
}

// BackoffPolicy bounds heartbeat retries after transient SAS failures.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Policy tunes heartbeat placement.
type Policy struct {
	// HeartbeatFraction places the next heartbeat at this fraction of the
	// SAS-dictated interval.
	HeartbeatFraction float64
	// SafetyMargin keeps the heartbeat this far ahead of the earliest expiry.
	SafetyMargin time.Duration
	Backoff      BackoffPolicy
}

// DefaultPolicy fires at the interval midpoint with a 5s margin and retries
// from 1s doubling up to 30s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		HeartbeatFraction: 0.5,
		SafetyMargin:      5 * time.Second,
		Backoff: BackoffPolicy{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.HeartbeatFraction <= 0 || p.HeartbeatFraction > 1 {
		p.HeartbeatFraction = d.HeartbeatFraction
	}
	if p.SafetyMargin < 0 {
		p.SafetyMargin = 0
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = d.Backoff.Initial
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = d.Backoff.Max
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter >= 1 {
		p.Backoff.Jitter = d.Backoff.Jitter
	}
	return p
}

// GrantScheduler owns the three timers of one grant.
//
// It is driven from a single goroutine (the owning device loop). Timer
// callbacks only post events to the sink; they never touch scheduler state.
type GrantScheduler struct {
	clock   timectrl.Clock
	policy  Policy
	grantID string
	sink    func(Event)

	timers [numKinds]timectrl.Timer
	gens   [numKinds]uint64
	armed  [numKinds]time.Time

	backoff     *backoff.ExponentialBackOff
	txExpire    time.Time
	grantExpire time.Time
	stopped     bool
}

// New returns an idle scheduler for grantID that posts fired timers to sink.
func New(clock timectrl.Clock, grantID string, policy Policy, sink func(Event)) *GrantScheduler {
	policy = policy.WithDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.Backoff.Initial,
		RandomizationFactor: policy.Backoff.Jitter,
		Multiplier:          policy.Backoff.Multiplier,
		MaxInterval:         policy.Backoff.Max,
	}
	b.Reset()
	return &GrantScheduler{
		clock:   clock,
		policy:  policy,
		grantID: grantID,
		sink:    sink,
		backoff: b,
	}
}

// SetDeadlines records the grant's current expiry instants and re-arms the
// transmit-expiry and grant-expiry timers when they moved. A zero time
// disarms the corresponding timer; an instant already past fires at once.
func (s *GrantScheduler) SetDeadlines(transmitExpire, grantExpire time.Time) {
	if s.stopped {
		return
	}
	if !transmitExpire.Equal(s.txExpire) {
		s.txExpire = transmitExpire
		s.arm(TransmitExpired, transmitExpire)
	}
	if !grantExpire.Equal(s.grantExpire) {
		s.grantExpire = grantExpire
		s.arm(GrantExpired, grantExpire)
	}
}

// ArmHeartbeat schedules the next heartbeat after a successful exchange and
// resets the retry backoff. The instant is clamped to the earliest expiry
// minus the safety margin. It returns the scheduled instant.
func (s *GrantScheduler) ArmHeartbeat(interval time.Duration) time.Time {
	if s.stopped {
		return time.Time{}
	}
	s.backoff.Reset()
	now := s.clock.Now()
	at := now.Add(time.Duration(float64(interval) * s.policy.HeartbeatFraction))
	// Inside the margin the heartbeat moves to the deadline itself, and a
	// deadline already past does not clamp, so an unchanged expiry never
	// re-arms at now.
	if deadline := s.nextDeadline(now); !deadline.IsZero() {
		limit := deadline.Add(-s.policy.SafetyMargin)
		if !limit.After(now) {
			limit = deadline
		}
		if at.After(limit) {
			at = limit
		}
	}
	if at.Before(now) {
		at = now
	}
	s.arm(HeartbeatDue, at)
	return at
}

// nextDeadline returns the earliest expiry still ahead of now, or zero.
func (s *GrantScheduler) nextDeadline(now time.Time) time.Time {
	var ahead []time.Time
	for _, t := range []time.Time{s.txExpire, s.grantExpire} {
		if t.After(now) {
			ahead = append(ahead, t)
		}
	}
	return timectrl.Earliest(ahead...)
}

// ArmRetry schedules a heartbeat retry after a transient failure. The delay
// grows exponentially and is capped at transmitExpireTime while that is still
// ahead, then at grantExpireTime. It reports false when no retry can happen
// before the grant expires.
func (s *GrantScheduler) ArmRetry() (time.Time, bool) {
	if s.stopped {
		return time.Time{}, false
	}
	now := s.clock.Now()
	at := now.Add(s.backoff.NextBackOff())

	limit := s.grantExpire
	if s.txExpire.After(now) {
		limit = s.txExpire
	}
	if !limit.IsZero() && at.After(limit) {
		at = limit
	}
	if !s.grantExpire.IsZero() && !at.Before(s.grantExpire) {
		s.disarm(HeartbeatDue)
		return time.Time{}, false
	}
	s.arm(HeartbeatDue, at)
	return at, true
}

// ArmAt schedules a heartbeat at a fixed instant, clamped to now.
func (s *GrantScheduler) ArmAt(at time.Time) {
	if s.stopped {
		return
	}
	if now := s.clock.Now(); at.Before(now) {
		at = now
	}
	s.arm(HeartbeatDue, at)
}

// NextHeartbeat returns the armed heartbeat instant, or zero.
func (s *GrantScheduler) NextHeartbeat() time.Time {
	if s.stopped || s.timers[HeartbeatDue] == nil {
		return time.Time{}
	}
	return s.armed[HeartbeatDue]
}

// Accept reports whether ev is the live firing of one of this scheduler's
// timers. Stale, duplicate and post-Stop events are rejected.
func (s *GrantScheduler) Accept(ev Event) bool {
	if s.stopped || ev.GrantID != s.grantID || ev.Kind < 0 || ev.Kind >= numKinds {
		return false
	}
	if ev.Gen != s.gens[ev.Kind] || s.timers[ev.Kind] == nil {
		return false
	}
	s.timers[ev.Kind] = nil
	return true
}

// Stop cancels every timer. Events already posted are rejected by Accept.
func (s *GrantScheduler) Stop() {
	if s.stopped {
		return
	}
	for k := range s.timers {
		s.disarm(Kind(k))
	}
	s.stopped = true
}

// Stopped reports whether Stop has been called.
func (s *GrantScheduler) Stopped() bool { return s.stopped }

func (s *GrantScheduler) arm(k Kind, at time.Time) {
	s.disarm(k)
	if at.IsZero() {
		return
	}
	s.gens[k]++
	ev := Event{GrantID: s.grantID, Kind: k, At: at, Gen: s.gens[k]}
	s.armed[k] = at
	s.timers[k] = s.clock.AfterFunc(timectrl.Until(s.clock, at), func() { s.sink(ev) })
}

func (s *GrantScheduler) disarm(k Kind) {
	if t := s.timers[k]; t != nil {
		t.Stop()
	}
	s.timers[k] = nil
	s.gens[k]++
	s.armed[k] = time.Time{}
}
