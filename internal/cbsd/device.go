// Package cbsd runs one actor per CBSD. Every command, timer firing and SAS
// result for a device is handled on that device's loop goroutine, in order.
package cbsd

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

// Config tunes device behaviour.
type Config struct {
	Policy schedule.Policy
	// SuspendAfterFailures is the number of consecutive transient heartbeat
	// failures after which an AUTHORIZED grant is suspended locally.
	SuspendAfterFailures int
	// AllowOverlappingGrants lets a grant request overlap an active grant's
	// range, leaving the decision to the SAS.
	AllowOverlappingGrants bool
	// CallTimeout bounds each SAS call made by the device.
	CallTimeout time.Duration
	// DefaultHeartbeatInterval (seconds) and DefaultGrantTTL apply when a
	// grant response omits them.
	DefaultHeartbeatInterval int
	DefaultGrantTTL          time.Duration
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	c.Policy = c.Policy.WithDefaults()
	if c.SuspendAfterFailures <= 0 {
		c.SuspendAfterFailures = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.DefaultHeartbeatInterval <= 0 {
		c.DefaultHeartbeatInterval = model.DefaultHeartbeatIntervalSeconds
	}
	if c.DefaultGrantTTL <= 0 {
		c.DefaultGrantTTL = model.DefaultGrantTTL
	}
	return c
}

// GrantStatus is a read-only view of one active grant.
type GrantStatus struct {
	model.Grant
	NextHeartbeat time.Time `json:"nextHeartbeat,omitempty"`
	CanTransmit   bool      `json:"canTransmit"`
}

// Snapshot is a read-only view of a device.
type Snapshot struct {
	Device model.CBSD    `json:"cbsd"`
	Grants []GrantStatus `json:"grants"`
	// Busy is true while a command's SAS call is outstanding.
	Busy               bool `json:"busy"`
	PendingMeasurement bool `json:"pendingMeasurement"`
}

// Device is the actor owning one CBSD's lifecycle and its grants.
type Device struct {
	id       string
	clock    timectrl.Clock
	client   sas.Client
	reporter Reporter
	log      logging.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	// mailbox
	mu     sync.Mutex
	queue  []event
	signal chan struct{}
	closed bool
	done   chan struct{}

	// loop-owned state below
	cbsd     model.CBSD
	grants   map[string]*grantEntry
	busy     bool
	pending  []*command
	inflight int
	barriers []chan struct{}
	meas     *model.MeasReport
	retired  bool
}

type grantEntry struct {
	grant         model.Grant
	sched         *schedule.GrantScheduler
	heartbeating  bool
	relinquishing bool
}

// Option customises a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Device) { d.log = logging.OrNoop(l) }
}

// WithReporter sets the transition sink.
func WithReporter(r Reporter) Option {
	return func(d *Device) {
		if r != nil {
			d.reporter = r
		}
	}
}

// New starts the actor for record. grants are previously persisted grants to
// rehydrate; they are checked against the clock before any timer is armed.
func New(record model.CBSD, grants []model.Grant, client sas.Client, clock timectrl.Clock, cfg Config, opts ...Option) *Device {
	if clock == nil {
		clock = timectrl.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		id:       record.ID,
		clock:    clock,
		client:   client,
		reporter: nopReporter{},
		log:      logging.Noop(),
		cfg:      cfg.WithDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		cbsd:     record.Clone(),
		grants:   make(map[string]*grantEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(
		logging.String("device_id", d.id),
		logging.String("cbsd_serial", record.CBSDSerialNumber),
	)
	if record.State == model.StateDeregistered {
		d.retired = true
	}
	d.post(&restoreEvent{grants: grants})
	go d.run()
	return d
}

// ID returns the controller's identifier for the device.
func (d *Device) ID() string { return d.id }

// Done is closed once the loop has exited.
func (d *Device) Done() <-chan struct{} { return d.done }

// Register sends the registration request. It is valid only while the device
// is UNREGISTERED.
func (d *Device) Register(ctx context.Context) (model.CBSD, error) {
	res, err := d.submit(ctx, &command{kind: cmdRegister})
	return res.cbsd, err
}

// RegisterRecord replaces the device's registration details with record and
// sends the registration. Controller-owned fields (id, tenant, SAS state) are
// kept. Like Register it is valid only while the device is UNREGISTERED.
func (d *Device) RegisterRecord(ctx context.Context, record model.CBSD) (model.CBSD, error) {
	record = record.Clone()
	res, err := d.submit(ctx, &command{kind: cmdRegister, record: &record})
	return res.cbsd, err
}

// SpectrumInquiry asks the SAS which of ranges are available.
func (d *Device) SpectrumInquiry(ctx context.Context, ranges []model.FrequencyRange) ([]model.AvailableChannel, error) {
	res, err := d.submit(ctx, &command{kind: cmdInquiry, ranges: ranges})
	return res.channels, err
}

// RequestGrant asks the SAS for a new grant and starts its scheduler.
func (d *Device) RequestGrant(ctx context.Context, op model.OperationParam) (model.Grant, error) {
	res, err := d.submit(ctx, &command{kind: cmdGrant, op: op})
	return res.grant, err
}

// Relinquish gives up grantID.
func (d *Device) Relinquish(ctx context.Context, grantID string) error {
	_, err := d.submit(ctx, &command{kind: cmdRelinquish, grantID: grantID})
	return err
}

// Deregister removes the device from the SAS and retires the actor's grants.
func (d *Device) Deregister(ctx context.Context) error {
	_, err := d.submit(ctx, &command{kind: cmdDeregister})
	return err
}

// SubmitMeasurement stores report for the next heartbeat.
func (d *Device) SubmitMeasurement(ctx context.Context, report model.MeasReport) error {
	_, err := d.submit(ctx, &command{kind: cmdMeasurement, meas: &report})
	return err
}

// Snapshot returns the device's current view. It is answered even while a
// command is in flight.
func (d *Device) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !d.post(&snapshotEvent{reply: reply}) {
		return Snapshot{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-d.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Settle blocks until every event posted before the call has been handled
// and no SAS call is outstanding.
func (d *Device) Settle(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if !d.post(&settleEvent{reply: reply}) {
		return ErrStopped
	}
	select {
	case _, ok := <-reply:
		if !ok {
			return ErrStopped
		}
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every timer, aborts outstanding SAS calls and ends the loop.
// Persisted state is left untouched so the device can be restored.
func (d *Device) Stop() {
	if d.post(&stopEvent{}) {
		<-d.done
	}
}

func (d *Device) submit(ctx context.Context, c *command) (cmdResult, error) {
	c.reply = make(chan cmdResult, 1)
	c.requestID = logging.RequestIDFromContext(ctx)
	c.parent = ctx
	if !d.post(c) {
		return cmdResult{}, ErrStopped
	}
	select {
	case res := <-c.reply:
		return res, res.err
	case <-ctx.Done():
		// The command still runs to completion on the loop.
		return cmdResult{}, ctx.Err()
	}
}

// post appends ev to the mailbox. It never blocks and returns false once the
// loop has stopped.
func (d *Device) post(ev event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

func (d *Device) next() event {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return ev
		}
		d.mu.Unlock()
		<-d.signal
	}
}

func (d *Device) run() {
	defer close(d.done)
	for {
		if !d.handle(d.next()) {
			d.shutdown()
			return
		}
	}
}

func (d *Device) shutdown() {
	d.cancel()
	for _, g := range d.grants {
		g.sched.Stop()
	}

	d.mu.Lock()
	d.closed = true
	rest := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, ev := range rest {
		if c, ok := ev.(*command); ok {
			c.reply <- cmdResult{err: ErrStopped}
		}
	}
	for _, c := range d.pending {
		c.reply <- cmdResult{err: ErrStopped}
	}
	d.pending = nil
	for _, b := range d.barriers {
		close(b)
	}
	d.barriers = nil
}

func (d *Device) snapshot() Snapshot {
	now := d.clock.Now()
	s := Snapshot{
		Device:             d.cbsd.Clone(),
		Busy:               d.busy,
		PendingMeasurement: d.meas != nil,
	}
	s.Grants = make([]GrantStatus, 0, len(d.grants))
	for _, g := range d.grants {
		s.Grants = append(s.Grants, GrantStatus{
			Grant:         g.grant,
			NextHeartbeat: g.sched.NextHeartbeat(),
			CanTransmit:   g.grant.CanTransmit(now),
		})
	}
	sort.Slice(s.Grants, func(i, j int) bool {
		a, b := s.Grants[i], s.Grants[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.GrantID < b.GrantID
	})
	return s
}
