// Package fleet owns the set of live CBSD actors. It routes commands to the
// addressed device, persists and publishes every transition, and aggregates
// fleet-wide status.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/events"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/store"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

// DefaultStoreTimeout bounds each persistence write made for a transition.
const DefaultStoreTimeout = 2 * time.Second

// Fleet is the coordinator. It is safe for concurrent use.
type Fleet struct {
	resolver  sas.Resolver
	store     store.Store
	publisher events.Publisher
	metrics   *observability.FleetCollector
	auth      Authorizer
	clock     timectrl.Clock
	log       logging.Logger

	deviceCfg    cbsd.Config
	storeTimeout time.Duration
	newID        func() string

	// mu guards the maps below. It is never held while calling into a
	// device actor; actors may take it from their own loop when reporting.
	mu sync.RWMutex
	// devices is keyed by the controller's device id.
	devices map[string]*entry
	// byRadio maps "<fccId>/<serial>" to a device id.
	byRadio map[string]string
	// bySASID maps a SAS-assigned cbsdId to a device id.
	bySASID map[string]string
	closed  bool

	// stats caches each device's last reported state for the gauges and
	// Status. Guarded by statsMu, which is independent of mu.
	statsMu sync.Mutex
	stats   map[string]*deviceStats
}

type entry struct {
	device *cbsd.Device
	// record is the device's identity as created; TenantID and provider
	// never change after creation.
	record model.CBSD
	cbsdID string
	// retired is set once deregistration completes; final is the last
	// device record and the actor has been stopped.
	retired bool
	final   model.CBSD
}

type deviceStats struct {
	tenant string
	state  model.CBSDState
	grants map[string]model.GrantState
}

// Option customises a Fleet.
type Option func(*Fleet)

// WithStore sets the persistence backend. The default is an in-memory store.
func WithStore(s store.Store) Option {
	return func(f *Fleet) {
		if s != nil {
			f.store = s
		}
	}
}

// WithPublisher sets where transition events go.
func WithPublisher(p events.Publisher) Option {
	return func(f *Fleet) {
		if p != nil {
			f.publisher = p
		}
	}
}

// WithCollector attaches Prometheus collectors.
func WithCollector(c *observability.FleetCollector) Option {
	return func(f *Fleet) { f.metrics = c }
}

// WithAuthorizer replaces the default tenant ownership check.
func WithAuthorizer(a Authorizer) Option {
	return func(f *Fleet) {
		if a != nil {
			f.auth = a
		}
	}
}

// WithClock sets the clock handed to every device.
func WithClock(c timectrl.Clock) Option {
	return func(f *Fleet) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithLogger sets the fleet logger; devices derive theirs from it.
func WithLogger(l logging.Logger) Option {
	return func(f *Fleet) { f.log = logging.OrNoop(l) }
}

// WithDeviceConfig sets the per-device tuning.
func WithDeviceConfig(cfg cbsd.Config) Option {
	return func(f *Fleet) { f.deviceCfg = cfg }
}

// WithStoreTimeout bounds each persistence write.
func WithStoreTimeout(d time.Duration) Option {
	return func(f *Fleet) {
		if d > 0 {
			f.storeTimeout = d
		}
	}
}

// WithIDGenerator replaces uuid-based device ids.
func WithIDGenerator(fn func() string) Option {
	return func(f *Fleet) {
		if fn != nil {
			f.newID = fn
		}
	}
}

// New returns an empty fleet resolving SAS clients through resolver.
func New(resolver sas.Resolver, opts ...Option) *Fleet {
	f := &Fleet{
		resolver:     resolver,
		store:        store.NewMemory(),
		publisher:    events.Noop(),
		auth:         TenantAuthorizer{},
		clock:        timectrl.Real(),
		log:          logging.Noop(),
		storeTimeout: DefaultStoreTimeout,
		newID:        uuid.NewString,
		devices:      make(map[string]*entry),
		byRadio:      make(map[string]string),
		bySASID:      make(map[string]string),
		stats:        make(map[string]*deviceStats),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.deviceCfg = f.deviceCfg.WithDefaults()
	return f
}

func radioKey(c model.CBSD) string { return c.FCCID + "/" + c.CBSDSerialNumber }

// Register creates the device on first use and sends its registration. A
// radio that is already known is registered again only if it is currently
// UNREGISTERED or was deregistered; the new details replace the old ones.
func (f *Fleet) Register(ctx context.Context, caller Caller, c model.CBSD) (model.CBSD, error) {
	if !caller.System() {
		c.TenantID = caller.TenantID
	}
	if err := c.ValidateRegistration(); err != nil {
		return model.CBSD{}, err
	}
	if _, err := f.resolver.For(c.SASProviderID); err != nil {
		return model.CBSD{}, &model.InvalidParameterError{
			Field:  "sasProviderId",
			Value:  c.SASProviderID,
			Reason: err.Error(),
		}
	}

	e, created, err := f.admit(ctx, caller, c)
	if err != nil {
		return model.CBSD{}, err
	}
	if created {
		wctx, cancel := f.storeContext(ctx)
		err := f.store.UpsertCBSD(wctx, e.record)
		cancel()
		if err != nil {
			f.log.Warn(ctx, "persisting new device failed", logging.String("device_id", e.record.ID), logging.Err(err))
		}
		f.log.Info(ctx, "device created",
			logging.String("device_id", e.record.ID),
			logging.String("cbsd_serial", e.record.CBSDSerialNumber),
			logging.String("tenant_id", e.record.TenantID),
		)
	}
	if created {
		return e.device.Register(ctx)
	}

	rec, err := e.device.RegisterRecord(ctx, c)
	if err != nil && !errors.Is(err, cbsd.ErrInvalidTransition) {
		// The SAS refused the new details; keep them so a restart retries
		// with what the caller sent last.
		f.persistRecord(ctx, e.device)
	}
	return rec, err
}

func (f *Fleet) persistRecord(ctx context.Context, d *cbsd.Device) {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		return
	}
	wctx, cancel := f.storeContext(ctx)
	defer cancel()
	if err := f.store.UpsertCBSD(wctx, snap.Device); err != nil {
		f.log.Warn(ctx, "persisting device failed", logging.String("device_id", snap.Device.ID), logging.Err(err))
	}
}

// admit finds the entry for the radio in c or creates one. A retired entry
// is replaced by a fresh actor under the same device id.
func (f *Fleet) admit(ctx context.Context, caller Caller, c model.CBSD) (*entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}

	id, known := f.byRadio[radioKey(c)]
	if known {
		e := f.devices[id]
		if err := f.auth.Authorize(ctx, caller, e.record); err != nil {
			return nil, false, err
		}
		if !e.retired {
			return e, false, nil
		}
		c.ID = id
		c.CreatedAt = e.record.CreatedAt
	} else {
		if c.ID == "" {
			c.ID = f.newID()
		} else if _, taken := f.devices[c.ID]; taken {
			return nil, false, fmt.Errorf("%w: %s", ErrConflict, c.ID)
		}
		c.CreatedAt = f.clock.Now()
	}

	c.State = model.StateUnregistered
	c.CBSDID = ""
	c.RegistrationTime = time.Time{}
	c.LastHeartbeatTime = time.Time{}
	c.UpdatedAt = f.clock.Now()
	e, err := f.startLocked(c, nil)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// startLocked creates and indexes the actor for record. Caller holds f.mu.
func (f *Fleet) startLocked(record model.CBSD, grants []model.Grant) (*entry, error) {
	client, err := f.resolver.For(record.SASProviderID)
	if err != nil {
		return nil, err
	}
	e := &entry{record: record.Clone(), cbsdID: record.CBSDID}
	f.seedStats(record, grants)
	e.device = cbsd.New(record, grants, client, f.clock, f.deviceCfg,
		cbsd.WithLogger(f.log),
		cbsd.WithReporter(cbsd.ReporterFunc(f.report)),
	)
	f.devices[record.ID] = e
	f.byRadio[radioKey(record)] = record.ID
	if record.CBSDID != "" {
		f.bySASID[record.CBSDID] = record.ID
	}
	return e, nil
}

// lookup resolves id (device id or SAS cbsdId), loading the device from the
// store when it is not live yet, and authorizes the caller.
func (f *Fleet) lookup(ctx context.Context, caller Caller, id string) (*entry, error) {
	f.mu.RLock()
	e := f.findLocked(id)
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if e == nil {
		var err error
		if e, err = f.load(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := f.auth.Authorize(ctx, caller, e.record); err != nil {
		return nil, err
	}
	return e, nil
}

func (f *Fleet) findLocked(id string) *entry {
	if e, ok := f.devices[id]; ok {
		return e
	}
	if devID, ok := f.bySASID[id]; ok {
		return f.devices[devID]
	}
	return nil
}

// load rehydrates one device from the store.
func (f *Fleet) load(ctx context.Context, id string) (*entry, error) {
	rctx, cancel := f.storeContext(ctx)
	defer cancel()
	record, err := f.store.GetCBSD(rctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", id, err)
	}
	var grants []model.Grant
	if record.State != model.StateDeregistered {
		if grants, err = f.store.ListGrants(rctx, record.ID); err != nil {
			return nil, fmt.Errorf("load grants for %s: %w", id, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if e := f.findLocked(record.ID); e != nil {
		return e, nil
	}
	return f.adoptLocked(record, grants)
}

// adoptLocked installs a persisted record. Deregistered devices get no actor.
func (f *Fleet) adoptLocked(record model.CBSD, grants []model.Grant) (*entry, error) {
	if record.State == model.StateDeregistered {
		e := &entry{record: record.Clone(), retired: true, final: record.Clone()}
		f.devices[record.ID] = e
		f.byRadio[radioKey(record)] = record.ID
		f.seedStats(record, nil)
		return e, nil
	}
	return f.startLocked(record, grants)
}

// live returns the active actor for id or ErrRetired.
func (f *Fleet) live(ctx context.Context, caller Caller, id string) (*cbsd.Device, error) {
	e, err := f.lookup(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	retired := e.retired
	f.mu.RUnlock()
	if retired {
		return nil, fmt.Errorf("%w: %s", ErrRetired, id)
	}
	return e.device, nil
}

// SpectrumInquiry asks the device's SAS which ranges are available.
func (f *Fleet) SpectrumInquiry(ctx context.Context, caller Caller, id string, ranges []model.FrequencyRange) ([]model.AvailableChannel, error) {
	d, err := f.live(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return d.SpectrumInquiry(ctx, ranges)
}

// RequestGrant requests a grant for the device.
func (f *Fleet) RequestGrant(ctx context.Context, caller Caller, id string, op model.OperationParam) (model.Grant, error) {
	d, err := f.live(ctx, caller, id)
	if err != nil {
		return model.Grant{}, err
	}
	return d.RequestGrant(ctx, op)
}

// Relinquish gives up one grant.
func (f *Fleet) Relinquish(ctx context.Context, caller Caller, id, grantID string) error {
	d, err := f.live(ctx, caller, id)
	if err != nil {
		return err
	}
	return d.Relinquish(ctx, grantID)
}

// Deregister removes the device from its SAS and retires the actor.
func (f *Fleet) Deregister(ctx context.Context, caller Caller, id string) error {
	d, err := f.live(ctx, caller, id)
	if err != nil {
		return err
	}
	return d.Deregister(ctx)
}

// SubmitMeasurement stores a measurement report for the next heartbeat.
func (f *Fleet) SubmitMeasurement(ctx context.Context, caller Caller, id string, report model.MeasReport) error {
	d, err := f.live(ctx, caller, id)
	if err != nil {
		return err
	}
	return d.SubmitMeasurement(ctx, report)
}

// GetStatus returns the device snapshot: state, active grants and the next
// heartbeat of each.
func (f *Fleet) GetStatus(ctx context.Context, caller Caller, id string) (cbsd.Snapshot, error) {
	e, err := f.lookup(ctx, caller, id)
	if err != nil {
		return cbsd.Snapshot{}, err
	}
	return f.snapshot(ctx, e)
}

func (f *Fleet) snapshot(ctx context.Context, e *entry) (cbsd.Snapshot, error) {
	f.mu.RLock()
	retired, final := e.retired, e.final
	f.mu.RUnlock()
	if retired {
		return cbsd.Snapshot{Device: final.Clone(), Grants: []cbsd.GrantStatus{}}, nil
	}
	s, err := e.device.Snapshot(ctx)
	if errors.Is(err, cbsd.ErrStopped) {
		// Retired between the check and the call.
		f.mu.RLock()
		retired, final = e.retired, e.final
		f.mu.RUnlock()
		if retired {
			return cbsd.Snapshot{Device: final.Clone(), Grants: []cbsd.GrantStatus{}}, nil
		}
	}
	return s, err
}

// List returns the records of every device visible to caller, sorted by id.
func (f *Fleet) List(ctx context.Context, caller Caller) ([]model.CBSD, error) {
	f.mu.RLock()
	entries := make([]*entry, 0, len(f.devices))
	for _, e := range f.devices {
		entries = append(entries, e)
	}
	f.mu.RUnlock()

	out := make([]model.CBSD, 0, len(entries))
	for _, e := range entries {
		if f.auth.Authorize(ctx, caller, e.record) != nil {
			continue
		}
		s, err := f.snapshot(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, s.Device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restore rehydrates every persisted device. It is called once at startup,
// before commands are accepted.
func (f *Fleet) Restore(ctx context.Context) (int, error) {
	records, err := f.store.ListCBSDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: list devices: %w", err)
	}
	n := 0
	for _, record := range records {
		var grants []model.Grant
		if record.State != model.StateDeregistered {
			grants, err = f.store.ListGrants(ctx, record.ID)
			if err != nil {
				return n, fmt.Errorf("restore: list grants for %s: %w", record.ID, err)
			}
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return n, ErrClosed
		}
		if f.findLocked(record.ID) == nil {
			if _, err := f.adoptLocked(record, grants); err != nil {
				f.log.Warn(ctx, "device not restored", logging.String("device_id", record.ID), logging.Err(err))
				f.mu.Unlock()
				continue
			}
			n++
		}
		f.mu.Unlock()
	}
	f.log.Info(ctx, "fleet restored", logging.Int("devices", n))
	return n, nil
}

// Settle waits until every live device has drained its mailbox and has no
// SAS call outstanding.
func (f *Fleet) Settle(ctx context.Context) error {
	for _, d := range f.liveDevices() {
		if err := d.Settle(ctx); err != nil && !errors.Is(err, cbsd.ErrStopped) {
			return err
		}
	}
	return nil
}

// Shutdown stops every actor. Persisted state is kept for the next Restore.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range f.liveDevices() {
		wg.Add(1)
		go func(d *cbsd.Device) {
			defer wg.Done()
			d.Stop()
		}(d)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.log.Info(ctx, "fleet stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fleet) liveDevices() []*cbsd.Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*cbsd.Device, 0, len(f.devices))
	for _, e := range f.devices {
		if !e.retired && e.device != nil {
			out = append(out, e.device)
		}
	}
	return out
}

func (f *Fleet) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.storeTimeout)
}
