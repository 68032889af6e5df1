package cbsd_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas/sastest"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var band = model.FrequencyRange{LowFrequency: 3_550_000_000, HighFrequency: 3_560_000_000}

type transitions struct {
	mu  sync.Mutex
	all []cbsd.Transition
}

func (r *transitions) Report(_ context.Context, t cbsd.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, t)
}

func (r *transitions) kinds() []cbsd.TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cbsd.TransitionKind, 0, len(r.all))
	for _, t := range r.all {
		out = append(out, t.Kind)
	}
	return out
}

func (r *transitions) last(kind cbsd.TransitionKind) (cbsd.Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.all) - 1; i >= 0; i-- {
		if r.all[i].Kind == kind {
			return r.all[i], true
		}
	}
	return cbsd.Transition{}, false
}

type harness struct {
	t      *testing.T
	clock  *timectrl.FakeClock
	sas    *sastest.FakeClient
	rec    *transitions
	device *cbsd.Device
}

func testConfig() cbsd.Config {
	p := schedule.DefaultPolicy()
	p.Backoff.Jitter = 0
	return cbsd.Config{Policy: p, SuspendAfterFailures: 1000, CallTimeout: time.Second}
}

func categoryA() model.CBSD {
	return model.CBSD{
		ID:               "dev-1",
		CBSDSerialNumber: "SN-1",
		FCCID:            "FCC-1",
		UserID:           "user-1",
		SASProviderID:    model.ProviderGoogle,
		Category:         model.CategoryA,
		State:            model.StateUnregistered,
		TenantID:         "tenant-1",
	}
}

func newHarness(t *testing.T, record model.CBSD, grants []model.Grant, cfg cbsd.Config) *harness {
	t.Helper()
	clock := timectrl.NewFakeClock(t0)
	h := &harness{t: t, clock: clock, sas: sastest.NewFakeClient(clock), rec: &transitions{}}
	h.device = cbsd.New(record, grants, h.sas, clock, cfg, cbsd.WithReporter(h.rec))
	t.Cleanup(h.device.Stop)
	h.settle()
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) settle() {
	h.t.Helper()
	require.NoError(h.t, h.device.Settle(h.ctx()))
}

// step advances the clock to the next armed timer and waits for the device
// to finish reacting to it.
func (h *harness) step() time.Time {
	h.t.Helper()
	next, ok := h.clock.NextDeadline()
	require.True(h.t, ok, "no timer armed")
	h.clock.AdvanceTo(next)
	h.settle()
	return next
}

// runUntil steps timers up to and including limit.
func (h *harness) runUntil(limit time.Time) {
	h.t.Helper()
	for {
		next, ok := h.clock.NextDeadline()
		if !ok || next.After(limit) {
			h.clock.AdvanceTo(limit)
			h.settle()
			return
		}
		h.step()
	}
}

func (h *harness) snapshot() cbsd.Snapshot {
	h.t.Helper()
	s, err := h.device.Snapshot(h.ctx())
	require.NoError(h.t, err)
	return s
}

func (h *harness) register() {
	h.t.Helper()
	rec, err := h.device.Register(h.ctx())
	require.NoError(h.t, err)
	require.Equal(h.t, model.StateRegistered, rec.State)
}

func (h *harness) grant() model.Grant {
	h.t.Helper()
	g, err := h.device.RequestGrant(h.ctx(), model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band})
	require.NoError(h.t, err)
	return g
}

func TestRequestGrantWhileUnregisteredIsRejectedLocally(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())

	_, err := h.device.RequestGrant(h.ctx(), model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbsd.ErrInvalidTransition))
	var ite *cbsd.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, model.StateUnregistered, ite.State)
	assert.Zero(t, h.sas.Calls(sas.OpGrant))
	assert.Empty(t, h.rec.kinds())
}

func TestRegisterTwiceIsInvalid(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()

	_, err := h.device.Register(h.ctx())
	assert.ErrorIs(t, err, cbsd.ErrInvalidTransition)
	assert.Equal(t, 1, h.sas.Calls(sas.OpRegister))
}

func TestLifecycleRoundTrip(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()

	g := h.grant()
	assert.Equal(t, model.GrantGranted, g.State)
	assert.Equal(t, model.StateGranted, h.snapshot().Device.State)

	at := h.step()
	assert.Equal(t, t0.Add(30*time.Second), at, "first heartbeat at half the interval")

	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantAuthorized, s.Grants[0].State)
	assert.True(t, s.Grants[0].CanTransmit)
	assert.Equal(t, model.StateAuthorized, s.Device.State)
	assert.Equal(t, at.Add(sastest.DefaultTransmitWindow), s.Grants[0].TransmitExpireTime)

	require.NoError(t, h.device.Relinquish(h.ctx(), g.GrantID))
	s = h.snapshot()
	assert.Equal(t, model.StateRegistered, s.Device.State)
	assert.Empty(t, s.Grants)
	assert.Equal(t, 0, h.clock.Pending(), "no timers survive relinquishment")

	assert.Equal(t, []cbsd.TransitionKind{
		cbsd.TransitionRegistered,
		cbsd.TransitionGrantCreated,
		cbsd.TransitionGrantAuthorized,
		cbsd.TransitionGrantTerminated,
	}, h.rec.kinds())
}

func TestFirstHeartbeatReportsGranted(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	h.step()
	h.step()

	reqs := h.sas.HeartbeatRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, sas.OperationGranted, reqs[0].OperationState)
	assert.Equal(t, sas.OperationAuthorized, reqs[1].OperationState)
}

func TestTransmitExpiryIsMonotonicAcrossHeartbeats(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	var prev time.Time
	for i := 0; i < 6; i++ {
		h.step()
		s := h.snapshot()
		require.Len(t, s.Grants, 1)
		tx := s.Grants[0].TransmitExpireTime
		assert.False(t, tx.Before(prev), "transmitExpireTime moved backwards: %v < %v", tx, prev)
		prev = tx
	}
	assert.Equal(t, 6, h.sas.Calls(sas.OpHeartbeat))
}

func TestTransmitExpirySuspendsAtDeadlineWhenSASUnreachable(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()
	h.step()

	tx := h.snapshot().Grants[0].TransmitExpireTime
	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Unreachable(sas.OpHeartbeat, errors.New("connection refused"))
	})

	for {
		next, ok := h.clock.NextDeadline()
		require.True(t, ok)
		if !next.Before(tx) {
			break
		}
		h.step()
		s := h.snapshot()
		assert.Equal(t, model.GrantAuthorized, s.Grants[0].State, "suspended early at %v", h.clock.Now())
	}

	h.step()
	assert.Equal(t, tx, h.clock.Now())
	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantSuspended, s.Grants[0].State)
	assert.Equal(t, cbsd.ReasonTransmitExpired, s.Grants[0].SuspendReason)
	assert.Equal(t, tx, s.Grants[0].SuspendedAt)
	assert.False(t, s.Grants[0].CanTransmit)
	assert.Equal(t, model.StateSuspended, s.Device.State)

	tr, ok := h.rec.last(cbsd.TransitionGrantSuspended)
	require.True(t, ok)
	assert.True(t, tr.Compliance)
	assert.Equal(t, tx, tr.At)
}

func TestConsecutiveFailuresSuspendThenRecover(t *testing.T) {
	cfg := testConfig()
	cfg.SuspendAfterFailures = 3
	h := newHarness(t, categoryA(), nil, cfg)
	h.register()
	h.grant()
	h.step()

	var mu sync.Mutex
	failing := true
	h.sas.OnHeartbeat(func(_ context.Context, req sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return sas.HeartbeatResponse{}, sas.Timeout(sas.OpHeartbeat, context.DeadlineExceeded)
		}
		return sas.HeartbeatResponse{TransmitExpireTime: h.clock.Now().Add(240 * time.Second)}, nil
	})

	for i := 0; i < 3; i++ {
		h.step()
	}
	s := h.snapshot()
	assert.Equal(t, model.GrantSuspended, s.Grants[0].State)
	assert.Equal(t, cbsd.ReasonHeartbeatFailures, s.Grants[0].SuspendReason)
	assert.Equal(t, 3, s.Grants[0].ConsecutiveFailures)

	mu.Lock()
	failing = false
	mu.Unlock()
	h.step()

	s = h.snapshot()
	assert.Equal(t, model.GrantAuthorized, s.Grants[0].State)
	assert.Zero(t, s.Grants[0].ConsecutiveFailures)
	assert.Empty(t, s.Grants[0].SuspendReason)
	_, ok := h.rec.last(cbsd.TransitionGrantResumed)
	assert.True(t, ok)
}

func TestRetryBackoffIsCappedAtTransmitExpiry(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()
	h.step()
	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Unreachable(sas.OpHeartbeat, errors.New("no route"))
	})

	start := h.step() // regular heartbeat, fails
	var gaps []time.Duration
	prev := start
	for i := 0; i < 4; i++ {
		at := h.step()
		gaps = append(gaps, at.Sub(prev))
		prev = at
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, gaps)
}

func TestSuspendedGrantKeepsHeartbeating(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()
	h.step()

	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Fault(sas.OpHeartbeat, sas.CodeSuspendedGrant, "incumbent activity")
	})
	h.step()

	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantSuspended, s.Grants[0].State)
	assert.Equal(t, cbsd.ReasonSASSuspended, s.Grants[0].SuspendReason)
	assert.False(t, s.Grants[0].NextHeartbeat.IsZero(), "heartbeat must stay armed")
	tr, _ := h.rec.last(cbsd.TransitionGrantSuspended)
	assert.False(t, tr.Compliance)

	before := h.sas.Calls(sas.OpHeartbeat)
	h.step()
	assert.Equal(t, before+1, h.sas.Calls(sas.OpHeartbeat))
	reqs := h.sas.HeartbeatRequests()
	assert.Equal(t, sas.OperationGranted, reqs[len(reqs)-1].OperationState)
}

func TestDeregisterCodeDropsRegistration(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Fault(sas.OpHeartbeat, sas.CodeDeregister, "deregister")
	})
	h.step()

	s := h.snapshot()
	assert.Equal(t, model.StateUnregistered, s.Device.State)
	assert.Empty(t, s.Device.CBSDID)
	assert.Empty(t, s.Grants)
	assert.Equal(t, 0, h.clock.Pending())

	// The device may register again.
	h.register()
}

func TestTerminatedGrantCodeRemovesGrant(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()
	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Fault(sas.OpHeartbeat, sas.CodeTerminatedGrant, "terminated")
	})
	h.step()

	s := h.snapshot()
	assert.Empty(t, s.Grants)
	assert.Equal(t, model.StateRegistered, s.Device.State)
	tr, ok := h.rec.last(cbsd.TransitionGrantTerminated)
	require.True(t, ok)
	assert.Equal(t, "sas_terminated_grant", tr.Reason)
}

func TestDeregisterStopsHeartbeats(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()
	h.step()

	require.NoError(t, h.device.Deregister(h.ctx()))
	calls := h.sas.Calls(sas.OpHeartbeat)

	h.clock.Advance(10 * time.Minute)
	h.settle()
	assert.Equal(t, calls, h.sas.Calls(sas.OpHeartbeat))

	s := h.snapshot()
	assert.Equal(t, model.StateDeregistered, s.Device.State)
	assert.Empty(t, s.Grants)

	_, err := h.device.RequestGrant(h.ctx(), model.OperationParam{MaxEIRP: 10, OperationFrequencyRange: band})
	assert.ErrorIs(t, err, cbsd.ErrInvalidTransition)
	_, err = h.device.Register(h.ctx())
	assert.ErrorIs(t, err, cbsd.ErrInvalidTransition)
}

func TestGrantExpiryTerminates(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.sas.OnGrant(func(context.Context, sas.GrantRequest) (sas.GrantResponse, error) {
		return sas.GrantResponse{GrantID: "short", HeartbeatInterval: 60, GrantExpireTime: t0.Add(100 * time.Second)}, nil
	})
	h.grant()

	h.runUntil(t0.Add(100 * time.Second))
	s := h.snapshot()
	assert.Empty(t, s.Grants)
	tr, ok := h.rec.last(cbsd.TransitionGrantTerminated)
	require.True(t, ok)
	assert.Equal(t, cbsd.ReasonGrantExpired, tr.Reason)
}

func TestOverlappingGrantRejected(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	_, err := h.device.RequestGrant(h.ctx(), model.OperationParam{
		MaxEIRP:                 20,
		OperationFrequencyRange: model.FrequencyRange{LowFrequency: 3_555_000_000, HighFrequency: 3_565_000_000},
	})
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
	assert.Equal(t, 1, h.sas.Calls(sas.OpGrant))

	_, err = h.device.RequestGrant(h.ctx(), model.OperationParam{
		MaxEIRP:                 20,
		OperationFrequencyRange: model.FrequencyRange{LowFrequency: 3_560_000_000, HighFrequency: 3_570_000_000},
	})
	assert.NoError(t, err, "adjacent range does not overlap")
}

func TestInvalidOperationParamRejected(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()

	_, err := h.device.RequestGrant(h.ctx(), model.OperationParam{MaxEIRP: 40, OperationFrequencyRange: band})
	assert.ErrorIs(t, err, model.ErrInvalidParameter, "category A ceiling is 30 dBm/MHz")
	assert.Zero(t, h.sas.Calls(sas.OpGrant))
}

func TestCategoryBRequiresInstallationParams(t *testing.T) {
	rec := categoryA()
	rec.Category = model.CategoryB
	h := newHarness(t, rec, nil, testConfig())

	_, err := h.device.Register(h.ctx())
	var ipe *model.InvalidParameterError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, "installationParam", ipe.Field)
	assert.Zero(t, h.sas.Calls(sas.OpRegister))
}

func TestMeasurementAttachedToNextHeartbeatOnly(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	report := model.MeasReport{RcvdPowerMeasReports: []model.RcvdPowerMeasReport{{
		MeasFrequency: 3_550_000_000, MeasBandwidth: 10_000_000, MeasRcvdPower: -80,
	}}}
	require.NoError(t, h.device.SubmitMeasurement(h.ctx(), report))
	assert.True(t, h.snapshot().PendingMeasurement)

	h.step()
	h.step()
	reqs := h.sas.HeartbeatRequests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[0].MeasReport)
	assert.Equal(t, report, *reqs[0].MeasReport)
	assert.Nil(t, reqs[1].MeasReport)
	assert.False(t, h.snapshot().PendingMeasurement)
}

func TestSpectrumInquiry(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())

	_, err := h.device.SpectrumInquiry(h.ctx(), []model.FrequencyRange{band})
	assert.ErrorIs(t, err, cbsd.ErrInvalidTransition)

	h.register()
	_, err = h.device.SpectrumInquiry(h.ctx(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	chans, err := h.device.SpectrumInquiry(h.ctx(), []model.FrequencyRange{band})
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, band, chans[0].FrequencyRange)
}

func TestRelinquishUnknownGrant(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()

	err := h.device.Relinquish(h.ctx(), "nope")
	assert.ErrorIs(t, err, cbsd.ErrGrantNotFound)
	assert.Zero(t, h.sas.Calls(sas.OpRelinquish))
}

func TestFailedRelinquishKeepsHeartbeating(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	g := h.grant()
	h.step()

	h.sas.OnRelinquish(func(context.Context, sas.RelinquishRequest) error {
		return sas.Unreachable(sas.OpRelinquish, errors.New("down"))
	})
	err := h.device.Relinquish(h.ctx(), g.GrantID)
	assert.ErrorIs(t, err, sas.ErrUnreachable)

	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.False(t, s.Grants[0].NextHeartbeat.IsZero())
}

func TestCommandsAreSerialized(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	release := make(chan struct{})
	h.sas.OnRegister(func(ctx context.Context, req sas.RegisterRequest) (sas.RegisterResponse, error) {
		<-release
		return sas.RegisterResponse{CBSDID: "cbsd-1"}, nil
	})

	regDone := make(chan error, 1)
	go func() {
		_, err := h.device.Register(context.Background())
		regDone <- err
	}()
	require.Eventually(t, func() bool { return h.snapshot().Busy }, time.Second, time.Millisecond)

	grantDone := make(chan error, 1)
	go func() {
		_, err := h.device.RequestGrant(context.Background(), model.OperationParam{MaxEIRP: 20, OperationFrequencyRange: band})
		grantDone <- err
	}()

	// Snapshots are still answered while the registration is outstanding.
	assert.Equal(t, model.StateUnregistered, h.snapshot().Device.State)

	close(release)
	require.NoError(t, <-regDone)
	require.NoError(t, <-grantDone, "queued grant runs after registration completes")
}

func TestRehydrateExpiredGrantTerminates(t *testing.T) {
	rec := categoryA()
	rec.CBSDID = "cbsd-1"
	rec.State = model.StateAuthorized
	stale := model.Grant{
		GrantID:            "g-old",
		CBSDID:             "cbsd-1",
		State:              model.GrantAuthorized,
		HeartbeatInterval:  60,
		GrantExpireTime:    t0.Add(-time.Minute),
		TransmitExpireTime: t0.Add(-2 * time.Minute),
	}
	h := newHarness(t, rec, []model.Grant{stale}, testConfig())

	s := h.snapshot()
	assert.Empty(t, s.Grants)
	assert.Equal(t, model.StateRegistered, s.Device.State)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestRehydratePastTransmitExpirySuspendsWithoutExtending(t *testing.T) {
	rec := categoryA()
	rec.CBSDID = "cbsd-1"
	rec.State = model.StateAuthorized
	tx := t0.Add(-30 * time.Second)
	g := model.Grant{
		GrantID:            "g-1",
		CBSDID:             "cbsd-1",
		State:              model.GrantAuthorized,
		HeartbeatInterval:  60,
		GrantExpireTime:    t0.Add(time.Hour),
		TransmitExpireTime: tx,
	}
	h := newHarness(t, rec, []model.Grant{g}, testConfig())
	h.sas.OnHeartbeat(func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
		return sas.HeartbeatResponse{}, sas.Unreachable(sas.OpHeartbeat, errors.New("down"))
	})

	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantSuspended, s.Grants[0].State)
	assert.Equal(t, tx, s.Grants[0].TransmitExpireTime)
	assert.False(t, s.Grants[0].CanTransmit)
	tr, ok := h.rec.last(cbsd.TransitionGrantSuspended)
	require.True(t, ok)
	assert.True(t, tr.Compliance)

	// An immediate heartbeat is armed to re-authorize.
	assert.Equal(t, t0, s.Grants[0].NextHeartbeat)
}

func TestRehydrateResumesHeartbeats(t *testing.T) {
	rec := categoryA()
	rec.CBSDID = "cbsd-1"
	g := model.Grant{
		GrantID:            "g-1",
		CBSDID:             "cbsd-1",
		State:              model.GrantAuthorized,
		HeartbeatInterval:  60,
		GrantExpireTime:    t0.Add(time.Hour),
		TransmitExpireTime: t0.Add(2 * time.Minute),
	}
	h := newHarness(t, rec, []model.Grant{g}, testConfig())

	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantAuthorized, s.Grants[0].State)
	assert.Equal(t, model.StateAuthorized, s.Device.State)

	h.step()
	assert.Equal(t, 1, h.sas.Calls(sas.OpHeartbeat))
	assert.True(t, h.snapshot().Grants[0].TransmitExpireTime.After(t0.Add(2*time.Minute)))
}

func TestStopRejectsFurtherCommands(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())
	h.register()
	h.grant()

	h.device.Stop()
	<-h.device.Done()
	assert.Equal(t, 0, h.clock.Pending())

	_, err := h.device.Register(context.Background())
	assert.ErrorIs(t, err, cbsd.ErrStopped)
	_, err = h.device.Snapshot(context.Background())
	assert.ErrorIs(t, err, cbsd.ErrStopped)
}

func TestRegisterRecordReplacesDetailsButKeepsIdentity(t *testing.T) {
	h := newHarness(t, categoryA(), nil, testConfig())

	bad := categoryA()
	bad.FCCID = ""
	_, err := h.device.RegisterRecord(h.ctx(), bad)
	var ipe *model.InvalidParameterError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, "FCC-1", h.snapshot().Device.FCCID)
	assert.Zero(t, h.sas.Calls(sas.OpRegister))

	next := categoryA()
	next.ID = "other-id"
	next.TenantID = "other-tenant"
	next.CallSign = "KA1234"
	rec, err := h.device.RegisterRecord(h.ctx(), next)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec.ID)
	assert.Equal(t, "tenant-1", rec.TenantID)
	assert.Equal(t, "KA1234", rec.CallSign)
	assert.Equal(t, model.StateRegistered, rec.State)

	_, err = h.device.RegisterRecord(h.ctx(), next)
	assert.ErrorIs(t, err, cbsd.ErrInvalidTransition)
	assert.Equal(t, 1, h.sas.Calls(sas.OpRegister))
}

func TestHeartbeatHTTPErrorsRetryWithoutTerminating(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	srv := sastest.NewServer()
	defer srv.Close()
	srv.SetClock(clock.Now)
	client, err := sas.NewHTTPClient(sas.ProviderConfig{Provider: model.ProviderOther, Endpoint: srv.URL + "/v1"})
	require.NoError(t, err)

	h := &harness{t: t, clock: clock, rec: &transitions{}}
	h.device = cbsd.New(categoryA(), nil, client, clock, testConfig(), cbsd.WithReporter(h.rec))
	t.Cleanup(h.device.Stop)
	h.register()
	h.grant()
	h.step()
	require.Equal(t, model.GrantAuthorized, h.snapshot().Grants[0].State)

	srv.SetStatus(sas.OpHeartbeat, http.StatusInternalServerError)
	h.step()
	s := h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantAuthorized, s.Grants[0].State)
	assert.Equal(t, 1, s.Grants[0].ConsecutiveFailures)

	srv.Clear(sas.OpHeartbeat)
	srv.SetRawBody(sas.OpHeartbeat, "<html>maintenance</html>")
	h.step()
	s = h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, 2, s.Grants[0].ConsecutiveFailures)

	srv.Clear(sas.OpHeartbeat)
	h.step()
	s = h.snapshot()
	require.Len(t, s.Grants, 1)
	assert.Equal(t, model.GrantAuthorized, s.Grants[0].State)
	assert.Zero(t, s.Grants[0].ConsecutiveFailures)
	assert.True(t, s.Grants[0].CanTransmit)

	_, terminated := h.rec.last(cbsd.TransitionGrantTerminated)
	assert.False(t, terminated)
	assert.Zero(t, len(srv.Requests(sas.OpRelinquish)))
}
