package fleet

import (
	"context"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/events"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// report is every device's Reporter. It runs on the reporting device's loop,
// so it must not call into any device.
func (f *Fleet) report(ctx context.Context, t cbsd.Transition) {
	f.persist(ctx, t)
	f.reindex(t)
	f.updateStats(t)
	f.metrics.IncTransition(string(t.Kind))
	if t.Compliance {
		f.metrics.IncComplianceSuspension(t.Reason)
	}

	ev := events.New(string(t.Kind), t.DeviceID, t.At)
	ev.TenantID = t.Device.TenantID
	ev.Reason = t.Reason
	ev.Compliance = t.Compliance
	ev.CBSD = t.Device
	ev.Grant = t.Grant
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.log.Warn(ctx, "publishing transition failed",
			logging.String("device_id", t.DeviceID),
			logging.String("kind", string(t.Kind)),
			logging.Err(err),
		)
	}
}

// persist writes the device record and the affected grant. A failed write
// is logged; the next transition writes the record again.
func (f *Fleet) persist(ctx context.Context, t cbsd.Transition) {
	wctx, cancel := f.storeContext(ctx)
	defer cancel()

	if err := f.store.UpsertCBSD(wctx, t.Device); err != nil {
		f.log.Warn(ctx, "persisting device failed", logging.String("device_id", t.DeviceID), logging.Err(err))
	}
	if t.Grant == nil {
		return
	}
	var err error
	if t.Grant.State == model.GrantTerminated {
		err = f.store.DeleteGrant(wctx, t.DeviceID, t.Grant.GrantID)
	} else {
		err = f.store.UpsertGrant(wctx, *t.Grant)
	}
	if err != nil {
		f.log.Warn(ctx, "persisting grant failed",
			logging.String("device_id", t.DeviceID),
			logging.String("grant_id", t.Grant.GrantID),
			logging.Err(err),
		)
	}
}

// reindex tracks the SAS cbsdId and retires the entry on deregistration.
func (f *Fleet) reindex(t cbsd.Transition) {
	switch t.Kind {
	case cbsd.TransitionRegistered, cbsd.TransitionUnregistered, cbsd.TransitionDeregistered:
	default:
		return
	}
	f.mu.Lock()
	e := f.devices[t.DeviceID]
	if e == nil {
		f.mu.Unlock()
		return
	}
	if e.cbsdID != "" {
		delete(f.bySASID, e.cbsdID)
	}
	e.cbsdID = t.Device.CBSDID
	if e.cbsdID != "" {
		f.bySASID[e.cbsdID] = t.DeviceID
	}
	var stop *cbsd.Device
	if t.Kind == cbsd.TransitionDeregistered {
		e.retired = true
		e.final = t.Device.Clone()
		stop = e.device
	}
	f.mu.Unlock()

	if stop != nil {
		// Stop waits for the loop this call is running on.
		go stop.Stop()
	}
}

func (f *Fleet) seedStats(record model.CBSD, grants []model.Grant) {
	st := &deviceStats{tenant: record.TenantID, state: record.State, grants: make(map[string]model.GrantState)}
	for _, g := range grants {
		if g.State != model.GrantTerminated {
			st.grants[g.GrantID] = g.State
		}
	}
	f.statsMu.Lock()
	f.stats[record.ID] = st
	f.publishGaugesLocked()
	f.statsMu.Unlock()
}

func (f *Fleet) updateStats(t cbsd.Transition) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	st := f.stats[t.DeviceID]
	if st == nil {
		st = &deviceStats{grants: make(map[string]model.GrantState)}
		f.stats[t.DeviceID] = st
	}
	st.tenant = t.Device.TenantID
	st.state = t.Device.State
	if g := t.Grant; g != nil {
		if g.State == model.GrantTerminated {
			delete(st.grants, g.GrantID)
		} else {
			st.grants[g.GrantID] = g.State
		}
	}
	f.publishGaugesLocked()
}

func (f *Fleet) publishGaugesLocked() {
	if f.metrics == nil {
		return
	}
	devices := make(map[string]int)
	grants := make(map[string]int)
	for _, st := range f.stats {
		devices[string(st.state)]++
		for _, gs := range st.grants {
			grants[string(gs)]++
		}
	}
	f.metrics.SetDeviceCounts(devices)
	f.metrics.SetGrantCounts(grants)
}
