package cbsd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Suspension reasons.
const (
	ReasonTransmitExpired   = "transmit_expired"
	ReasonHeartbeatFailures = "heartbeat_failures"
	ReasonSASSuspended      = "sas_suspended"
	ReasonGrantExpired      = "grant_expired"
	ReasonRelinquished      = "relinquished"
	ReasonDeregistered      = "deregistered"
	ReasonSASDeregister     = "sas_deregister"
	ReasonOrphaned          = "orphaned"
)

// handle applies one mailbox event. It returns false when the loop must stop.
func (d *Device) handle(ev event) bool {
	switch ev := ev.(type) {
	case *command:
		d.onCommand(ev)
	case *timerEvent:
		d.onTimer(ev.Event)
	case *callResult:
		d.inflight--
		if ev.cmd != nil {
			d.finishCommand(ev)
		} else {
			d.onHeartbeatResult(ev)
		}
	case *snapshotEvent:
		ev.reply <- d.snapshot()
	case *settleEvent:
		d.barriers = append(d.barriers, ev.reply)
	case *restoreEvent:
		d.rehydrate(ev.grants)
	case *stopEvent:
		return false
	}
	if d.inflight == 0 {
		for _, b := range d.barriers {
			b <- struct{}{}
		}
		d.barriers = nil
	}
	return true
}

func (d *Device) timerSink(ev schedule.Event) {
	d.post(&timerEvent{Event: ev})
}

func (d *Device) registered() bool {
	return !d.retired && d.cbsd.CBSDID != ""
}

// ---- commands ----

func (d *Device) onCommand(c *command) {
	if c.kind == cmdMeasurement {
		c.reply <- cmdResult{err: d.acceptMeasurement(c.meas)}
		return
	}
	if d.busy {
		d.pending = append(d.pending, c)
		return
	}
	d.start(c)
}

func (d *Device) start(c *command) {
	if err := d.dispatch(c); err != nil {
		c.reply <- cmdResult{cbsd: d.cbsd.Clone(), err: err}
		return
	}
	d.busy = true
}

func (d *Device) drain() {
	for !d.busy && len(d.pending) > 0 {
		c := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.start(c)
	}
}

// dispatch validates c against the current state and launches its SAS call.
func (d *Device) dispatch(c *command) error {
	switch c.kind {
	case cmdRegister:
		if d.retired || d.cbsd.CBSDID != "" {
			return d.invalid("register")
		}
		if c.record != nil {
			next := d.withRegistration(*c.record)
			if err := next.ValidateRegistration(); err != nil {
				return err
			}
			d.cbsd = next
		}
		if err := d.cbsd.ValidateRegistration(); err != nil {
			return err
		}
		rec := d.cbsd.Clone()
		d.call(c, func(ctx context.Context) *callResult {
			resp, err := d.client.Register(ctx, sas.RegisterRequest{CBSD: rec})
			return &callResult{reg: resp, err: err}
		})

	case cmdInquiry:
		if !d.registered() {
			return d.invalid("inquire spectrum")
		}
		if len(c.ranges) == 0 {
			return &model.InvalidParameterError{Field: "inquiredSpectrum", Reason: "at least one range is required"}
		}
		for _, r := range c.ranges {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		req := sas.SpectrumInquiryRequest{CBSDID: d.cbsd.CBSDID, Ranges: append([]model.FrequencyRange(nil), c.ranges...)}
		d.call(c, func(ctx context.Context) *callResult {
			resp, err := d.client.SpectrumInquiry(ctx, req)
			return &callResult{inquiry: resp, err: err}
		})

	case cmdGrant:
		if !d.registered() {
			return d.invalid("request grant")
		}
		if d.cbsd.Category == model.CategoryB {
			if err := d.cbsd.ValidateCategoryB(); err != nil {
				return err
			}
		}
		if err := c.op.Validate(d.cbsd.Category); err != nil {
			return err
		}
		if !d.cfg.AllowOverlappingGrants {
			for id, e := range d.grants {
				if e.grant.OperationParam.OperationFrequencyRange.Overlaps(c.op.OperationFrequencyRange) {
					return &model.InvalidParameterError{
						Field:  "operationFrequencyRange",
						Value:  c.op.OperationFrequencyRange.String(),
						Reason: "overlaps active grant " + id,
					}
				}
			}
		}
		req := sas.GrantRequest{CBSDID: d.cbsd.CBSDID, OperationParam: c.op}
		d.call(c, func(ctx context.Context) *callResult {
			resp, err := d.client.RequestGrant(ctx, req)
			return &callResult{grant: resp, err: err}
		})

	case cmdRelinquish:
		if !d.registered() {
			return d.invalid("relinquish")
		}
		e, ok := d.grants[c.grantID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrGrantNotFound, c.grantID)
		}
		e.relinquishing = true
		req := sas.RelinquishRequest{CBSDID: d.cbsd.CBSDID, GrantID: c.grantID}
		d.call(c, func(ctx context.Context) *callResult {
			return &callResult{err: d.client.Relinquish(ctx, req)}
		})

	case cmdDeregister:
		if !d.registered() {
			return d.invalid("deregister")
		}
		req := sas.DeregisterRequest{CBSDID: d.cbsd.CBSDID}
		d.call(c, func(ctx context.Context) *callResult {
			return &callResult{err: d.client.Deregister(ctx, req)}
		})

	default:
		return fmt.Errorf("unknown command %d", c.kind)
	}
	return nil
}

func (d *Device) invalid(op string) error {
	return &InvalidTransitionError{Op: op, State: d.cbsd.State}
}

// call runs fn off the loop with a bounded timeout and posts its result back.
func (d *Device) call(c *command, fn func(ctx context.Context) *callResult) {
	ctx := logging.ContextWithTenantID(d.ctx, d.cbsd.TenantID)
	if c != nil {
		if c.requestID != "" {
			ctx = logging.ContextWithRequestID(ctx, c.requestID)
		}
		if c.parent != nil {
			if sc := trace.SpanContextFromContext(c.parent); sc.IsValid() {
				ctx = trace.ContextWithSpanContext(ctx, sc)
			}
		}
	}
	d.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
		res := fn(ctx)
		res.cmd = c
		d.post(res)
	}()
}

func (d *Device) finishCommand(res *callResult) {
	c := res.cmd
	d.busy = false
	now := d.clock.Now()
	out := cmdResult{err: res.err}

	switch c.kind {
	case cmdRegister:
		if res.err == nil {
			d.cbsd.CBSDID = res.reg.CBSDID
			d.cbsd.RegistrationTime = now
			d.refreshState(now)
			d.log.Info(d.ctx, "cbsd registered", logging.String("cbsd_id", d.cbsd.CBSDID))
			d.report(TransitionRegistered, nil, "", false)
		} else {
			d.log.Warn(d.ctx, "registration failed", logging.Err(res.err))
		}

	case cmdInquiry:
		out.channels = res.inquiry.Channels

	case cmdGrant:
		if res.err == nil {
			g, err := d.addGrant(c.op, res.grant, now)
			out.grant, out.err = g, err
		} else {
			d.log.Warn(d.ctx, "grant request failed", logging.Err(res.err))
		}

	case cmdRelinquish:
		e := d.grants[c.grantID]
		if e == nil {
			// Terminated on the loop while the call was outstanding.
			break
		}
		e.relinquishing = false
		if res.err == nil {
			d.terminate(e, ReasonRelinquished)
		} else {
			d.log.Warn(d.ctx, "relinquish failed", logging.String("grant_id", c.grantID), logging.Err(res.err))
			if !e.heartbeating && e.sched.NextHeartbeat().IsZero() {
				e.sched.ArmAt(now)
			}
		}

	case cmdDeregister:
		if res.err == nil {
			d.retire(now)
		} else {
			d.log.Warn(d.ctx, "deregistration failed", logging.Err(res.err))
		}
	}

	out.cbsd = d.cbsd.Clone()
	c.reply <- out
	d.drain()
}

func (d *Device) acceptMeasurement(report *model.MeasReport) error {
	if !d.registered() {
		return d.invalid("submit measurement")
	}
	for _, m := range report.RcvdPowerMeasReports {
		if !model.IsValidFrequency(m.MeasFrequency) {
			return &model.InvalidParameterError{Field: "measFrequency", Value: m.MeasFrequency, Reason: "outside CBRS band"}
		}
		if m.MeasBandwidth <= 0 {
			return &model.InvalidParameterError{Field: "measBandwidth", Value: m.MeasBandwidth, Reason: "must be positive"}
		}
	}
	d.meas = report
	return nil
}

func (d *Device) addGrant(op model.OperationParam, resp sas.GrantResponse, now time.Time) (model.Grant, error) {
	if _, dup := d.grants[resp.GrantID]; dup {
		return model.Grant{}, sas.Fault(sas.OpGrant, sas.CodeTransport, "duplicate grantId "+resp.GrantID)
	}
	g := model.Grant{
		GrantID:           resp.GrantID,
		CBSDID:            d.cbsd.CBSDID,
		DeviceID:          d.id,
		OperationParam:    op,
		ChannelType:       resp.ChannelType,
		State:             model.GrantGranted,
		HeartbeatInterval: resp.HeartbeatInterval,
		GrantExpireTime:   resp.GrantExpireTime,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if g.ChannelType == "" {
		g.ChannelType = model.ChannelGAA
	}
	if g.HeartbeatInterval <= 0 {
		g.HeartbeatInterval = d.cfg.DefaultHeartbeatInterval
	}
	if g.GrantExpireTime.IsZero() {
		g.GrantExpireTime = now.Add(d.cfg.DefaultGrantTTL)
	}

	e := &grantEntry{grant: g, sched: schedule.New(d.clock, g.GrantID, d.cfg.Policy, d.timerSink)}
	d.grants[g.GrantID] = e
	e.sched.SetDeadlines(time.Time{}, g.GrantExpireTime)
	next := e.sched.ArmHeartbeat(g.Interval())

	d.refreshState(now)
	d.log.Info(d.ctx, "grant created",
		logging.String("grant_id", g.GrantID),
		logging.String("range", op.OperationFrequencyRange.String()),
		logging.Time("grant_expire_time", g.GrantExpireTime),
		logging.Time("next_heartbeat", next),
	)
	d.report(TransitionGrantCreated, e, "", false)
	return e.grant, nil
}

// ---- timers and heartbeats ----

func (d *Device) onTimer(ev schedule.Event) {
	e := d.grants[ev.GrantID]
	if e == nil || !e.sched.Accept(ev) {
		return
	}
	now := d.clock.Now()

	switch ev.Kind {
	case schedule.GrantExpired:
		d.terminate(e, ReasonGrantExpired)
	case schedule.TransmitExpired:
		if e.grant.State == model.GrantAuthorized {
			d.suspend(e, ReasonTransmitExpired, true, now)
		}
	case schedule.HeartbeatDue:
		if d.enforceExpiry(e, now) {
			return
		}
		if e.relinquishing || e.heartbeating || !d.registered() {
			return
		}
		d.sendHeartbeat(e)
	}
}

// enforceExpiry applies any expiry already reached at now. It reports true
// when the grant was terminated.
func (d *Device) enforceExpiry(e *grantEntry, now time.Time) bool {
	g := e.grant
	if !g.GrantExpireTime.IsZero() && !now.Before(g.GrantExpireTime) {
		d.terminate(e, ReasonGrantExpired)
		return true
	}
	if g.State == model.GrantAuthorized && !g.TransmitExpireTime.IsZero() && !now.Before(g.TransmitExpireTime) {
		d.suspend(e, ReasonTransmitExpired, true, now)
	}
	return false
}

func (d *Device) sendHeartbeat(e *grantEntry) {
	state := sas.OperationGranted
	if e.grant.State == model.GrantAuthorized {
		state = sas.OperationAuthorized
	}
	req := sas.HeartbeatRequest{
		CBSDID:         d.cbsd.CBSDID,
		GrantID:        e.grant.GrantID,
		OperationState: state,
		MeasReport:     d.meas,
	}
	sent := d.meas
	e.heartbeating = true
	d.call(nil, func(ctx context.Context) *callResult {
		resp, err := d.client.Heartbeat(ctx, req)
		return &callResult{grantID: req.GrantID, hb: resp, sentMeas: sent, err: err}
	})
}

func (d *Device) onHeartbeatResult(res *callResult) {
	e := d.grants[res.grantID]
	if e == nil {
		return
	}
	e.heartbeating = false
	if e.relinquishing {
		return
	}
	now := d.clock.Now()

	switch {
	case res.err == nil:
		d.applyHeartbeat(e, res.hb, now)
		if res.sentMeas != nil && d.meas == res.sentMeas {
			d.meas = nil
		}
	case sas.IsTransient(res.err):
		d.heartbeatFailed(e, res.err, now)
	default:
		d.heartbeatFault(e, res.err, now)
	}
}

func (d *Device) applyHeartbeat(e *grantEntry, resp sas.HeartbeatResponse, now time.Time) {
	g := &e.grant
	prev := g.State

	if !resp.GrantExpireTime.IsZero() {
		g.GrantExpireTime = resp.GrantExpireTime
	}
	tx := resp.TransmitExpireTime
	if !g.GrantExpireTime.IsZero() && tx.After(g.GrantExpireTime) {
		tx = g.GrantExpireTime
	}
	g.TransmitExpireTime = tx
	if resp.HeartbeatInterval > 0 {
		g.HeartbeatInterval = resp.HeartbeatInterval
	}
	g.LastHeartbeat = now
	g.ConsecutiveFailures = 0
	g.UpdatedAt = now
	d.cbsd.LastHeartbeatTime = now

	kind := TransitionGrantRenewed
	if tx.After(now) {
		g.State = model.GrantAuthorized
		switch prev {
		case model.GrantGranted, model.GrantIdle:
			kind = TransitionGrantAuthorized
		case model.GrantSuspended:
			kind = TransitionGrantResumed
			g.SuspendedAt = time.Time{}
			g.SuspendReason = ""
		}
	}

	e.sched.SetDeadlines(g.TransmitExpireTime, g.GrantExpireTime)
	next := e.sched.ArmHeartbeat(g.Interval())
	d.refreshState(now)

	fields := []logging.Field{
		logging.String("grant_id", g.GrantID),
		logging.Time("transmit_expire_time", g.TransmitExpireTime),
		logging.Time("next_heartbeat", next),
	}
	if kind == TransitionGrantRenewed {
		d.log.Debug(d.ctx, "heartbeat ok", fields...)
	} else {
		d.log.Info(d.ctx, "grant "+strings.TrimPrefix(string(kind), "grant_"), fields...)
	}
	d.report(kind, e, "", false)
}

func (d *Device) heartbeatFailed(e *grantEntry, err error, now time.Time) {
	g := &e.grant
	g.ConsecutiveFailures++
	d.log.Warn(d.ctx, "heartbeat failed",
		logging.String("grant_id", g.GrantID),
		logging.Int("consecutive_failures", g.ConsecutiveFailures),
		logging.Err(err),
	)

	if g.State == model.GrantAuthorized {
		switch {
		case !g.TransmitExpireTime.IsZero() && !now.Before(g.TransmitExpireTime):
			d.suspend(e, ReasonTransmitExpired, true, now)
		case g.ConsecutiveFailures >= d.cfg.SuspendAfterFailures:
			d.suspend(e, ReasonHeartbeatFailures, true, now)
		}
	}

	if at, ok := e.sched.ArmRetry(); ok {
		d.log.Debug(d.ctx, "heartbeat retry armed", logging.String("grant_id", g.GrantID), logging.Time("at", at))
	} else {
		d.log.Warn(d.ctx, "no heartbeat retry possible before grant expiry", logging.String("grant_id", g.GrantID))
	}
}

func (d *Device) heartbeatFault(e *grantEntry, err error, now time.Time) {
	code, _ := sas.CodeOf(err)
	if code == sas.CodeTransport {
		// No SAS verdict reached us; retry like an unreachable SAS and let
		// the transmit expiry timer enforce the deadline.
		d.heartbeatFailed(e, err, now)
		return
	}
	d.log.Warn(d.ctx, "heartbeat rejected by SAS",
		logging.String("grant_id", e.grant.GrantID),
		logging.Int("response_code", int(code)),
		logging.Err(err),
	)
	switch code {
	case sas.CodeSuspendedGrant:
		if e.grant.State != model.GrantSuspended {
			d.suspend(e, ReasonSASSuspended, false, now)
		}
		e.sched.ArmHeartbeat(e.grant.Interval())
	case sas.CodeDeregister:
		d.dropRegistration(now)
	default:
		d.terminate(e, "sas_"+strings.ToLower(code.String()))
	}
}

// withRegistration returns r carrying the current record's controller-owned
// fields.
func (d *Device) withRegistration(r model.CBSD) model.CBSD {
	cur := d.cbsd
	r.ID = cur.ID
	r.TenantID = cur.TenantID
	r.CreatedAt = cur.CreatedAt
	r.State = cur.State
	r.CBSDID = cur.CBSDID
	r.RegistrationTime = cur.RegistrationTime
	r.LastHeartbeatTime = cur.LastHeartbeatTime
	r.UpdatedAt = d.clock.Now()
	return r
}

// ---- grant and device transitions ----

func (d *Device) suspend(e *grantEntry, reason string, compliance bool, now time.Time) {
	g := &e.grant
	g.State = model.GrantSuspended
	g.SuspendedAt = now
	g.SuspendReason = reason
	g.UpdatedAt = now
	d.refreshState(now)
	if compliance {
		d.log.Warn(d.ctx, "grant suspended locally; transmission must stop",
			logging.String("event", "compliance"),
			logging.String("grant_id", g.GrantID),
			logging.String("reason", reason),
			logging.Time("transmit_expire_time", g.TransmitExpireTime),
		)
	} else {
		d.log.Warn(d.ctx, "grant suspended by SAS", logging.String("grant_id", g.GrantID))
	}
	d.report(TransitionGrantSuspended, e, reason, compliance)
}

func (d *Device) terminate(e *grantEntry, reason string) {
	now := d.clock.Now()
	e.sched.Stop()
	e.grant.State = model.GrantTerminated
	e.grant.UpdatedAt = now
	delete(d.grants, e.grant.GrantID)
	d.refreshState(now)
	d.log.Info(d.ctx, "grant terminated", logging.String("grant_id", e.grant.GrantID), logging.String("reason", reason))
	d.report(TransitionGrantTerminated, e, reason, false)
}

func (d *Device) terminateAll(reason string) {
	ids := make([]string, 0, len(d.grants))
	for id := range d.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d.terminate(d.grants[id], reason)
	}
}

// retire completes a deregistration: every timer is cancelled before the
// device record changes.
func (d *Device) retire(now time.Time) {
	d.terminateAll(ReasonDeregistered)
	d.cbsd.CBSDID = ""
	d.cbsd.RegistrationTime = time.Time{}
	d.retired = true
	d.meas = nil
	d.refreshState(now)
	d.log.Info(d.ctx, "cbsd deregistered")
	d.report(TransitionDeregistered, nil, "", false)
}

// dropRegistration handles a SAS-initiated deregistration: the device returns
// to UNREGISTERED and may register again.
func (d *Device) dropRegistration(now time.Time) {
	d.terminateAll(ReasonSASDeregister)
	d.cbsd.CBSDID = ""
	d.cbsd.RegistrationTime = time.Time{}
	d.meas = nil
	d.refreshState(now)
	d.log.Warn(d.ctx, "SAS requested deregistration")
	d.report(TransitionUnregistered, nil, ReasonSASDeregister, false)
}

func (d *Device) rehydrate(grants []model.Grant) {
	now := d.clock.Now()
	sorted := append([]model.Grant(nil), grants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for _, g := range sorted {
		if g.State == model.GrantTerminated {
			continue
		}
		g.DeviceID = d.id
		e := &grantEntry{grant: g, sched: schedule.New(d.clock, g.GrantID, d.cfg.Policy, d.timerSink)}
		d.grants[g.GrantID] = e

		if !d.registered() {
			d.terminate(e, ReasonOrphaned)
			continue
		}
		g.CBSDID = d.cbsd.CBSDID
		e.grant.CBSDID = d.cbsd.CBSDID
		if !g.GrantExpireTime.IsZero() && !now.Before(g.GrantExpireTime) {
			d.terminate(e, ReasonGrantExpired)
			continue
		}
		if g.State == model.GrantAuthorized && (g.TransmitExpireTime.IsZero() || !now.Before(g.TransmitExpireTime)) {
			d.suspend(e, ReasonTransmitExpired, true, now)
		}
		e.sched.SetDeadlines(e.grant.TransmitExpireTime, e.grant.GrantExpireTime)
		e.sched.ArmAt(now)
	}
	d.refreshState(now)
	if len(d.grants) > 0 {
		d.log.Info(d.ctx, "device restored", logging.Int("grants", len(d.grants)))
	}
}

// refreshState derives the device-level state from registration and grants.
func (d *Device) refreshState(now time.Time) {
	d.cbsd.State = d.effectiveState()
	d.cbsd.UpdatedAt = now
}

func (d *Device) effectiveState() model.CBSDState {
	switch {
	case d.retired:
		return model.StateDeregistered
	case d.cbsd.CBSDID == "":
		return model.StateUnregistered
	}
	best, rank := model.StateRegistered, -1
	for _, e := range d.grants {
		if r := e.grant.State.Rank(); r > rank {
			best, rank = e.grant.State.DeviceState(), r
		}
	}
	return best
}

func (d *Device) report(kind TransitionKind, e *grantEntry, reason string, compliance bool) {
	t := Transition{
		Kind:       kind,
		At:         d.clock.Now(),
		DeviceID:   d.id,
		Device:     d.cbsd.Clone(),
		Reason:     reason,
		Compliance: compliance,
	}
	if e != nil {
		g := e.grant
		t.Grant = &g
	}
	d.reporter.Report(d.ctx, t)
}
