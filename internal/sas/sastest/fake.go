// Package sastest provides SAS test doubles: an in-process fake Client and
// an httptest server speaking the WinnForum JSON protocol.
package sastest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"github.com/signalsfoundry/cbrs-sas-controller/timectrl"
)

// DefaultTransmitWindow is how far past now the fake renews
// transmitExpireTime on a successful heartbeat.
const DefaultTransmitWindow = 240 * time.Second

// FakeClient is a scriptable sas.Client. Without hooks it succeeds on every
// call, assigning sequential cbsd and grant IDs.
type FakeClient struct {
	clock timectrl.Clock

	mu         sync.Mutex
	calls      map[string]int
	heartbeats []sas.HeartbeatRequest
	seq        int

	transmitWindow    time.Duration
	heartbeatInterval int

	onRegister   func(context.Context, sas.RegisterRequest) (sas.RegisterResponse, error)
	onInquiry    func(context.Context, sas.SpectrumInquiryRequest) (sas.SpectrumInquiryResponse, error)
	onGrant      func(context.Context, sas.GrantRequest) (sas.GrantResponse, error)
	onHeartbeat  func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error)
	onRelinquish func(context.Context, sas.RelinquishRequest) error
	onDeregister func(context.Context, sas.DeregisterRequest) error
}

var _ sas.Client = (*FakeClient)(nil)

// NewFakeClient returns a fake reading time from clock.
func NewFakeClient(clock timectrl.Clock) *FakeClient {
	if clock == nil {
		clock = timectrl.Real()
	}
	return &FakeClient{
		clock:             clock,
		calls:             make(map[string]int),
		transmitWindow:    DefaultTransmitWindow,
		heartbeatInterval: 60,
	}
}

// SetTransmitWindow sets how far past now default heartbeats renew
// transmission.
func (f *FakeClient) SetTransmitWindow(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmitWindow = d
}

// SetHeartbeatInterval sets the interval, in seconds, of default grants.
func (f *FakeClient) SetHeartbeatInterval(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatInterval = seconds
}

// OnRegister replaces the Register behaviour.
func (f *FakeClient) OnRegister(fn func(context.Context, sas.RegisterRequest) (sas.RegisterResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRegister = fn
}

// OnSpectrumInquiry replaces the SpectrumInquiry behaviour.
func (f *FakeClient) OnSpectrumInquiry(fn func(context.Context, sas.SpectrumInquiryRequest) (sas.SpectrumInquiryResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onInquiry = fn
}

// OnGrant replaces the RequestGrant behaviour.
func (f *FakeClient) OnGrant(fn func(context.Context, sas.GrantRequest) (sas.GrantResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onGrant = fn
}

// OnHeartbeat replaces the Heartbeat behaviour.
func (f *FakeClient) OnHeartbeat(fn func(context.Context, sas.HeartbeatRequest) (sas.HeartbeatResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHeartbeat = fn
}

// OnRelinquish replaces the Relinquish behaviour.
func (f *FakeClient) OnRelinquish(fn func(context.Context, sas.RelinquishRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRelinquish = fn
}

// OnDeregister replaces the Deregister behaviour.
func (f *FakeClient) OnDeregister(fn func(context.Context, sas.DeregisterRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDeregister = fn
}

// Calls returns how many times op was invoked.
func (f *FakeClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// HeartbeatRequests returns a copy of every heartbeat request received.
func (f *FakeClient) HeartbeatRequests() []sas.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sas.HeartbeatRequest(nil), f.heartbeats...)
}

func (f *FakeClient) record(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.seq++
	return f.seq
}

func (f *FakeClient) Register(ctx context.Context, req sas.RegisterRequest) (sas.RegisterResponse, error) {
	n := f.record(sas.OpRegister)
	f.mu.Lock()
	fn := f.onRegister
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return sas.RegisterResponse{CBSDID: fmt.Sprintf("%s/%s-%d", req.CBSD.FCCID, req.CBSD.CBSDSerialNumber, n)}, nil
}

func (f *FakeClient) SpectrumInquiry(ctx context.Context, req sas.SpectrumInquiryRequest) (sas.SpectrumInquiryResponse, error) {
	f.record(sas.OpSpectrumInquiry)
	f.mu.Lock()
	fn := f.onInquiry
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return EchoAvailable(req), nil
}

func (f *FakeClient) RequestGrant(ctx context.Context, req sas.GrantRequest) (sas.GrantResponse, error) {
	n := f.record(sas.OpGrant)
	f.mu.Lock()
	fn := f.onGrant
	interval := f.heartbeatInterval
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return sas.GrantResponse{
		GrantID:           fmt.Sprintf("grant-%d", n),
		HeartbeatInterval: interval,
		GrantExpireTime:   f.clock.Now().Add(24 * time.Hour),
		ChannelType:       model.ChannelGAA,
	}, nil
}

func (f *FakeClient) Heartbeat(ctx context.Context, req sas.HeartbeatRequest) (sas.HeartbeatResponse, error) {
	f.record(sas.OpHeartbeat)
	f.mu.Lock()
	f.heartbeats = append(f.heartbeats, req)
	fn := f.onHeartbeat
	window := f.transmitWindow
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return sas.HeartbeatResponse{TransmitExpireTime: f.clock.Now().Add(window)}, nil
}

func (f *FakeClient) Relinquish(ctx context.Context, req sas.RelinquishRequest) error {
	f.record(sas.OpRelinquish)
	f.mu.Lock()
	fn := f.onRelinquish
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return nil
}

func (f *FakeClient) Deregister(ctx context.Context, req sas.DeregisterRequest) error {
	f.record(sas.OpDeregister)
	f.mu.Lock()
	fn := f.onDeregister
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return nil
}

// EchoAvailable reports every inquired range as an available GAA channel.
func EchoAvailable(req sas.SpectrumInquiryRequest) sas.SpectrumInquiryResponse {
	var out sas.SpectrumInquiryResponse
	for _, r := range req.Ranges {
		out.Channels = append(out.Channels, model.AvailableChannel{
			FrequencyRange: r,
			ChannelType:    model.ChannelGAA,
			RuleApplied:    "FCC_PART_96",
		})
	}
	return out
}
