package model

import (
	"time"
)

// ChannelType is the access tier of a grant.
type ChannelType string

const (
	ChannelGAA ChannelType = "GAA"
	ChannelPAL ChannelType = "PAL"
)

// GrantState is the per-grant lifecycle state.
type GrantState string

const (
	GrantIdle       GrantState = "IDLE"
	GrantGranted    GrantState = "GRANTED"
	GrantAuthorized GrantState = "AUTHORIZED"
	GrantSuspended  GrantState = "SUSPENDED"
	GrantTerminated GrantState = "TERMINATED"
)

// Rank orders grant states by how authorized they are, for rolling grant
// states up into a device state.
func (s GrantState) Rank() int {
	switch s {
	case GrantAuthorized:
		return 3
	case GrantGranted:
		return 2
	case GrantSuspended:
		return 1
	case GrantIdle:
		return 0
	default:
		return -1
	}
}

// DeviceState maps a grant state onto the matching device-level state.
func (s GrantState) DeviceState() CBSDState {
	switch s {
	case GrantAuthorized:
		return StateAuthorized
	case GrantGranted:
		return StateGranted
	case GrantSuspended:
		return StateSuspended
	default:
		return StateRegistered
	}
}

// Grant defaults used when the SAS response omits a field.
const (
	DefaultHeartbeatIntervalSeconds = 60
	DefaultGrantTTL                 = 24 * time.Hour
)

// Grant is one SAS authorization to transmit.
type Grant struct {
	GrantID  string `json:"grantId"`
	CBSDID   string `json:"cbsdId"`
	DeviceID string `json:"deviceId"`

	OperationParam OperationParam `json:"operationParam"`
	ChannelType    ChannelType    `json:"channelType"`
	State          GrantState     `json:"grantState"`

	// HeartbeatInterval is in seconds, as dictated by the SAS.
	HeartbeatInterval  int       `json:"heartbeatInterval"`
	GrantExpireTime    time.Time `json:"grantExpireTime"`
	TransmitExpireTime time.Time `json:"transmitExpireTime,omitempty"`
	LastHeartbeat      time.Time `json:"lastHeartbeat,omitempty"`

	SuspendedAt         time.Time `json:"suspendedAt,omitempty"`
	SuspendReason       string    `json:"suspendReason,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Interval returns the heartbeat interval as a duration, falling back to the
// default when unset.
func (g Grant) Interval() time.Duration {
	if g.HeartbeatInterval <= 0 {
		return DefaultHeartbeatIntervalSeconds * time.Second
	}
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// Active reports whether the grant is still in the device's active set.
func (g Grant) Active() bool {
	return g.State != GrantTerminated
}

// CanTransmit reports whether the radio may transmit on this grant at now.
func (g Grant) CanTransmit(now time.Time) bool {
	return g.State == GrantAuthorized &&
		!g.TransmitExpireTime.IsZero() &&
		now.Before(g.TransmitExpireTime) &&
		now.Before(g.GrantExpireTime)
}

// AvailableChannel is one entry of a spectrum inquiry response.
type AvailableChannel struct {
	FrequencyRange FrequencyRange `json:"frequencyRange"`
	ChannelType    ChannelType    `json:"channelType"`
	RuleApplied    string         `json:"ruleApplied"`
	MaxEIRP        *float64       `json:"maxEirp,omitempty"`
}
