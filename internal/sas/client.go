// Package sas is the adapter between the controller and an external Spectrum
// Access System speaking the WinnForum SAS-CBSD JSON protocol.
package sas

import (
	"context"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Operation names, used for error context, metric labels and span names.
const (
	OpRegister        = "registration"
	OpSpectrumInquiry = "spectrumInquiry"
	OpGrant           = "grant"
	OpHeartbeat       = "heartbeat"
	OpRelinquish      = "relinquishment"
	OpDeregister      = "deregistration"
)

// Client is the capability interface every SAS provider implements. Each
// method performs one outbound request and returns either the success payload
// or an *Error.
type Client interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	SpectrumInquiry(ctx context.Context, req SpectrumInquiryRequest) (SpectrumInquiryResponse, error)
	RequestGrant(ctx context.Context, req GrantRequest) (GrantResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	Relinquish(ctx context.Context, req RelinquishRequest) error
	Deregister(ctx context.Context, req DeregisterRequest) error
}

type RegisterRequest struct {
	CBSD model.CBSD
}

type RegisterResponse struct {
	CBSDID string
}

type SpectrumInquiryRequest struct {
	CBSDID string
	Ranges []model.FrequencyRange
}

type SpectrumInquiryResponse struct {
	Channels []model.AvailableChannel
}

type GrantRequest struct {
	CBSDID         string
	OperationParam model.OperationParam
}

// GrantResponse leaves fields zero when the SAS omitted them; callers apply
// the grant defaults.
type GrantResponse struct {
	GrantID           string
	HeartbeatInterval int
	GrantExpireTime   time.Time
	ChannelType       model.ChannelType
}

// Heartbeat operation states.
const (
	OperationGranted    = "GRANTED"
	OperationAuthorized = "AUTHORIZED"
)

type HeartbeatRequest struct {
	CBSDID         string
	GrantID        string
	OperationState string
	MeasReport     *model.MeasReport
}

// HeartbeatResponse carries the renewed deadlines. GrantExpireTime and
// HeartbeatInterval are zero when the SAS did not change them.
type HeartbeatResponse struct {
	TransmitExpireTime time.Time
	GrantExpireTime    time.Time
	HeartbeatInterval  int
}

type RelinquishRequest struct {
	CBSDID  string
	GrantID string
}

type DeregisterRequest struct {
	CBSDID string
}
