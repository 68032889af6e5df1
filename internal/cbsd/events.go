package cbsd

import (
	"context"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// TransitionKind names an applied state change.
type TransitionKind string

const (
	TransitionRegistered      TransitionKind = "registered"
	TransitionUnregistered    TransitionKind = "unregistered"
	TransitionDeregistered    TransitionKind = "deregistered"
	TransitionGrantCreated    TransitionKind = "grant_created"
	TransitionGrantAuthorized TransitionKind = "grant_authorized"
	TransitionGrantRenewed    TransitionKind = "grant_renewed"
	TransitionGrantSuspended  TransitionKind = "grant_suspended"
	TransitionGrantResumed    TransitionKind = "grant_resumed"
	TransitionGrantTerminated TransitionKind = "grant_terminated"
)

// Transition describes one applied change. Device is the record after the
// change; Grant is set for grant-level kinds.
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	At       time.Time      `json:"at"`
	DeviceID string         `json:"deviceId"`
	Device   model.CBSD     `json:"cbsd"`
	Grant    *model.Grant   `json:"grant,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	// Compliance marks a suspension the controller forced without SAS
	// instruction.
	Compliance bool `json:"compliance,omitempty"`
}

// Reporter receives every transition, synchronously on the device loop.
type Reporter interface {
	Report(ctx context.Context, t Transition)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, t Transition)

func (f ReporterFunc) Report(ctx context.Context, t Transition) { f(ctx, t) }

type nopReporter struct{}

func (nopReporter) Report(context.Context, Transition) {}

// Mailbox events.

type event interface{}

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdInquiry
	cmdGrant
	cmdRelinquish
	cmdDeregister
	cmdMeasurement
)

type command struct {
	kind    commandKind
	ranges  []model.FrequencyRange
	op      model.OperationParam
	grantID string
	meas    *model.MeasReport
	// record replaces the registration details before a Register is sent.
	record *model.CBSD

	parent    context.Context
	requestID string
	reply     chan cmdResult
}

type cmdResult struct {
	cbsd     model.CBSD
	grant    model.Grant
	channels []model.AvailableChannel
	err      error
}

// callResult carries a finished SAS call back onto the loop. cmd is nil for
// heartbeats.
type callResult struct {
	cmd      *command
	grantID  string
	reg      sas.RegisterResponse
	inquiry  sas.SpectrumInquiryResponse
	grant    sas.GrantResponse
	hb       sas.HeartbeatResponse
	sentMeas *model.MeasReport
	err      error
}

type timerEvent struct {
	schedule.Event
}

type restoreEvent struct {
	grants []model.Grant
}

type snapshotEvent struct {
	reply chan Snapshot
}

type settleEvent struct {
	reply chan struct{}
}

type stopEvent struct{}
