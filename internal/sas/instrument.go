package sas

import (
	"context"
	"time"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrument wraps c so that every call records sas_requests_total, the
// duration histogram, and a SAS/<operation> client span.
func Instrument(c Client, provider model.SASProvider, collector *observability.FleetCollector) Client {
	return &instrumented{next: c, provider: string(provider), collector: collector}
}

type instrumented struct {
	next      Client
	provider  string
	collector *observability.FleetCollector
}

func (i *instrumented) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	ctx, done := i.start(ctx, OpRegister, attribute.String("cbsd.serial_number", req.CBSD.CBSDSerialNumber))
	resp, err := i.next.Register(ctx, req)
	done(err)
	return resp, err
}

func (i *instrumented) SpectrumInquiry(ctx context.Context, req SpectrumInquiryRequest) (SpectrumInquiryResponse, error) {
	ctx, done := i.start(ctx, OpSpectrumInquiry, attribute.String("cbsd.id", req.CBSDID))
	resp, err := i.next.SpectrumInquiry(ctx, req)
	done(err)
	return resp, err
}

func (i *instrumented) RequestGrant(ctx context.Context, req GrantRequest) (GrantResponse, error) {
	ctx, done := i.start(ctx, OpGrant, attribute.String("cbsd.id", req.CBSDID))
	resp, err := i.next.RequestGrant(ctx, req)
	done(err)
	return resp, err
}

func (i *instrumented) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	ctx, done := i.start(ctx, OpHeartbeat,
		attribute.String("cbsd.id", req.CBSDID),
		attribute.String("grant.id", req.GrantID),
		attribute.String("grant.operation_state", req.OperationState),
	)
	resp, err := i.next.Heartbeat(ctx, req)
	done(err)
	return resp, err
}

func (i *instrumented) Relinquish(ctx context.Context, req RelinquishRequest) error {
	ctx, done := i.start(ctx, OpRelinquish,
		attribute.String("cbsd.id", req.CBSDID),
		attribute.String("grant.id", req.GrantID),
	)
	err := i.next.Relinquish(ctx, req)
	done(err)
	return err
}

func (i *instrumented) Deregister(ctx context.Context, req DeregisterRequest) error {
	ctx, done := i.start(ctx, OpDeregister, attribute.String("cbsd.id", req.CBSDID))
	err := i.next.Deregister(ctx, req)
	done(err)
	return err
}

func (i *instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	began := time.Now()
	attrs = append(attrs, attribute.String("sas.provider", i.provider), attribute.String("sas.operation", op))
	ctx, span := observability.StartSpan(ctx, "SAS/"+op, trace.SpanKindClient, attrs...)
	return ctx, func(err error) {
		outcome := Outcome(err)
		i.collector.ObserveSASRequest(i.provider, op, outcome, time.Since(began))
		if err != nil {
			if code, ok := CodeOf(err); ok {
				span.SetAttributes(attribute.Int("sas.response_code", int(code)))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}
}

// Outcome maps err onto the metric outcome label.
func Outcome(err error) string {
	switch KindOf(err) {
	case 0:
		if err == nil {
			return observability.OutcomeSuccess
		}
		return observability.OutcomeUnreachable
	case KindTimeout:
		return observability.OutcomeTimeout
	case KindUnreachable:
		return observability.OutcomeUnreachable
	default:
		return observability.OutcomeProtocol
	}
}
