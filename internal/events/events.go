// Package events publishes CBSD lifecycle transitions to subscribers outside
// the controller.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Event is the JSON payload published for every applied transition.
type Event struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	DeviceID   string       `json:"deviceId"`
	TenantID   string       `json:"tenantId,omitempty"`
	At         time.Time    `json:"at"`
	Reason     string       `json:"reason,omitempty"`
	Compliance bool         `json:"compliance,omitempty"`
	RequestID  string       `json:"requestId,omitempty"`
	CBSD       model.CBSD   `json:"cbsd"`
	Grant      *model.Grant `json:"grant,omitempty"`
}

// New stamps a fresh event id.
func New(kind, deviceID string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, DeviceID: deviceID, At: at}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Subject returns "<prefix>.cbsd.<deviceId>.<kind>". Characters with
// meaning in NATS subjects are replaced in the variable tokens.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ".cbsd." + token(ev.DeviceID) + "." + token(ev.Kind)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

type noop struct{}

// Noop discards every event.
func Noop() Publisher { return noop{} }

func (noop) Publish(context.Context, Event) error { return nil }
func (noop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
