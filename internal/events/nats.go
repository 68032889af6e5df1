package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "sasd"

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	Prefix         string        `yaml:"subject_prefix"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ApplyDefaults fills zero fields.
func (c *NATSConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "cbrs-sasd"
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// msgConn is the part of *nats.Conn the publisher uses.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher publishes each event as a core NATS message.
type NATSPublisher struct {
	conn   msgConn
	prefix string
	log    logging.Logger
}

// ConnectNATS dials the server and returns a publisher.
func ConnectNATS(cfg NATSConfig, log logging.Logger) (*NATSPublisher, error) {
	cfg.ApplyDefaults()
	log = logging.OrNoop(log)
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(context.Background(), "nats disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(context.Background(), "nats reconnected", logging.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSPublisher(conn, cfg.Prefix, log), nil
}

func newNATSPublisher(conn msgConn, prefix string, log logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: logging.OrNoop(log)}
}

// Publish encodes ev as JSON. The event id is sent as Nats-Msg-Id so that
// JetStream streams bound to the subject can deduplicate.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.RequestID == "" {
		ev.RequestID = logging.RequestIDFromContext(ctx)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if ev.TenantID != "" {
		msg.Header.Set("X-Tenant-Id", ev.TenantID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.conn.FlushWithContext(ctx); err != nil {
		p.log.Warn(ctx, "nats flush failed", logging.Err(err))
	}
	return p.conn.Drain()
}
