package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"einvoice-gateway/internal/domain"
)

const (
	eventSubjectPrefix      = "einvoice.events"
	deadLetterSubjectPrefix = "einvoice.dlq"
)

// Conn is the slice of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher fans out appended document events and new dead letters.
type NATSPublisher struct {
	conn Conn
}

func NewNATSPublisher(conn Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Name:          "einvoice-gateway",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// EventSubject is einvoice.events.<tenant>.<event_type>.
func EventSubject(tenantID string, eventType domain.EventType) string {
	return eventSubjectPrefix + "." + subjectToken(tenantID) + "." + subjectToken(string(eventType))
}

// DeadLetterSubject is einvoice.dlq.<tenant>.
func DeadLetterSubject(tenantID string) string {
	return deadLetterSubjectPrefix + "." + subjectToken(tenantID)
}

func (p *NATSPublisher) PublishEvent(ctx context.Context, ev domain.DocumentEvent) error {
	return p.publishJSON(ctx, EventSubject(ev.TenantID, ev.EventType), ev)
}

func (p *NATSPublisher) PublishDeadLetter(ctx context.Context, dl domain.DeadLetterItem) error {
	return p.publishJSON(ctx, DeadLetterSubject(dl.TenantID), dl)
}

func (p *NATSPublisher) publishJSON(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// subjectToken keeps tenant ids from adding subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
