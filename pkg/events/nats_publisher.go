package events

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Published int64
	Failed    int64
	Skipped   int64
}

// NATSPublisher forwards workflow events to NATS, one subject per event
// type. Register it with Manager.AddListener.
type NATSPublisher struct {
	conn       Publisher
	prefix     string
	maxRetries int
	retryWait  time.Duration
	runID      string
	types      map[workflow.EventType]bool
	logger     *zap.Logger

	published atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

var _ workflow.Listener = (*NATSPublisher)(nil)

// PublisherOption customises a NATSPublisher.
type PublisherOption func(*NATSPublisher)

// WithRunID tags every message with runID.
func WithRunID(runID string) PublisherOption {
	return func(p *NATSPublisher) { p.runID = runID }
}

// WithEventTypes restricts publishing to the given event types.
func WithEventTypes(types ...workflow.EventType) PublisherOption {
	return func(p *NATSPublisher) {
		p.types = make(map[workflow.EventType]bool, len(types))
		for _, t := range types {
			p.types[t] = true
		}
	}
}

// NewNATSPublisher creates a publisher using the subject prefix and retry
// settings of config.
func NewNATSPublisher(conn Publisher, config *natsconn.ConnectionConfig, logger *zap.Logger, opts ...PublisherOption) (*NATSPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = natsconn.DefaultConnectionConfig("").SubjectPrefix
	}

	p := &NATSPublisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: config.PublishMaxRetries,
		retryWait:  config.PublishRetryWait,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATSPublisher) Subject(t workflow.EventType) string {
	return p.prefix + "." + t.String()
}

// OnEvent publishes ev. Failures are logged and counted, never returned.
func (p *NATSPublisher) OnEvent(ev workflow.Event) {
	if p.types != nil && !p.types[ev.Type] {
		p.skipped.Add(1)
		return
	}

	msg := NewMessage(ev, p.runID)
	data, err := sonic.Marshal(msg)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Failed to marshal event", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	subject := p.Subject(ev.Type)
	for attempt := 0; ; attempt++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			p.published.Add(1)
			return
		}
		if attempt >= p.maxRetries {
			break
		}
		p.logger.Debug("Publish failed, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		time.Sleep(p.retryWait)
	}

	p.failed.Add(1)
	p.logger.Warn("Failed to publish event",
		zap.String("subject", subject),
		zap.String("node_id", msg.NodeID),
		zap.Error(err))
}

// Stats returns the publish counters.
func (p *NATSPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}
