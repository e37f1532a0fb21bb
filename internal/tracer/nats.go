package tracer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the trace id to form the publish subject.
const SubjectPrefix = "toolgate.trace."

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher is a Sink that publishes events as JSON over NATS.
type Publisher struct {
	conn natsPublisher
}

// ConnectNATS dials url and returns a Publisher on that connection.
func ConnectNATS(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("toolgate"))
	if err != nil {
		return nil, fmt.Errorf("tracer: connect nats %s: %w", url, err)
	}
	return &Publisher{conn: nc}, nil
}

// Subject returns the subject events for traceID are published to.
func Subject(traceID string) string {
	// Subject tokens may not contain separators or wildcards.
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, traceID)
	return SubjectPrefix + clean
}

// Publish implements Sink.
func (p *Publisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("tracer: marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(ev.TraceID), data); err != nil {
		return fmt.Errorf("tracer: publish: %w", err)
	}
	return nil
}

// Close drains the connection when the publisher owns one.
func (p *Publisher) Close() error {
	if nc, ok := p.conn.(*nats.Conn); ok {
		return nc.Drain()
	}
	return nil
}
