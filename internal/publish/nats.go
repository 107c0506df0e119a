package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

const (
	// DefaultStream is the JetStream stream holding observations.
	DefaultStream = "FLOW_OBSERVATIONS"
	// DefaultSubjectPrefix is followed by the source name.
	DefaultSubjectPrefix = "flow.observations"
)

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// MaxAge bounds how long the stream keeps observations. Default: 7 days.
	MaxAge time.Duration
	Logger *slog.Logger
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NATS publishes observations as JSON to <prefix>.<source> on JetStream.
type NATS struct {
	cfg NATSConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
}

// NewNATS connects to the server and makes sure the stream exists.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	cfg.defaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("flowctl"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn("publish: nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("publish: connect %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("publish: jetstream: %w", err)
	}

	p := &NATS{cfg: cfg, nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	cfg.Logger.Info("publish: nats sink ready", "url", cfg.URL, "stream", cfg.Stream)
	return p, nil
}

func (p *NATS) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("publish: stream info: %w", err)
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("publish: add stream %s: %w", p.cfg.Stream, err)
	}
	return nil
}

// Subject returns the subject an observation of src is published on.
func Subject(prefix string, src metric.Source) string {
	return prefix + "." + string(src)
}

// Publish sends one observation. The observation ID is the JetStream
// message ID so redeliveries inside the duplicate window are dropped.
func (p *NATS) Publish(ctx context.Context, o metric.Observation) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("publish: marshal: %w", err)
	}
	msg := nats.NewMsg(Subject(p.cfg.SubjectPrefix, o.Source))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, o.ID)
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish: %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NATS) Close() error {
	return p.nc.Drain()
}
