package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/telesearch/telesearch/internal/model"
)

// Sink receives every progress event of the supervised runs. Publish must
// not block for long and can't fail: a sink drops what it can't deliver.
// Implementations must be safe for concurrent use, stdout and stderr of a
// run are consumed by different goroutines.
type Sink interface {
	Publish(topic string, p model.Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, p model.Progress)

func (f SinkFunc) Publish(topic string, p model.Progress) {
	f(topic, p)
}

// MultiSink publishes to each sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(topic string, p model.Progress) {
	for _, s := range m {
		s.Publish(topic, p)
	}
}

// JSONSink writes one {"topic":..., "payload":...} object per line.
type JSONSink struct {
	mx  sync.Mutex
	enc *json.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Publish(topic string, p model.Progress) {
	s.mx.Lock()
	defer s.mx.Unlock()
	err := s.enc.Encode(struct {
		Topic   string         `json:"topic"`
		Payload model.Progress `json:"payload"`
	}{topic, p})
	if err != nil {
		slog.Debug("json sink: event dropped", "topic", topic, "error", err)
	}
}

// LogSink logs every event, terminal ones at info level.
type LogSink struct {
	ctx    context.Context
	logger *slog.Logger
}

func NewLogSink(ctx context.Context, logger *slog.Logger) LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return LogSink{ctx: ctx, logger: logger}
}

func (s LogSink) Publish(topic string, p model.Progress) {
	level := slog.LevelDebug
	if p.Status.Terminal() {
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("topic", topic),
		slog.String("status", string(p.Status)),
		slog.String("message", p.Message),
	}
	if p.Current != nil {
		attrs = append(attrs, slog.Int64("current", *p.Current))
	}
	if p.Total != nil {
		attrs = append(attrs, slog.Int64("total", *p.Total))
	}
	if p.Percentage != nil {
		attrs = append(attrs, slog.Int("percentage", *p.Percentage))
	}
	s.logger.LogAttrs(s.ctx, level, "progress", attrs...)
}
