// Package pulse streams dispatch reports over a Redis-backed Pulse stream so
// operator dashboards can watch delivery live. Callers build a Redis client,
// pass it to New, and register the sink with the dispatcher.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/soonishlabs/soonish/dispatch"
)

// StreamName is the Pulse stream carrying dispatch reports.
const StreamName = "soonish-dispatch-reports"

// EventName tags every report entry on the stream.
const EventName = "dispatch.report"

// Options configures the sink.
type Options struct {
	// Redis is the Redis connection backing the Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of reports kept. Zero uses Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add operations. Zero means no timeout.
	OperationTimeout time.Duration
}

// Sink publishes reports to the stream.
type Sink struct {
	stream  *streaming.Stream
	timeout time.Duration
}

var _ dispatch.Sink = (*Sink)(nil)

// New constructs the sink, creating the stream if needed.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	var streamOptions []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	stream, err := streaming.NewStream(StreamName, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &Sink{stream: stream, timeout: opts.OperationTimeout}, nil
}

// Record publishes the report as a JSON payload.
func (s *Sink) Record(ctx context.Context, r *dispatch.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("pulse marshal report %q: %w", r.ID, err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.stream.Add(ctx, EventName, payload); err != nil {
		return fmt.Errorf("pulse add report %q: %w", r.ID, err)
	}
	return nil
}

// Subscribe creates a consumer group and returns its event channel. The
// returned sink must be closed by the caller.
func (s *Sink) Subscribe(ctx context.Context, consumer string) (*streaming.Sink, error) {
	sink, err := s.stream.NewSink(ctx, consumer)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %q: %w", consumer, err)
	}
	return sink, nil
}

// Destroy deletes the stream and all retained reports.
func (s *Sink) Destroy(ctx context.Context) error {
	return s.stream.Destroy(ctx)
}
