// Package observe provides the bridge's observability primitives:
// OpenTelemetry metrics exported for Prometheus scraping, and slog logger
// construction.
//
// Tests should build a [Metrics] with [NewMetrics] and their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dbehnke/dmr-bridge-discord"

// Direction attribute values.
const (
	Uplink   = "uplink"   // voice channel -> radio
	Downlink = "downlink" // radio -> voice channel
)

// Drop reasons.
const (
	DropFormat  = "format"  // datagram failed to decode
	DropFraming = "framing" // voice outside a start/end burst
	DropNoCall  = "no_call" // no call attached
	DropQueue   = "queue"   // playback queue full
	DropPlay    = "play"    // call rejected the audio
	DropAborted = "aborted" // uplink frame abandoned on cancel or close
)

// Metrics holds the bridge's metric instruments. Safe for concurrent use.
type Metrics struct {
	// FramesSent counts USRP frames written to the radio side. Attribute:
	//   attribute.String("kind", ...)
	FramesSent metric.Int64Counter

	// FramesReceived counts USRP frames read from the radio side. Attribute:
	//   attribute.String("kind", ...)
	FramesReceived metric.Int64Counter

	// FramesDropped counts audio discarded in either direction. Attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// AttachedCalls is 1 while a voice call is attached.
	AttachedCalls metric.Int64UpDownCounter

	// UplinkQueueWait tracks how long the uplink producer blocked on a full
	// queue.
	UplinkQueueWait metric.Float64Histogram
}

var waitBuckets = []float64{
	0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("bridge.usrp.frames_sent",
		metric.WithDescription("USRP frames sent to the radio peer by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("bridge.usrp.frames_received",
		metric.WithDescription("USRP frames received from the radio peer by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("bridge.frames_dropped",
		metric.WithDescription("Audio frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.AttachedCalls, err = m.Int64UpDownCounter("bridge.attached_calls",
		metric.WithDescription("Number of attached voice calls."),
	); err != nil {
		return nil, err
	}
	if met.UplinkQueueWait, err = m.Float64Histogram("bridge.uplink.queue_wait",
		metric.WithDescription("Time the uplink producer spent blocked on a full queue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordSent counts one frame written to the radio peer.
func (m *Metrics) RecordSent(ctx context.Context, kind string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReceived counts one frame read from the radio peer.
func (m *Metrics) RecordReceived(ctx context.Context, kind string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop counts one dropped frame.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}
