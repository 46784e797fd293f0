package pktwire

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFrameInCount          = []string{"pktwire", "frame", "in", "count"}
	MetricFrameInBytes          = []string{"pktwire", "frame", "in", "bytes"}
	MetricFrameOutCount         = []string{"pktwire", "frame", "out", "count"}
	MetricFrameOutBytes         = []string{"pktwire", "frame", "out", "bytes"}
	MetricDecodeErrorCount      = []string{"pktwire", "codec", "decode", "error", "count"}
	MetricEncodeErrorCount      = []string{"pktwire", "codec", "encode", "error", "count"}
	MetricDispatchCount         = []string{"pktwire", "dispatch", "count"}
	MetricDispatchErrorCount    = []string{"pktwire", "dispatch", "error", "count"}
	MetricRequestSentCount      = []string{"pktwire", "request", "sent", "count"}
	MetricRequestCompletedCount = []string{"pktwire", "request", "completed", "count"}
	MetricRequestExpiredCount   = []string{"pktwire", "request", "expired", "count"}
	MetricRequestMismatchCount  = []string{"pktwire", "request", "mismatch", "count"}
	MetricRequestCancelledCount = []string{"pktwire", "request", "cancelled", "count"}
	MetricRequestPending        = []string{"pktwire", "request", "pending"}
	MetricConnEstCount          = []string{"pktwire", "connection", "established", "count"}
	MetricConnClosedCount       = []string{"pktwire", "connection", "closed", "count"}
	MetricConnErrorCount        = []string{"pktwire", "connection", "error", "count"}
	MetricQuicConnEstCount      = []string{"pktwire", "quic", "connection", "established", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPacketID   TelemetryLabel = "packet_id"
	LabelPacketType TelemetryLabel = "packet_type"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelSessionID  TelemetryLabel = "session_id"
	LabelSubscriber TelemetryLabel = "subscriber"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func packetIDLabel(id int32) metrics.Label {
	return LabelPacketID.M(strconv.FormatInt(int64(id), 10))
}

// withLabels never aliases base, static labels are shared between
// goroutines.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
