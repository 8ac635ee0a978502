// Package metrics collects prometheus counters and histograms for the subscriber and
// publisher data paths, extending the same sttp_goapi namespace convention used by
// sttp.Metrics.go for metadata-refresh statistics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PacketsReceived counts command-channel and data-channel packets processed by a DataSubscriber,
	// and command requests read by a publisher's SubscriberConnection.
	PacketsReceived prometheus.Counter

	// PacketsSent counts packets written to the command channel by a DataSubscriber or publisher,
	// and data packets a publisher sends over a UDP data channel.
	PacketsSent prometheus.Counter

	// DecodeErrors counts TSSC and Compact measurement decode failures.
	DecodeErrors prometheus.Counter

	// Reconnects counts successful SubscriberConnector reconnect attempts.
	Reconnects prometheus.Counter

	// MeasurementsReceived counts individual measurements decoded from data packets.
	MeasurementsReceived prometheus.Counter

	// MeasurementsPublished counts individual measurements encoded and sent by a publisher.
	MeasurementsPublished prometheus.Counter

	// DataPacketSizes tracks the byte size of data packets received by a DataSubscriber and of
	// data packet frames sent by a publisher.
	DataPacketSizes prometheus.Histogram

	// CipherRotations counts publisher-side AES key-pair rotations.
	CipherRotations prometheus.Counter
)

func init() {
	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "packets_received_cnt",
		Help:      "The number of command and data channel packets received since program start",
	})

	PacketsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "packets_sent_cnt",
		Help:      "The number of command channel and UDP data channel packets sent since program start",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "decode_error_cnt",
		Help:      "The number of TSSC or Compact measurement decode failures since program start",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "reconnect_cnt",
		Help:      "The number of successful reconnects since program start",
	})

	MeasurementsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "measurements_received_cnt",
		Help:      "The number of measurements decoded from data packets since program start",
	})

	MeasurementsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "measurements_published_cnt",
		Help:      "The number of measurements encoded and sent by a publisher since program start",
	})

	DataPacketSizes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "data_packet_sizes_bytes",
		Help:      "The sizes of observed data packets in bytes",
		Buckets:   prometheus.ExponentialBuckets(64, 4.0, 8),
	})

	CipherRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sttp",
		Subsystem: "goapi",
		Name:      "cipher_rotation_cnt",
		Help:      "The number of publisher-side cipher key-pair rotations since program start",
	})

	prometheus.MustRegister(
		PacketsReceived,
		PacketsSent,
		DecodeErrors,
		Reconnects,
		MeasurementsReceived,
		MeasurementsPublished,
		DataPacketSizes,
		CipherRotations,
	)
}
