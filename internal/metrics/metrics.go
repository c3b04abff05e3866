// Package metrics exposes the ingest pipeline's Prometheus counters and
// gauges and the HTTP endpoint that serves them.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter and gauge the ingest pipeline exports.
// It is built once at startup and shared, by reference, with whichever
// component drives each number: the receiver for rx/decode counters, the
// writer thread for completion/timeout/frames-written counters, the
// assembler's buffer-exhausted log line for the drop counter, and the
// control plane for its own errors.
type Metrics struct {
	rxPackets           prometheus.Counter
	shortHeader         prometheus.Counter
	packetRejected      prometheus.Counter
	payloadSizeMismatch prometheus.Counter

	framesCompleted prometheus.Counter
	framesTimedOut  prometheus.Counter
	framesDropped   prometheus.Counter

	framesWritten prometheus.Counter
	bufferFree    prometheus.Gauge

	controlErrors prometheus.Counter
}

// New builds an unregistered Metrics. Call Register before serving them.
func New() *Metrics {
	return &Metrics{
		rxPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rx_packets_total",
			Help: "Total UDP packets received",
		}),
		shortHeader: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_short_header_total",
			Help: "Total packets discarded for a header shorter than the fixed preamble",
		}),
		packetRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_packet_rejected_total",
			Help: "Total packets discarded for a type, subframe, or packet number outside the sensor profile",
		}),
		payloadSizeMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_payload_size_mismatch_total",
			Help: "Total packets discarded because the payload length did not match the expected packet size",
		}),
		framesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_completed_total",
			Help: "Total frames that received every expected packet",
		}),
		framesTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_timed_out_total",
			Help: "Total frames evicted by the assembler's timeout sweep before completing",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_dropped_total",
			Help: "Total times the assembler started dropping frames for lack of a free frame buffer; each run of consecutive dropped frames counts once",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_written_total",
			Help: "Total frames persisted to the container file",
		}),
		bufferFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_buffer_free",
			Help: "Frame buffers currently unassigned in the pool",
		}),
		controlErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_control_errors_total",
			Help: "Total control-plane requests that returned an error",
		}),
	}
}

// Register adds every metric to the default Prometheus registry.
func (m *Metrics) Register() {
	prometheus.MustRegister(
		m.rxPackets, m.shortHeader, m.packetRejected, m.payloadSizeMismatch,
		m.framesCompleted, m.framesTimedOut, m.framesDropped,
		m.framesWritten, m.bufferFree, m.controlErrors,
	)
}

func (m *Metrics) RxPacket()            { m.rxPackets.Inc() }
func (m *Metrics) ShortHeader()         { m.shortHeader.Inc() }
func (m *Metrics) PacketRejected()      { m.packetRejected.Inc() }
func (m *Metrics) PayloadSizeMismatch() { m.payloadSizeMismatch.Inc() }

func (m *Metrics) FrameCompleted() { m.framesCompleted.Inc() }
func (m *Metrics) FrameTimedOut()  { m.framesTimedOut.Inc() }
func (m *Metrics) FrameDropped()   { m.framesDropped.Inc() }

func (m *Metrics) FrameWritten()       { m.framesWritten.Inc() }
func (m *Metrics) SetBufferFree(n int) { m.bufferFree.Set(float64(n)) }

func (m *Metrics) ControlError() { m.controlErrors.Inc() }

// ControlErrorsCounter exposes the underlying counter for tests that want
// to assert on its value via prometheus/testutil.
func (m *Metrics) ControlErrorsCounter() prometheus.Counter { return m.controlErrors }

// StartPrometheus registers m and serves it at addr under /metrics. It
// runs the HTTP server in its own goroutine and returns immediately.
func StartPrometheus(addr string, m *Metrics) {
	m.Register()
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("metrics: listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Printf("metrics: serve error: %v", err)
		}
	}()
}
