// Package metrics defines the relay's Prometheus collectors. They are
// registered on Registry, which the admin RPC server exposes on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icprelay"

// Registry holds every relay collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Connection manager.
var (
	PeersConnected = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "net",
		Name:      "peers_connected",
		Help:      "Number of peers with an established session.",
	})
	ConnectFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "net",
		Name:      "connect_failures_total",
		Help:      "Outbound connect attempts that failed and will be retried.",
	})
	HandshakeRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "net",
		Name:      "handshake_rejections_total",
		Help:      "Handshakes rejected, by go-away reason.",
	}, []string{"reason"})
)

// Sync manager and block cache.
var (
	SyncRequests = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "requests_total",
		Help:      "Sync requests issued to peers.",
	})
	SyncTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "timeouts_total",
		Help:      "Sync requests abandoned after the response timeout.",
	})
	SyncWatermark = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "watermark",
		Help:      "Highest remote block number contiguously received.",
	})
	CacheBlocks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "blocks",
		Help:      "Remote blocks held in the block cache.",
	})
	CacheRejections = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "rejections_total",
		Help:      "Duplicate or stale blocks dropped by the block cache.",
	})
)

// Transaction pipeline and relay core.
var (
	TransactionsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "finished_total",
		Help:      "Relay transactions that reached a final state.",
	}, []string{"state"})
	TransactionsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "in_flight",
		Help:      "Relay transactions not yet confirmed or rejected.",
	})
	BlocksPushed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "blocks_pushed_total",
		Help:      "Local blocks pushed to peers.",
	})
	BlocksRelayed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "blocks_relayed_total",
		Help:      "Remote blocks confirmed on the local chain.",
	})
	SendPointer = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "send_pointer",
		Help:      "Highest local block number pushed to peers.",
	})
	RelayedPointer = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "relayed_pointer",
		Help:      "Highest remote block number irreversibly relayed.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
