// Package metrics is the concrete production implementation of the
// message-counter capability the core (networks/p2p) accepts through an
// interface rather than importing prometheus directly (spec §4.5,
// §1 "out of scope, only their interfaces to the core are specified").
// Grounded on cmd/kcn/main.go's prometheus/promhttp exporter wiring
// (prometheus.DefaultRegisterer, promhttp.Handler(), http.ListenAndServe);
// the teacher's own github.com/ground-x/klaytn/metrics package is not part
// of the retrieval pack, so this is new code in the same vein rather than
// an adaptation of an existing file.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bisgardo/concordium-node/log"
)

var logger = log.NewModuleLogger(log.Common)

// Counters is the capability interface the node event loop and its
// connections hold a reference to (as p2p.MetricsSink, which has the same
// shape); they call it on every send/receive/drop without knowing
// anything about prometheus. Satisfied by *Prometheus below.
type Counters interface {
	MessageSent(network uint16)
	MessageReceived(network uint16)
	MessageDropped(network uint16, reason string)
}

// Prometheus is the production Counters implementation: three CounterVecs
// registered against a caller-supplied prometheus.Registerer, labeled by
// network id (and, for drops, a reason) the way the teacher labels chain
// metrics elsewhere in its go.mod-declared client_golang usage.
type Prometheus struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

// NewPrometheus registers the counters against reg and returns the bound
// Counters implementation. Passing prometheus.DefaultRegisterer matches
// cmd/kcn/main.go's exporter setup.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concordium_p2p",
			Name:      "messages_sent_total",
			Help:      "Envelopes sent to a connection, by network id.",
		}, []string{"network"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concordium_p2p",
			Name:      "messages_received_total",
			Help:      "Envelopes delivered from a connection, by network id.",
		}, []string{"network"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concordium_p2p",
			Name:      "messages_dropped_total",
			Help:      "Envelopes dropped before delivery, by network id and reason.",
		}, []string{"network", "reason"}),
	}
	reg.MustRegister(p.sent, p.received, p.dropped)
	return p
}

func (p *Prometheus) MessageSent(network uint16) {
	p.sent.WithLabelValues(networkLabel(network)).Inc()
}

func (p *Prometheus) MessageReceived(network uint16) {
	p.received.WithLabelValues(networkLabel(network)).Inc()
}

func (p *Prometheus) MessageDropped(network uint16, reason string) {
	p.dropped.WithLabelValues(networkLabel(network), reason).Inc()
}

func networkLabel(network uint16) string {
	return strconv.Itoa(int(network))
}

// Serve starts the blocking /metrics HTTP exporter on addr, mirroring
// cmd/kcn/main.go's http.Handle("/metrics", promhttp.Handler()) plus
// http.ListenAndServe pattern. Callers run it in its own goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("starting prometheus exporter", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("prometheus exporter stopped", "addr", addr, "err", err)
	}
}
