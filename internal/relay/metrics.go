package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"wormhole/internal/rendezvous"
	"wormhole/internal/services/transit"
)

var moodDesc = prometheus.NewDesc(
	"wormhole_rendezvous_closed_total",
	"Number of mailbox closes, by the mood the client reported",
	[]string{"mood"}, nil,
)

type moodCollector struct {
	srv *rendezvous.Server
}

func (m *moodCollector) Describe(ch chan<- *prometheus.Desc) { ch <- moodDesc }

func (m *moodCollector) Collect(ch chan<- prometheus.Metric) {
	for mood, n := range m.srv.Moods() {
		ch <- prometheus.MustNewConstMetric(moodDesc, prometheus.CounterValue, float64(n), mood)
	}
}

func rendezvousGauge(srv *rendezvous.Server, name, help string, f func(rendezvous.Stats) int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(f(srv.Stats())) },
	)
}

func newRegistry(srv *rendezvous.Server, tr *transit.RelayServer, requests *prometheus.CounterVec) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		rendezvousGauge(srv, "wormhole_rendezvous_connections", "Number of connected rendezvous clients",
			func(s rendezvous.Stats) int { return s.Connections }),
		rendezvousGauge(srv, "wormhole_rendezvous_nameplates", "Number of allocated nameplates",
			func(s rendezvous.Stats) int { return s.Nameplates }),
		rendezvousGauge(srv, "wormhole_rendezvous_mailboxes", "Number of open mailboxes",
			func(s rendezvous.Stats) int { return s.Mailboxes }),
		rendezvousGauge(srv, "wormhole_rendezvous_messages", "Number of messages held in mailboxes",
			func(s rendezvous.Stats) int { return s.Messages }),
		&moodCollector{srv: srv},

		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "wormhole_transit_waiting",
				Help: "Number of transit connections waiting for their peer",
			},
			func() float64 { return float64(tr.Stats().Waiting) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "wormhole_transit_active",
				Help: "Number of spliced transit pairs",
			},
			func() float64 { return float64(tr.Stats().Active) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "wormhole_transit_paired_total",
				Help: "Number of transit pairs spliced since start",
			},
			func() float64 { return float64(tr.Stats().Paired) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "wormhole_transit_bytes_total",
				Help: "Number of bytes relayed between transit pairs",
			},
			func() float64 { return float64(tr.Stats().Bytes) },
		),

		requests,
	)
	return reg
}

func newRequestCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wormhole_http_requests_total",
			Help: "Number of HTTP requests",
		},
		[]string{"path", "code"},
	)
}
