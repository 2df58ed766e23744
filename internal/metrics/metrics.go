// Package metrics holds the Prometheus collectors of the proxy and the chat server.
// Each process role registers on its own registry so several instances can
// live in one test binary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatmesh"

type Proxy struct {
	Servers   prometheus.Gauge
	Routes    *prometheus.CounterVec
	Probes    prometheus.Counter
	Evictions prometheus.Counter
}

func NewProxy(reg prometheus.Registerer) *Proxy {
	f := promauto.With(reg)
	return &Proxy{
		Servers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "servers",
			Help: "Chat servers currently registered.",
		}),
		Routes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "routes_total",
			Help: "Client routing requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Probes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "heartbeat_probes_total",
			Help: "are_you_online probes sent.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "evictions_total",
			Help: "Servers dropped after missing heartbeats.",
		}),
	}
}

type Server struct {
	Sessions       prometheus.Gauge
	Rooms          prometheus.Gauge
	Peers          prometheus.Gauge
	Commands       *prometheus.CounterVec
	GossipSent     *prometheus.CounterVec
	GossipReceived *prometheus.CounterVec
	Swept          prometheus.Counter
}

func NewServer(reg prometheus.Registerer, server string) *Server {
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"server": server}, reg))
	return &Server{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "sessions",
			Help: "Local client sessions.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "rooms",
			Help: "Local named rooms.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "peers",
			Help: "Connected peer servers.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "commands_total",
			Help: "Client commands handled by kind.",
		}, []string{"kind"}),
		GossipSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "gossip_sent_total",
			Help: "Replication events sent to peers by kind.",
		}, []string{"kind"}),
		GossipReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "gossip_received_total",
			Help: "Replication events received from peers by kind.",
		}, []string{"kind"}),
		Swept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "swept_sessions_total",
			Help: "Sessions removed by the liveness sweeper.",
		}),
	}
}
