// Package metrics wraps the Prometheus collectors apfd exposes for
// channel, byte, and rejection counts. Grounded on the collector/registration
// pattern in the example pack's go-biolatency exporter (prometheus.MustRegister
// at startup, promhttp.Handler() served over HTTP).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apfd"

// Collectors bundles every metric the daemon updates. The disabled
// *Collectors returned by New(false) degrades every method to a no-op so
// the daemon never has to branch on whether metrics are enabled; a nil
// *Collectors is not valid.
type Collectors struct {
	enabled bool

	channelsOpened  prometheus.Counter
	channelsClosed  prometheus.Counter
	bytesTotal      *prometheus.CounterVec
	forwardPorts    prometheus.Gauge
	forwardRejected *prometheus.CounterVec
	acceptThrottled prometheus.Counter
}

// Directions for the bytesTotal counter vec.
const (
	DirTCPToME = "tcp_to_me"
	DirMEToTCP = "me_to_tcp"
)

// New builds a Collectors. When enabled is false, every recording method
// is a safe no-op and nothing is registered.
func New(enabled bool) *Collectors {
	c := &Collectors{enabled: enabled}
	if !enabled {
		return c
	}

	c.channelsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "channels_opened_total",
		Help: "APF channels successfully opened (ChannelOpenConfirm received).",
	})
	c.channelsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "channels_closed_total",
		Help: "APF channels torn down, from either direction.",
	})
	c.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "bytes_total",
		Help: "Bytes pumped between TCP sockets and the ME, by direction.",
	}, []string{"direction"})
	c.forwardPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "forward_ports_granted",
		Help: "Currently listening ports granted by an accepted tcpip-forward.",
	})
	c.forwardRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "forward_requests_rejected_total",
		Help: "tcpip-forward requests rejected, by reason.",
	}, []string{"reason"})
	c.acceptThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "accept_throttled_total",
		Help: "Incoming client connections dropped by the accept-rate limiter.",
	})

	prometheus.MustRegister(
		c.channelsOpened, c.channelsClosed, c.bytesTotal,
		c.forwardPorts, c.forwardRejected, c.acceptThrottled,
	)
	return c
}

func (c *Collectors) ChannelOpened() {
	if !c.enabled {
		return
	}
	c.channelsOpened.Inc()
}

func (c *Collectors) ChannelClosed() {
	if !c.enabled {
		return
	}
	c.channelsClosed.Inc()
}

func (c *Collectors) BytesTransferred(direction string, n int) {
	if !c.enabled || n <= 0 {
		return
	}
	c.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (c *Collectors) ForwardGranted() {
	if !c.enabled {
		return
	}
	c.forwardPorts.Inc()
}

func (c *Collectors) ForwardRevoked() {
	if !c.enabled {
		return
	}
	c.forwardPorts.Dec()
}

func (c *Collectors) ForwardRejected(reason string) {
	if !c.enabled {
		return
	}
	c.forwardRejected.WithLabelValues(reason).Inc()
}

func (c *Collectors) AcceptThrottled() {
	if !c.enabled {
		return
	}
	c.acceptThrottled.Inc()
}

// Serve starts a background HTTP server exposing /metrics on addr. It runs
// on its own goroutine, reading only the atomic counters above; it never
// touches Session or channel state, so it is exempt from the daemon's
// single-event-loop-thread rule.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return nil
}
