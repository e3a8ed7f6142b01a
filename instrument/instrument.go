// Package instrument counts duplex traffic with Prometheus by decorating the
// handlers of a Server or Client.
package instrument

import (
	"github.com/TheSmallBoat/tcpduplex/duplex"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Collector)(nil)

type Collector struct {
	open     prometheus.Gauge
	accepted prometheus.Counter
	closed   prometheus.Counter
	received prometheus.Counter
	sent     prometheus.Counter
	errors   prometheus.Counter
}

// NewCollector builds the collectors of one endpoint. role ends up as a
// constant "role" label so a server and a client can share a registry.
func NewCollector(namespace, role string) *Collector {
	labels := prometheus.Labels{"role": role}
	return &Collector{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connections_open",
			Help:        "Number of connections currently open",
			ConstLabels: labels,
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connections_total",
			Help:        "Total number of connections established",
			ConstLabels: labels,
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "disconnections_total",
			Help:        "Total number of connections closed",
			ConstLabels: labels,
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "received_bytes_total",
			Help:        "Total number of bytes read from peers",
			ConstLabels: labels,
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sent_bytes_total",
			Help:        "Total number of bytes written to peers",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Total number of faults reported",
			ConstLabels: labels,
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.open.Describe(ch)
	c.accepted.Describe(ch)
	c.closed.Describe(ch)
	c.received.Describe(ch)
	c.sent.Describe(ch)
	c.errors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.open.Collect(ch)
	c.accepted.Collect(ch)
	c.closed.Collect(ch)
	c.received.Collect(ch)
	c.sent.Collect(ch)
	c.errors.Collect(ch)
}

// Handler counts received bytes before passing the chunk on. next may be nil.
func (c *Collector) Handler(next duplex.Handler) duplex.Handler {
	if next == nil {
		next = duplex.DefaultHandler
	}
	return duplex.HandlerFunc(func(ctx *duplex.Context) error {
		c.received.Add(float64(len(ctx.Body())))
		return next.HandleMessage(ctx)
	})
}

func (c *Collector) SentHandler(next duplex.SentHandler) duplex.SentHandler {
	if next == nil {
		next = duplex.DefaultSentHandler
	}
	return duplex.SentHandlerFunc(func(conn *duplex.Conn, buf []byte) {
		c.sent.Add(float64(len(buf)))
		next.HandleSent(conn, buf)
	})
}

func (c *Collector) ErrorHandler(next duplex.ErrorHandler) duplex.ErrorHandler {
	if next == nil {
		next = duplex.DefaultErrorHandler
	}
	return duplex.ErrorHandlerFunc(func(conn *duplex.Conn, err error) {
		c.errors.Inc()
		next.HandleError(conn, err)
	})
}

func (c *Collector) ConnState(next duplex.ConnStateHandler) duplex.ConnStateHandler {
	if next == nil {
		next = duplex.DefaultConnStateHandler
	}
	return duplex.ConnStateHandlerFunc(func(conn *duplex.Conn, state duplex.ConnState) {
		switch state {
		case duplex.StateNew:
			c.open.Inc()
			c.accepted.Inc()
		case duplex.StateClosed:
			c.open.Dec()
			c.closed.Inc()
		}
		next.HandleConnState(conn, state)
	})
}

// Server wraps every handler of srv. Call it before the server starts.
func (c *Collector) Server(srv *duplex.Server) {
	srv.Handler = c.Handler(srv.Handler)
	srv.SentHandler = c.SentHandler(srv.SentHandler)
	srv.ErrorHandler = c.ErrorHandler(srv.ErrorHandler)
	srv.ConnState = c.ConnState(srv.ConnState)
}

// Client wraps every handler of client. Call it before connecting.
func (c *Collector) Client(client *duplex.Client) {
	client.Handler = c.Handler(client.Handler)
	client.SentHandler = c.SentHandler(client.SentHandler)
	client.ErrorHandler = c.ErrorHandler(client.ErrorHandler)
	client.ConnState = c.ConnState(client.ConnState)
}
