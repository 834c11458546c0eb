// Package metrics exposes RangeFinder counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"rangefinder-go/drivers/ping"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rangefinder"

// Source is the part of a RangeFinder the collector reads.
type Source interface {
	ID() string
	Stats() ping.Stats
}

// Collector reports Stats as counters and the last distance as a gauge.
// Counters are read at scrape time; nothing is copied between scrapes.
type Collector struct {
	src Source

	cycles   *prometheus.Desc
	readings *prometheus.Desc
	timeouts *prometheus.Desc
	skipped  *prometheus.Desc
	faults   *prometheus.Desc
	distance *prometheus.Desc

	mu   sync.Mutex
	last float64
	seen bool
}

func NewCollector(src Source) *Collector {
	labels := prometheus.Labels{"pin": src.ID()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		src:      src,
		cycles:   desc("cycles_total", "Measurement protocol executions started."),
		readings: desc("readings_total", "Readings delivered or cached."),
		timeouts: desc("timeouts_total", "Cycles abandoned waiting for an echo edge."),
		skipped:  desc("skipped_total", "Scheduled cycles dropped while another was running."),
		faults:   desc("pin_faults_total", "Cycles aborted by a pin error."),
		distance: desc("distance_cm", "Last measured distance in centimetres."),
	}
}

// Observe records the latest distance.
func (c *Collector) Observe(cm int) {
	c.mu.Lock()
	c.last, c.seen = float64(cm), true
	c.mu.Unlock()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cycles
	ch <- c.readings
	ch <- c.timeouts
	ch <- c.skipped
	ch <- c.faults
	ch <- c.distance
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	counter := func(d *prometheus.Desc, v uint32) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.cycles, st.Cycles)
	counter(c.readings, st.Readings)
	counter(c.timeouts, st.Timeouts)
	counter(c.skipped, st.Skipped)
	counter(c.faults, st.Faults)

	c.mu.Lock()
	last, seen := c.last, c.seen
	c.mu.Unlock()
	if seen {
		ch <- prometheus.MustNewConstMetric(c.distance, prometheus.GaugeValue, last)
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Handler serves reg on /metrics and a liveness probe on /health.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Server is a bound metrics endpoint.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Listen binds addr so that address errors surface before serving.
func Listen(addr string, reg *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:  ln,
		srv: &http.Server{Handler: Handler(reg), ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
