// Package app wires a RangeFinder to the in-process bus and its consumers.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"rangefinder-go/bus"
	"rangefinder-go/drivers/ping"
	"rangefinder-go/errcode"
	"rangefinder-go/internal/config"
	"rangefinder-go/internal/logger"
	"rangefinder-go/internal/metrics"
	"rangefinder-go/x/timex"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Sample is the published form of a Reading.
type Sample struct {
	ID         string `json:"id"`
	DistanceCm int    `json:"distance_cm"`
	TsMs       int64  `json:"ts_ms"`
}

// Fault is published for echo timeouts and pin faults.
type Fault struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Error string `json:"error"`
	TsMs  int64  `json:"ts_ms"`
}

// DistanceTopic carries retained Samples for id.
func DistanceTopic(id string) bus.Topic { return bus.T("ping", id, "distance") }

// FaultTopic carries Faults for id.
func FaultTopic(id string) bus.Topic { return bus.T("ping", id, "fault") }

type Option func(*App)

// WithRegistry registers the RangeFinder collector on reg. Without it a
// private registry is created when metrics_addr is set.
func WithRegistry(reg *prometheus.Registry) Option { return func(a *App) { a.reg = reg } }

// WithBus shares an existing bus.
func WithBus(b *bus.Bus) Option { return func(a *App) { a.bus = b } }

// WithDialer replaces the paho dialer.
func WithDialer(d Dialer) Option { return func(a *App) { a.dial = d } }

// WithScheduler replaces the RangeFinder's scheduler factory.
func WithScheduler(f func(fn func()) ping.Scheduler) Option {
	return func(a *App) { a.newScheduler = f }
}

// App runs one RangeFinder until its context ends.
type App struct {
	cfg   *config.Config
	log   zerolog.Logger
	pin   ping.Pin
	clock ping.Clock

	bus          *bus.Bus
	dial         Dialer
	newScheduler func(fn func()) ping.Scheduler
	reg          *prometheus.Registry

	mu sync.Mutex
	rf *ping.RangeFinder
}

func New(cfg *config.Config, log zerolog.Logger, pin ping.Pin, clock ping.Clock, opts ...Option) *App {
	a := &App{cfg: cfg, log: log, pin: pin, clock: clock, dial: DialMQTT}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = bus.NewBus(16)
	}
	return a
}

func (a *App) Bus() *bus.Bus { return a.bus }

// RangeFinder returns the running instance, or nil before Run.
func (a *App) RangeFinder() *ping.RangeFinder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rf
}

// Run measures until ctx is cancelled, then closes the RangeFinder and the
// broker connection.
func (a *App) Run(ctx context.Context) error {
	id := a.cfg.Pin
	conn := a.bus.NewConnection("rangefinder")
	defer conn.Disconnect()

	var pub Publisher
	if a.cfg.MQTT.Broker != "" {
		p, err := a.dial(a.cfg.MQTT)
		if err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
		pub = p
		defer pub.Close()
		a.log.Info().Str("broker", a.cfg.MQTT.Broker).Str("topic", a.cfg.MQTT.Topic).Msg("mqtt bridge connected")
	}

	var wg sync.WaitGroup
	console := conn.Subscribe(bus.T("ping", id, "+"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.consoleLoop(console)
	}()
	if pub != nil {
		bridge := conn.Subscribe(DistanceTopic(id))
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.bridgeLoop(bridge, pub)
		}()
	}

	rf, err := ping.New(ping.Config{
		ID:           id,
		Pin:          a.pin,
		PeriodMs:     a.cfg.PeriodMs,
		EchoTimeout:  a.cfg.EchoTimeout,
		Clock:        a.clock,
		NewScheduler: a.newScheduler,
		OnError: func(err error) {
			conn.Publish(a.bus.NewMessage(FaultTopic(id), Fault{
				ID:    id,
				Code:  string(errcode.Of(err)),
				Error: err.Error(),
				TsMs:  timex.NowMs(),
			}, false))
		},
	})
	if err != nil {
		conn.Disconnect()
		wg.Wait()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.startMetrics(runCtx, rf, conn, &wg); err != nil {
		_ = rf.Close()
		conn.Disconnect()
		wg.Wait()
		return fmt.Errorf("metrics: %w", err)
	}

	rf.Subscribe(ping.SubscriberFunc(func(r ping.Reading) {
		conn.Publish(a.bus.NewMessage(DistanceTopic(id), Sample{
			ID:         id,
			DistanceCm: r.Distance,
			TsMs:       timex.NowMs(),
		}, true))
	}))
	// Enable only once subscribed; the first tick fires immediately.
	rf.SetEnabled(a.cfg.Enabled)
	a.mu.Lock()
	a.rf = rf
	a.mu.Unlock()

	a.log.Info().
		Str("pin", id).
		Int("period_ms", rf.Period()).
		Bool("enabled", rf.Enabled()).
		Dur("echo_timeout", a.cfg.EchoTimeout).
		Msg("rangefinder started")

	<-ctx.Done()
	cancel()

	if err := rf.Close(); err != nil {
		logger.Err(a.log.Warn(), err).Msg("closing pin")
	}
	conn.Disconnect()
	wg.Wait()

	st := rf.Stats()
	a.log.Info().
		Uint32("cycles", st.Cycles).
		Uint32("readings", st.Readings).
		Uint32("timeouts", st.Timeouts).
		Uint32("skipped", st.Skipped).
		Uint32("faults", st.Faults).
		Msg("rangefinder stopped")
	return nil
}

// startMetrics registers the collector and, when metrics_addr is set, serves
// it until ctx ends.
func (a *App) startMetrics(ctx context.Context, rf *ping.RangeFinder, conn *bus.Connection, wg *sync.WaitGroup) error {
	reg := a.reg
	if reg == nil && a.cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
	}
	if reg == nil {
		return nil
	}
	col := metrics.NewCollector(rf)
	if err := reg.Register(col); err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(a.cfg.MetricsAddr, reg)
		if err != nil {
			reg.Unregister(col)
			return err
		}
		a.log.Info().Str("addr", srv.Addr()).Msg("serving metrics")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				a.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sub := conn.Subscribe(DistanceTopic(rf.ID()))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.Channel() {
			if s, ok := msg.Payload.(Sample); ok {
				col.Observe(s.DistanceCm)
			}
		}
	}()
	return nil
}

func (a *App) consoleLoop(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		switch p := msg.Payload.(type) {
		case Sample:
			a.log.Info().Str("pin", p.ID).Int("distance_cm", p.DistanceCm).Msg("reading")
		case Fault:
			ev := a.log.Warn()
			if p.Code == string(errcode.PinFault) {
				ev = a.log.Error()
			}
			ev.Str("pin", p.ID).Str("error_code", p.Code).Str("error", p.Error).Msg("measurement failed")
		}
	}
}

func (a *App) bridgeLoop(sub *bus.Subscription, pub Publisher) {
	qos := byte(a.cfg.MQTT.QoS)
	for msg := range sub.Channel() {
		s, ok := msg.Payload.(Sample)
		if !ok {
			continue
		}
		b, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if err := pub.Publish(a.cfg.MQTT.Topic, qos, true, b); err != nil {
			logger.Err(a.log.Warn(), err).Str("topic", a.cfg.MQTT.Topic).Msg("mqtt publish failed")
		}
	}
}
