package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"rangefinder-go/bus"
	"rangefinder-go/drivers/ping/pingsim"
	"rangefinder-go/errcode"
	"rangefinder-go/internal/app"
	"rangefinder-go/internal/config"
	"rangefinder-go/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	closed bool
	err    error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, append([]byte(nil), payload...)})
	return f.err
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePublisher) snapshot() ([]published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...), f.closed
}

type harness struct {
	app   *app.App
	bus   *bus.Bus
	sim   *pingsim.EchoSim
	sched *pingsim.ManualScheduler
	log   *lockedBuffer

	cancel context.CancelFunc
	done   chan error
}

func testConfig() *config.Config {
	return &config.Config{
		Pin:         "D2",
		PeriodMs:    1000,
		Enabled:     true,
		EchoTimeout: 5 * time.Millisecond,
		LogLevel:    "debug",
		MQTT: config.MQTT{
			Topic:          "rangefinder/D2/distance",
			ClientID:       "test",
			QoS:            1,
			ConnectTimeout: time.Second,
		},
	}
}

func start(t *testing.T, cfg *config.Config, dial app.Dialer, extra ...app.Option) *harness {
	t.Helper()
	sim, clk := pingsim.NewStepped(10, pingsim.TicksForDistance(42))
	h := &harness{
		bus:   bus.NewBus(16),
		sim:   sim,
		sched: &pingsim.ManualScheduler{},
		log:   &lockedBuffer{},
		done:  make(chan error, 1),
	}
	opts := []app.Option{app.WithBus(h.bus), app.WithScheduler(h.sched.New)}
	if dial != nil {
		opts = append(opts, app.WithDialer(dial))
	}
	opts = append(opts, extra...)
	h.app = app.New(cfg, logger.NewJSON(h.log, cfg.LogLevel), sim, clk, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.app.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) waitRunning(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.app.RangeFinder() != nil }, time.Second, time.Millisecond)
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func recv(t *testing.T, sub *bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message on " + sub.Topic().String())
		return nil
	}
}

func TestReadingsReachBusAndBroker(t *testing.T) {
	pub := &fakePublisher{}
	cfg := testConfig()
	cfg.MQTT.Broker = "tcp://broker:1883"
	h := start(t, cfg, func(m config.MQTT) (app.Publisher, error) {
		assert.Equal(t, "tcp://broker:1883", m.Broker)
		return pub, nil
	})

	watch := h.bus.NewConnection("test").Subscribe(app.DistanceTopic("D2"))
	h.waitRunning(t)
	require.True(t, h.sched.Fire())

	m := recv(t, watch)
	s, ok := m.Payload.(app.Sample)
	require.True(t, ok, "payload %T", m.Payload)
	assert.Equal(t, "D2", s.ID)
	assert.Equal(t, 42, s.DistanceCm)
	assert.NotZero(t, s.TsMs)
	assert.True(t, m.Retained)

	require.Eventually(t, func() bool {
		msgs, _ := pub.snapshot()
		return len(msgs) == 1
	}, time.Second, time.Millisecond)
	msgs, _ := pub.snapshot()
	assert.Equal(t, "rangefinder/D2/distance", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retained)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &wire))
	assert.Equal(t, "D2", wire["id"])
	assert.Equal(t, float64(42), wire["distance_cm"])
	assert.Contains(t, wire, "ts_ms")

	// Late subscribers see the last reading.
	late := h.bus.NewConnection("late").Subscribe(app.DistanceTopic("D2"))
	assert.Equal(t, 42, recv(t, late).Payload.(app.Sample).DistanceCm)

	h.stop(t)
	_, closed := pub.snapshot()
	assert.True(t, closed, "broker connection closed on shutdown")
	assert.True(t, h.sim.Closed(), "pin released on shutdown")
	assert.True(t, h.sched.Stopped())
	assert.Contains(t, h.log.String(), `"distance_cm":42`)
	assert.Contains(t, h.log.String(), "rangefinder stopped")
}

func TestFaultsArePublishedAndLogged(t *testing.T) {
	h := start(t, testConfig(), nil)
	faults := h.bus.NewConnection("test").Subscribe(app.FaultTopic("D2"))
	h.waitRunning(t)

	h.sim.SetSilent(true)
	require.True(t, h.sched.Fire())
	f := recv(t, faults).Payload.(app.Fault)
	assert.Equal(t, string(errcode.Timeout), f.Code)
	assert.Contains(t, f.Error, "await_rising")
	assert.True(t, h.app.RangeFinder().Enabled(), "timeouts keep the schedule")

	h.sim.SetSilent(false)
	h.sim.Fail("set", errors.New("gpio busy"))
	require.True(t, h.sched.Fire())
	f = recv(t, faults).Payload.(app.Fault)
	assert.Equal(t, string(errcode.PinFault), f.Code)
	assert.False(t, h.app.RangeFinder().Enabled(), "pin fault disables")
	assert.False(t, h.sched.Fire())

	h.stop(t)
	out := h.log.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error_code":"pin_fault"`)
}

func TestDisabledStartDoesNotMeasure(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	h := start(t, cfg, nil)
	h.waitRunning(t)

	assert.False(t, h.sched.Fire())
	assert.Equal(t, 0, h.sim.Triggers())

	h.app.RangeFinder().SetEnabled(true)
	assert.True(t, h.sched.Fire())
	assert.Equal(t, 1, h.sim.Triggers())
}

func TestNoBrokerSkipsDial(t *testing.T) {
	h := start(t, testConfig(), func(config.MQTT) (app.Publisher, error) {
		t.Error("dialer called without a broker")
		return nil, errors.New("unexpected")
	})
	h.waitRunning(t)
	h.stop(t)
}

func TestDialFailureStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Broker = "tcp://nowhere:1883"
	refused := errors.New("connection refused")
	a := app.New(cfg, logger.NewJSON(&lockedBuffer{}, "info"), nil, nil,
		app.WithDialer(func(config.MQTT) (app.Publisher, error) { return nil, refused }))

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, refused)
	assert.Nil(t, a.RangeFinder())
}

func TestNilPinIsRejected(t *testing.T) {
	a := app.New(testConfig(), logger.NewJSON(&lockedBuffer{}, "info"), nil, nil)
	err := a.Run(context.Background())
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestPublishErrorsAreLogged(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	cfg := testConfig()
	cfg.MQTT.Broker = "tcp://broker:1883"
	h := start(t, cfg, func(config.MQTT) (app.Publisher, error) { return pub, nil })
	h.waitRunning(t)
	require.True(t, h.sched.Fire())

	require.Eventually(t, func() bool {
		msgs, _ := pub.snapshot()
		return len(msgs) == 1
	}, time.Second, time.Millisecond)
	h.stop(t)
	assert.Contains(t, h.log.String(), "mqtt publish failed")
}

func gauge(reg *prometheus.Registry, name string) (float64, bool) {
	families, err := reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue(), true
		}
		return m.GetCounter().GetValue(), true
	}
	return 0, false
}

func TestMetricsFollowReadings(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := start(t, testConfig(), nil, app.WithRegistry(reg))
	h.waitRunning(t)

	_, ok := gauge(reg, "rangefinder_distance_cm")
	assert.False(t, ok)

	require.True(t, h.sched.Fire())
	require.Eventually(t, func() bool {
		v, ok := gauge(reg, "rangefinder_distance_cm")
		return ok && v == 42
	}, time.Second, time.Millisecond)

	v, _ := gauge(reg, "rangefinder_readings_total")
	assert.Equal(t, float64(1), v)
	v, _ = gauge(reg, "rangefinder_cycles_total")
	assert.Equal(t, float64(1), v)
}

func TestMetricsAddressErrorStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "not-an-address"
	sim, clk := pingsim.NewStepped(10, pingsim.TicksForDistance(42))
	a := app.New(cfg, logger.NewJSON(&lockedBuffer{}, "info"), sim, clk,
		app.WithScheduler((&pingsim.ManualScheduler{}).New))

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, sim.Closed(), "pin released when startup fails")
}
