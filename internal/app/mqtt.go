package app

import (
	"fmt"
	"time"

	"rangefinder-go/errcode"
	"rangefinder-go/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the outbound side of the broker bridge.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Dialer opens a Publisher for the given broker settings.
type Dialer func(cfg config.MQTT) (Publisher, error)

type pahoPublisher struct {
	c       mqtt.Client
	timeout time.Duration
}

// DialMQTT connects to cfg.Broker with paho and waits for the CONNACK.
func DialMQTT(cfg config.MQTT) (Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, &errcode.E{C: errcode.Timeout, Op: "mqtt_connect", Msg: cfg.Broker}
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &pahoPublisher{c: c, timeout: cfg.ConnectTimeout}, nil
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tok := p.c.Publish(topic, qos, retained, payload)
	if qos == 0 {
		return nil
	}
	if !tok.WaitTimeout(p.timeout) {
		return &errcode.E{C: errcode.Timeout, Op: "mqtt_publish", Msg: topic}
	}
	return tok.Error()
}

func (p *pahoPublisher) Close() {
	p.c.Disconnect(250)
}
