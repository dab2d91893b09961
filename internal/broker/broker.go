// Package broker is the embedded pub/sub broker (C3): a local MQTT server
// bound to a TCP port, colocated with the publisher. It supports session
// establishment, single-level wildcard topic filters, retained messages,
// QoS 0/1 delivery, and keepalive — all native to the MQTT protocol, which
// is why this system embeds a real MQTT server rather than reinventing
// retained-topic fan-out on top of a plain pub/sub channel.
package broker

import (
	"fmt"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"

	"cryptopulse/internal/config"
)

// Broker wraps the embedded MQTT server and its single TCP listener.
type Broker struct {
	server *mqtt.Server
	logger *zap.Logger
	addr   string
}

// New constructs a Broker from the broker's TOML configuration. It binds
// the TCP listener synchronously so a bad address or port collision fails
// fast during startup, before Serve is ever called on a background
// goroutine.
func New(cfg *config.BrokerConfig, logger *zap.Logger) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{
		Capabilities: &mqtt.Capabilities{
			MaximumPacketSize:      cfg.Listener.MaxPacketSize,
			MaximumClientWritesPending: 1024,
			MaximumSessionExpiryInterval: 0,
		},
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to install allow-all auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "crypto-bus", Address: cfg.Listener.Address})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to bind broker listener on %s: %w", cfg.Listener.Address, err)
	}

	return &Broker{server: server, logger: logger.Named("broker"), addr: cfg.Listener.Address}, nil
}

// Run starts serving on its own goroutine and returns immediately; the
// listener was already bound in New. Serve errors after that point are
// logged rather than propagated, since nothing is left upstream to hand
// them to.
func (b *Broker) Run() {
	go func() {
		b.logger.Info("embedded broker serving", zap.String("address", b.addr))
		if err := b.server.Serve(); err != nil {
			b.logger.Error("embedded broker stopped serving", zap.Error(err))
		}
	}()
}

// Close shuts the broker down.
func (b *Broker) Close() error {
	return b.server.Close()
}

// Address returns the broker's bound TCP address, for clients dialing in.
func (b *Broker) Address() string {
	return b.addr
}
