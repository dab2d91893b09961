package publisher

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Session is the narrow surface the publisher needs from a bus connection.
// A real session wraps a paho client; the disconnected stub below
// satisfies it too, so callers never have to branch on broker health.
type Session interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// pahoSession is the real bus session used when the embedded broker
// started successfully.
type pahoSession struct {
	client mqtt.Client
	logger *zap.Logger
}

// Connect dials the broker at addr as clientID, the publisher's own
// dedicated session, kept distinct from the request handler's session so a
// slow historical fetch never blocks price publishing.
func Connect(addr, clientID string, logger *zap.Logger) (Session, error) {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting publisher session to %s", addr)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect publisher session to %s: %w", addr, err)
	}

	logger.Info("publisher session connected", zap.String("client_id", clientID), zap.String("broker", addr))
	return &pahoSession{client: client, logger: logger}, nil
}

func (s *pahoSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := s.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (s *pahoSession) Disconnect() {
	s.client.Disconnect(250)
}

// stubSession is installed when the embedded broker fails to start. It
// accepts every publish and drops it, degrading the service to HTTP-only
// mode rather than panicking or blocking callers.
type stubSession struct {
	logger *zap.Logger
}

// NewDisconnectedStub builds the fallback session used when the broker
// could not be started.
func NewDisconnectedStub(logger *zap.Logger) Session {
	return &stubSession{logger: logger}
}

func (s *stubSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	s.logger.Debug("dropping publish: broker unavailable", zap.String("topic", topic))
	return nil
}

func (s *stubSession) Disconnect() {}
