package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/librescoot/evse-service/internal/log"
)

type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	KeepAlive uint16
}

// MQTT publishes notifications to a broker. Messages published while the
// connection is down fail and are logged by the Notifier.
type MQTT struct {
	cfg    MQTTConfig
	logger *log.Logger
	cm     *autopaho.ConnectionManager
}

func NewMQTT(cfg MQTTConfig, logger *log.Logger) (*MQTT, error) {
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("invalid mqtt broker url %q: %w", cfg.BrokerURL, err)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	return &MQTT{cfg: cfg, logger: logger}, nil
}

// Start connects in the background; autopaho keeps reconnecting until ctx
// is done.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(m.cfg.BrokerURL)

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     m.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                5 * time.Second,
		ConnectUsername:               m.cfg.Username,
		ConnectPassword:               []byte(m.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, ack *paho.Connack) {
			m.logger.Infof("MQTT connection to %s established", m.cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			m.logger.Warnf("MQTT connection failed, retrying: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
			OnClientError: func(err error) {
				m.logger.Errorf("MQTT client error: %v", err)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start mqtt client: %w", err)
	}
	m.cm = cm
	return nil
}

func (m *MQTT) ID() string {
	return "mqtt:" + m.cfg.Topic
}

func (m *MQTT) Notify(ctx context.Context, n Notification) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic,
		QoS:     1,
		Payload: payload,
	})
	return err
}

func (m *MQTT) Disconnect(ctx context.Context) {
	if m.cm == nil {
		return
	}
	if err := m.cm.Disconnect(ctx); err != nil {
		m.logger.Warnf("MQTT disconnect: %v", err)
	}
}
