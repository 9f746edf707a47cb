package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/config"
	"github.com/conduithq/conduit/internal/common/logger"
)

// natsSubjectPrefix is the subject namespace for mirrored events. The
// session id is appended as the final token so external consumers can
// subscribe per session (conduit.events.<session_id>).
const natsSubjectPrefix = "conduit.events"

// NATSMirror publishes a copy of every bus event to a NATS server.
// Local delivery never depends on the mirror; publish failures are reported
// to the bus and logged there.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSMirror connects to NATS with reconnection logic.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS event mirror", zap.String("url", cfg.URL))
	return &NATSMirror{conn: conn, logger: log}, nil
}

// Publish mirrors one event to conduit.events.<session_id>.
func (m *NATSMirror) Publish(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := natsSubjectPrefix
	if event.SessionID != "" {
		subject = natsSubjectPrefix + "." + event.SessionID
	}
	if err := m.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("NATS drain failed", zap.Error(err))
		m.conn.Close()
	}
}
