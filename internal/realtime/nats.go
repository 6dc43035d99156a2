package realtime

import (
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDialer returns a DialFunc backed by a NATS connection to url. The
// credential's bearer token authenticates the connection; reconnection is
// handled by the transport and surfaced only through onStatus.
func NATSDialer(url string) DialFunc {
	return func(cred Credential, onStatus func(connected bool)) (Conn, error) {
		nc, err := nats.Connect(url,
			nats.Token(cred.Token),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) {
				onStatus(false)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				onStatus(true)
			}),
		)
		if err != nil {
			return nil, err
		}
		return &natsConn{nc: nc}, nil
	}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	// One handler per subscription: NATS delivers messages for a single
	// subscription sequentially, preserving the FIFO contract.
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *natsConn) Close() {
	c.nc.Close()
}
