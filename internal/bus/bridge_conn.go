package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// BridgeConn exposes the raw subject-level publish/subscribe the gateway
// bridge works with, satisfying gwbridge.BusConn. The bridge deals in
// gateway.<id>.rx/tx subjects directly rather than the per-DevEUI routing
// the coordinator-facing Bus adds on top.
type BridgeConn struct {
	nc *nats.Conn
}

// NewBridgeConn wraps an already-connected NATS connection.
func NewBridgeConn(nc *nats.Conn) *BridgeConn {
	return &BridgeConn{nc: nc}
}

// Publish sends data on subject.
func (c *BridgeConn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject (wildcards allowed) and returns
// the matching unsubscribe.
func (c *BridgeConn) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}
