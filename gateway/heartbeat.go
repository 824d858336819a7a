package gateway

import (
	"context"
	"time"
)

// missedAckThreshold is the number of consecutive heartbeat intervals
// without an ACK before the connection is declared zombied (spec §4.4:
// "two consecutive intervals pass without ACK").
const missedAckThreshold = 2

// heartbeatLoop sends a HEARTBEAT every heartbeatInterval and watches for
// the zombied-connection condition, mirroring the teacher's ticker-driven
// Heartbeat/sendHeartbeat pair in websocket.go but generalized from a fixed
// 30s close-then-reconnect into the spec's two-missed-ack rule with an
// explicit 4000 close.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-c.readerDone:
			return
		case <-ticker.C:
			c.beat()
		}
	}
}

func (c *Connection) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
	defer cancel()

	if err := c.sendHeartbeat(ctx); err != nil {
		c.log.Warn("heartbeat send failed: %s", err)
	}

	sentAt := time.Unix(0, c.lastHeartbeatSent.Load())
	ackAt := time.Unix(0, c.lastHeartbeatAck.Load())

	if ackAt.Before(sentAt) && sentAt.Sub(ackAt) > time.Duration(missedAckThreshold)*c.heartbeatInterval {
		c.log.Warn("connection zombied: no heartbeat ack for %s", sentAt.Sub(ackAt))
		c.onTransportClosed(4000, "zombied connection")
		c.Disconnect()
	}
}
