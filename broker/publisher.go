package broker

import (
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"spectacles-bridge/etf"
	"spectacles-bridge/gateway"
)

// Publisher forwards dispatched gateway packets onto a direct exchange,
// routed by event name. A Publisher with a non-empty event filter silently
// drops any event not in the set, the way the reference bridge does.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	group string

	events map[string]struct{}

	closeOnce sync.Once
}

// NewPublisher returns an unconnected Publisher; call Connect before Publish.
func NewPublisher() *Publisher { return &Publisher{} }

// Connect dials hostname:port, authenticates with the guest/guest PLAIN
// mechanism, and declares a durable direct exchange named group. events, if
// non-empty, restricts Publish to those event names.
func (p *Publisher) Connect(hostname string, port int, group string, events []string) *Error {
	raw, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", hostname, port), 10*time.Second)
	if err != nil {
		return wrapErr(ErrTCPSocket, "opening TCP socket", err)
	}

	conn, err := amqp.Open(raw, amqp.Config{
		SASL:  []amqp.Authentication{&amqp.PlainAuth{Username: "guest", Password: "guest"}},
		Vhost: "/",
	})
	if err != nil {
		return wrapErr(ErrRPC, "Logging in", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return wrapErr(ErrRPC, "Opening channel", err)
	}

	if err := ch.ExchangeDeclare(group, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return wrapErr(ErrRPC, "Declaring exchange", err)
	}

	p.conn = conn
	p.ch = ch
	p.group = group
	if len(events) > 0 {
		p.events = make(map[string]struct{}, len(events))
		for _, e := range events {
			p.events[e] = struct{}{}
		}
	}
	return nil
}

// Publish encodes packet.Data as ETF and publishes it to the declared
// exchange with the routing key set to the event name. Non-dispatch
// packets, and dispatch packets whose event isn't in the configured filter,
// are silently dropped.
func (p *Publisher) Publish(packet gateway.Packet) *Error {
	if packet.Op != gateway.OpDispatch {
		return nil
	}
	if p.events != nil {
		if _, ok := p.events[packet.Event]; !ok {
			return nil
		}
	}

	body, err := etf.Encode(packet.Data)
	if err != nil {
		return wrapErr(ErrAMQPStatus, "Publishing", err)
	}

	if err := p.ch.Publish(p.group, packet.Event, false, false, amqp.Publishing{Body: body}); err != nil {
		return wrapErr(ErrAMQPStatus, "Publishing", err)
	}
	return nil
}

// Close shuts the channel and connection down. Safe to call more than once.
func (p *Publisher) Close() *Error {
	var closeErr *Error
	p.closeOnce.Do(func() {
		if p.ch != nil {
			if err := p.ch.Close(); err != nil {
				closeErr = wrapErr(ErrRPC, "Closing channel", err)
				return
			}
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				closeErr = wrapErr(ErrRPC, "Closing connection", err)
			}
		}
	})
	return closeErr
}
