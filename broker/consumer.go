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

// Consumer subscribes to one or more events on a direct exchange through a
// server-named, auto-delete queue, and delivers decoded packets to a
// handler on a background goroutine.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu        sync.Mutex
	open      bool
	closeOnce sync.Once

	onMessage func(routingKey string, p gateway.Packet)
	onError   func(*Error)
}

// NewConsumer returns an unconnected Consumer; register OnMessage/OnError
// before calling Connect.
func NewConsumer() *Consumer { return &Consumer{} }

// OnMessage registers the handler invoked with every delivered packet's
// routing key and decoded contents.
func (c *Consumer) OnMessage(f func(routingKey string, p gateway.Packet)) { c.onMessage = f }

// OnError registers the handler invoked when the background delivery loop
// sees the connection close with an error: ErrTCPSocket when the client
// side closed it after a transport failure, ErrRPC when the broker closed it.
func (c *Consumer) OnError(f func(*Error)) { c.onError = f }

// Connect dials hostname:port, declares the direct exchange group, binds a
// fresh auto-delete queue to each of events, and starts consuming in the
// background. Connect returns once subscriptions are established; delivery
// happens on its own goroutine.
func (c *Consumer) Connect(hostname string, port int, group string, events []string) *Error {
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

	q, err := ch.QueueDeclare("", false, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return wrapErr(ErrRPC, "Declaring queue", err)
	}

	for _, event := range events {
		if err := ch.QueueBind(q.Name, event, group, false, nil); err != nil {
			_ = conn.Close()
			return wrapErr(ErrRPC, "Binding queue", err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return wrapErr(ErrRPC, "Consuming", err)
	}

	c.conn = conn
	c.ch = ch
	c.open = true

	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.deliverLoop(deliveries, closeNotify)
	return nil
}

func (c *Consumer) deliverLoop(deliveries <-chan amqp.Delivery, closeNotify chan *amqp.Error) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(d)
		case amqpErr, ok := <-closeNotify:
			c.mu.Lock()
			c.open = false
			c.mu.Unlock()
			if !ok || amqpErr == nil {
				return
			}
			// Server is false when the client library itself closed the
			// connection, e.g. after a socket read failure.
			typ := ErrRPC
			if !amqpErr.Server {
				typ = ErrTCPSocket
			}
			if c.onError != nil {
				c.onError(wrapErr(typ, "Closing connection", amqpErr))
			}
			return
		}
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery) {
	if c.onMessage == nil {
		return
	}
	value := etf.Decode(d.Body, nil)
	p := gateway.NewPacketFromValue(value, d.Body)
	c.onMessage(d.RoutingKey, p)
}

// Close stops consuming and shuts the channel and connection down.
func (c *Consumer) Close() *Error {
	var closeErr *Error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		if c.ch != nil {
			if err := c.ch.Close(); err != nil {
				closeErr = wrapErr(ErrRPC, "Closing channel", err)
				return
			}
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				closeErr = wrapErr(ErrRPC, "Closing connection", err)
			}
		}
	})
	return closeErr
}
