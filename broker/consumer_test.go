package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"spectacles-bridge/etf"
	"spectacles-bridge/gateway"
)

func TestHandleDeliveryInvokesOnMessageWithFullEnvelope(t *testing.T) {
	envelope := etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Int32(gateway.OpDispatch)},
		[2]etf.Value{etf.StrString("d"), etf.NewMap([2]etf.Value{etf.StrString("a"), etf.Int32(1)})},
		[2]etf.Value{etf.StrString("t"), etf.StrString("MESSAGE_CREATE")},
		[2]etf.Value{etf.StrString("s"), etf.Int32(7)},
	)
	body, err := etf.Encode(envelope)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var gotKey string
	var gotPacket gateway.Packet
	c := &Consumer{}
	c.OnMessage(func(routingKey string, p gateway.Packet) {
		gotKey = routingKey
		gotPacket = p
	})

	c.handleDelivery(amqp.Delivery{RoutingKey: "3", Body: body})

	if gotKey != "3" {
		t.Fatalf("routingKey = %q, want 3", gotKey)
	}
	if gotPacket.Op != gateway.OpDispatch {
		t.Fatalf("Op = %d, want %d", gotPacket.Op, gateway.OpDispatch)
	}
	if gotPacket.Event != "MESSAGE_CREATE" {
		t.Fatalf("Event = %q, want MESSAGE_CREATE", gotPacket.Event)
	}
	if gotPacket.Seq != 7 {
		t.Fatalf("Seq = %d, want 7", gotPacket.Seq)
	}
	if gotPacket.Data.MapGetString("a").Uint32() != 1 {
		t.Fatal("decoded payload mismatch")
	}
}

func TestHandleDeliveryNonDispatchEnvelope(t *testing.T) {
	envelope := etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Int32(gateway.OpHeartbeatAck)},
		[2]etf.Value{etf.StrString("d"), etf.Null()},
	)
	body, err := etf.Encode(envelope)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var gotPacket gateway.Packet
	c := &Consumer{}
	c.OnMessage(func(routingKey string, p gateway.Packet) { gotPacket = p })

	c.handleDelivery(amqp.Delivery{RoutingKey: "0", Body: body})

	if gotPacket.Op != gateway.OpHeartbeatAck {
		t.Fatalf("Op = %d, want %d", gotPacket.Op, gateway.OpHeartbeatAck)
	}
	if gotPacket.Event != "" {
		t.Fatalf("Event = %q, want empty for a non-dispatch envelope", gotPacket.Event)
	}
}

func TestHandleDeliveryNoHandlerDoesNotPanic(t *testing.T) {
	c := &Consumer{}
	c.handleDelivery(amqp.Delivery{RoutingKey: "0", Body: []byte{131, 106}})
}
