package gateway

import (
	"testing"

	"spectacles-bridge/etf"
)

func TestOpOf(t *testing.T) {
	m := etf.NewMap([2]etf.Value{etf.StrString("op"), etf.Uint32(10)})
	if got := OpOf(m); got != OpHello {
		t.Fatalf("OpOf() = %d, want %d", got, OpHello)
	}
}

func TestSeqOfAbsent(t *testing.T) {
	if got := SeqOf(etf.Undefined()); got != -1 {
		t.Fatalf("SeqOf(undefined) = %d, want -1", got)
	}
}

func TestNewPacketFromValueDispatch(t *testing.T) {
	d := etf.NewMap([2]etf.Value{etf.StrString("x"), etf.Int32(1)})
	m := etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Uint32(OpDispatch)},
		[2]etf.Value{etf.StrString("s"), etf.Uint32(7)},
		[2]etf.Value{etf.StrString("t"), etf.StrString("MESSAGE_CREATE")},
		[2]etf.Value{etf.StrString("d"), d},
	)

	p := NewPacketFromValue(m, []byte{1, 2, 3})
	if p.Op != OpDispatch {
		t.Fatalf("Op = %d, want %d", p.Op, OpDispatch)
	}
	if p.Seq != 7 {
		t.Fatalf("Seq = %d, want 7", p.Seq)
	}
	if p.Event != "MESSAGE_CREATE" {
		t.Fatalf("Event = %q, want MESSAGE_CREATE", p.Event)
	}
	if !etf.Equal(p.Data, d) {
		t.Fatalf("Data mismatch")
	}
	if string(p.Raw) != "\x01\x02\x03" {
		t.Fatalf("Raw not preserved")
	}
}

func TestNewPacketFromValueNonDispatch(t *testing.T) {
	m := etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Uint32(OpHeartbeatAck)},
		[2]etf.Value{etf.StrString("d"), etf.Null()},
	)
	p := NewPacketFromValue(m, nil)
	if p.Op != OpHeartbeatAck {
		t.Fatalf("Op = %d, want %d", p.Op, OpHeartbeatAck)
	}
	if p.Seq != -1 {
		t.Fatalf("Seq = %d, want -1 for a non-dispatch packet", p.Seq)
	}
	if p.Event != "" {
		t.Fatalf("Event = %q, want empty for a non-dispatch packet", p.Event)
	}
}
