package gateway

import "spectacles-bridge/etf"

// Packet is the envelope carried between a gateway session and the broker
// bridge: opcode, sequence, event name, decoded payload, and the exact
// undecoded ETF frame it came from.
//
// Seq and Event are only meaningful when Op == OpDispatch; Raw must be
// byte-exact with the received frame so it can be forwarded to a sibling
// shard without re-encoding (§3.2).
type Packet struct {
	Op    int32
	Seq   int32
	Event string
	Data  etf.Value
	Raw   []byte
}

// NewPacketFromValue builds a Packet by reading Op/Seq/Event/Data out of a
// decoded ETF value, the way both the gateway receive pipeline and the
// broker consumer's message handler do.
func NewPacketFromValue(d etf.Value, raw []byte) Packet {
	p := Packet{
		Op:   OpOf(d),
		Seq:  -1,
		Data: d.MapGetString("d"),
		Raw:  raw,
	}
	if p.Op == OpDispatch {
		p.Seq = SeqOf(d.MapGetString("s"))
		p.Event = d.MapGetString("t").StrString()
	}
	return p
}

// OpOf reads the mandatory "op" field of a decoded dispatch/control map.
// The wire encodes small opcodes as SMALL_INTEGER, which the decoder
// produces as a Uint32 — so both integer accessors are tried.
func OpOf(d etf.Value) int32 {
	op := d.MapGetString("op")
	if op.IsInt32() {
		return op.Int32()
	}
	return int32(op.Uint32())
}

// SeqOf reads a sequence-number field, returning -1 when absent or of an
// unexpected type.
func SeqOf(v etf.Value) int32 {
	if v.IsInt32() {
		return v.Int32()
	}
	if v.IsUint32() {
		return int32(v.Uint32())
	}
	return -1
}
