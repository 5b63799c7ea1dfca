package etf

import (
	"bytes"
	"compress/zlib"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return Decode(buf, nil)
}

func TestRoundTripScalars(t *testing.T) {
	// Int32 values in [0,255] come back as Uint32 (see
	// TestRoundTripSmallInt32BecomesUint32), so want holds that form.
	cases := []struct{ in, want Value }{
		{Null(), Null()},
		{Bool(true), Bool(true)},
		{Bool(false), Bool(false)},
		{Int32(0), Uint32(0)},
		{Int32(-12345), Int32(-12345)},
		{Double(3.5), Double(3.5)},
		{StrString("hello"), StrString("hello")},
		{Array([]Value{Int32(1), Int32(2), Int32(3)}), Array([]Value{Uint32(1), Uint32(2), Uint32(3)})},
		{
			NewMap([2]Value{StrString("a"), Int32(1)}, [2]Value{StrString("b"), StrString("c")}),
			NewMap([2]Value{StrString("a"), Uint32(1)}, [2]Value{StrString("b"), StrString("c")}),
		},
	}
	for _, tc := range cases {
		got := roundTrip(t, tc.in)
		if !Equal(got, tc.want) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.want)
		}
	}
}

// Int32 in [0,255] round-trips through Uint32 per the §4.3 encode rule: the
// encoder's SMALL_INTEGER tag carries no sign, so the decoder always
// produces Uint32 for it.
func TestRoundTripSmallInt32BecomesUint32(t *testing.T) {
	got := roundTrip(t, Int32(200))
	if !got.IsUint32() || got.Uint32() != 200 {
		t.Fatalf("got %+v, want Uint32(200)", got)
	}
}

func TestDecodeBadVersionByte(t *testing.T) {
	v := Decode([]byte{0, 1, 2}, nil)
	if !v.IsUndefined() {
		t.Fatal("expected Undefined for a bad version byte")
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	buf, err := Encode(StrString("hello world"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v := Decode(buf[:len(buf)-3], nil)
	if !v.IsUndefined() {
		t.Fatal("expected Undefined for a truncated buffer")
	}
}

func TestDecodeInvalidMarksDecoderInvalid(t *testing.T) {
	d := NewDecoder([]byte{formatVersion, 0xFE}, false)
	v := d.Unpack()
	if !v.IsUndefined() || !d.Invalid() {
		t.Fatal("unsupported tag should yield Undefined and mark the decoder invalid")
	}
}

func TestDecodeCompressedRoundTrip(t *testing.T) {
	inner, err := Encode(NewMap([2]Value{StrString("x"), Int32(7)}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// inner carries its own version byte; the reference encoder strips it
	// before compressing, since the decompressed stream is unpacked with
	// skipVersion=true.
	inner = inner[1:]

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(inner); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	frame := []byte{formatVersion, tagCompressed}
	frame = append(frame, byte(len(inner)>>24), byte(len(inner)>>16), byte(len(inner)>>8), byte(len(inner)))
	frame = append(frame, compressed.Bytes()...)

	got := Decode(frame, nil)
	want := NewMap([2]Value{StrString("x"), Uint32(7)})
	if !Equal(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestOnErrorCallback(t *testing.T) {
	var msg string
	Decode([]byte{0}, func(m string) { msg = m })
	if msg == "" {
		t.Fatal("expected onError to be called for a bad version byte")
	}
}
