package etf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// defaultRecurseLimit bounds Array/Map nesting depth during encoding,
// matching the reference implementation's default.
const defaultRecurseLimit = 256

// Encoder serializes a Value tree into ETF bytes, growing its output buffer
// geometrically as needed.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the version byte already written.
func NewEncoder() *Encoder {
	e := &Encoder{buf: make([]byte, 0, 512)}
	e.buf = append(e.buf, formatVersion)
	return e
}

// Bytes returns the encoded buffer built so far.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) grow(n int) {
	if cap(e.buf)-len(e.buf) >= n {
		return
	}
	newCap := cap(e.buf) * 2
	if newCap < len(e.buf)+n {
		newCap = len(e.buf) + n
	}
	nb := make([]byte, len(e.buf), newCap)
	copy(nb, e.buf)
	e.buf = nb
}

func (e *Encoder) putByte(b byte) {
	e.grow(1)
	e.buf = append(e.buf, b)
}

func (e *Encoder) putBytes(b []byte) {
	e.grow(len(b))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) putUint16(v uint16) {
	e.grow(2)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) putUint32(v uint32) {
	e.grow(4)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) putUint64(v uint64) {
	e.grow(8)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// Pack encodes value into the encoder's buffer, descending at most
// defaultRecurseLimit levels into nested Array/Map values.
func (e *Encoder) Pack(value Value) error {
	return e.pack(value, defaultRecurseLimit)
}

func (e *Encoder) pack(value Value, nestLimit int) error {
	if nestLimit < 0 {
		return fmt.Errorf("etf: reached recursion limit")
	}

	switch {
	case value.IsInt32():
		n := value.Int32()
		if n >= 0 && n <= 255 {
			e.putByte(tagSmallInteger)
			e.putByte(byte(n))
		} else {
			e.putByte(tagInteger)
			e.putUint32(uint32(n))
		}
	case value.IsUint32():
		// Per spec: only Int32 gets the [0,255] SMALL_INTEGER shortcut.
		// UInt32 always goes through SMALL_BIG; decoding SMALL_BIG with
		// sign 0 and <= 4 digit bytes yields UInt32 back regardless of
		// magnitude, so round-tripping still holds.
		e.appendSmallBig(uint64(value.Uint32()))
	case value.IsDouble():
		e.putByte(tagNewFloat)
		e.putUint64(math.Float64bits(value.Double()))
	case value.IsNull(), value.IsUndefined():
		e.appendSmallAtom("nil")
	case value.IsBool():
		if value.Bool() {
			e.appendSmallAtom("true")
		} else {
			e.appendSmallAtom("false")
		}
	case value.IsStr():
		b := value.Str()
		if len(b) > math.MaxUint32 {
			return fmt.Errorf("etf: string too large")
		}
		e.putByte(tagBinary)
		e.putUint32(uint32(len(b)))
		e.putBytes(b)
	case value.IsArray():
		arr := value.Array()
		if len(arr) == 0 {
			e.putByte(tagNil)
			return nil
		}
		if uint64(len(arr)) > math.MaxUint32-1 {
			return fmt.Errorf("etf: list is too large")
		}
		e.putByte(tagList)
		e.putUint32(uint32(len(arr)))
		for _, elem := range arr {
			if err := e.pack(elem, nestLimit-1); err != nil {
				return err
			}
		}
		e.putByte(tagNil)
	case value.IsMap():
		keys := value.MapKeys()
		vals := value.MapVals()
		if uint64(len(keys)) > math.MaxUint32-1 {
			return fmt.Errorf("etf: map has too many properties")
		}
		e.putByte(tagMap)
		e.putUint32(uint32(len(keys)))
		for i := range keys {
			if err := e.pack(keys[i], nestLimit-1); err != nil {
				return err
			}
			if err := e.pack(vals[i], nestLimit-1); err != nil {
				return err
			}
		}
	default:
		e.appendSmallAtom("nil")
	}
	return nil
}

func (e *Encoder) appendSmallAtom(name string) {
	e.putByte(tagSmallAtom)
	e.putByte(byte(len(name)))
	e.putBytes([]byte(name))
}

// appendSmallBig encodes a non-negative magnitude as SMALL_BIG_EXT with
// sign 0 and little-endian digit bytes. Every Uint32 is encoded here,
// whatever its size; zero is written as a single 0 digit.
func (e *Encoder) appendSmallBig(v uint64) {
	var digits []byte
	for v > 0 {
		digits = append(digits, byte(v&0xff))
		v >>= 8
	}
	if len(digits) == 0 {
		digits = []byte{0}
	}
	e.putByte(tagSmallBig)
	e.putByte(byte(len(digits)))
	e.putByte(0) // sign
	e.putBytes(digits)
}

// Encode is a convenience wrapper: encode value to a fresh buffer with the
// default recursion budget.
func Encode(value Value) ([]byte, error) {
	e := NewEncoder()
	if err := e.Pack(value); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
