package backend

import "math"

// I32 returns an i32 Value.
func I32(v int32) Value { return Value{Kind: KindI32, Bits: uint64(uint32(v))} }

// I64 returns an i64 Value.
func I64(v int64) Value { return Value{Kind: KindI64, Bits: uint64(v)} }

// F32 returns an f32 Value.
func F32(v float32) Value { return Value{Kind: KindF32, Bits: uint64(math.Float32bits(v))} }

// F64 returns an f64 Value.
func F64(v float64) Value { return Value{Kind: KindF64, Bits: math.Float64bits(v)} }

// Int returns the value as a signed integer. Floats are truncated; NaN and
// out of range floats yield 0.
func (v Value) Int() int64 {
	switch v.Kind {
	case KindI32:
		return int64(int32(uint32(v.Bits)))
	case KindF32:
		return truncFloat(float64(math.Float32frombits(uint32(v.Bits))))
	case KindF64:
		return truncFloat(math.Float64frombits(v.Bits))
	default:
		return int64(v.Bits)
	}
}

// Uint returns the value as an unsigned integer.
func (v Value) Uint() uint64 {
	switch v.Kind {
	case KindI32:
		return uint64(uint32(v.Bits))
	case KindF32, KindF64:
		return uint64(v.Int())
	default:
		return v.Bits
	}
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindF32:
		return float64(math.Float32frombits(uint32(v.Bits)))
	case KindF64:
		return math.Float64frombits(v.Bits)
	case KindI32:
		return float64(int32(uint32(v.Bits)))
	default:
		return float64(int64(v.Bits))
	}
}

func truncFloat(f float64) int64 {
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int64(f)
}

// As converts v to kind k. Converting to KindVoid yields the zero Value.
func (v Value) As(k Kind) Value {
	if v.Kind == k {
		return v
	}
	switch k {
	case KindI32:
		return I32(int32(v.Int()))
	case KindI64:
		return I64(v.Int())
	case KindF32:
		return F32(float32(v.Float()))
	case KindF64:
		return F64(v.Float())
	default:
		return Value{}
	}
}

// ByteMemory is guest memory held in a host byte slice.
type ByteMemory []byte

// Size implements Memory.
func (m ByteMemory) Size() uint32 { return uint32(len(m)) }

// View implements Memory. The returned slice cannot be grown past the range.
func (m ByteMemory) View(addr, n uint32) ([]byte, bool) {
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m)) {
		return nil, false
	}
	return m[addr:end:end], true
}
