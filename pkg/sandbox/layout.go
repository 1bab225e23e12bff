package sandbox

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sync"

	"taintbox/pkg/backend"
)

// Scalar is the set of types a Tainted value can carry. Their guest
// representation is fixed-width little-endian.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Ref is an address stored in sandbox memory, for use as a field or element
// type in guest structures. It occupies four bytes.
type Ref[T any] uint32

// typeLayout describes how a Go type is laid out in guest memory. Guest
// layout follows C rules for fixed-width members: each member is aligned to
// its own size and structs are padded to their widest member.
type typeLayout struct {
	typ    reflect.Type
	size   uint32
	align  uint32
	fields map[string]fieldLayout
	elem   reflect.Type
	length uint32
}

type fieldLayout struct {
	offset uint32
	typ    reflect.Type
}

var layoutCache sync.Map // reflect.Type -> *typeLayout

// layoutFor returns the guest layout of T, panicking if T has none.
func layoutFor[T any]() *typeLayout {
	return layoutOf(reflect.TypeFor[T]())
}

func layoutOf(t reflect.Type) *typeLayout {
	if l, ok := layoutCache.Load(t); ok {
		return l.(*typeLayout)
	}
	l, err := computeLayout(t)
	if err != nil {
		misuse("%v", err)
	}
	actual, _ := layoutCache.LoadOrStore(t, l)
	return actual.(*typeLayout)
}

func computeLayout(t reflect.Type) (*typeLayout, error) {
	switch t.Kind() {
	case reflect.Int8, reflect.Uint8:
		return &typeLayout{typ: t, size: 1, align: 1}, nil
	case reflect.Int16, reflect.Uint16:
		return &typeLayout{typ: t, size: 2, align: 2}, nil
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return &typeLayout{typ: t, size: 4, align: 4}, nil
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return &typeLayout{typ: t, size: 8, align: 8}, nil
	case reflect.Array:
		el, err := computeLayout(t.Elem())
		if err != nil {
			return nil, err
		}
		size := uint64(el.size) * uint64(t.Len())
		if size > math.MaxUint32 {
			return nil, fmt.Errorf("type %s is too large for guest memory", t)
		}
		return &typeLayout{typ: t, size: uint32(size), align: el.align, elem: t.Elem(), length: uint32(t.Len())}, nil
	case reflect.Struct:
		l := &typeLayout{typ: t, align: 1, fields: make(map[string]fieldLayout, t.NumField())}
		var off uint64
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			fl, err := computeLayout(f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", t, f.Name, err)
			}
			off = alignTo(off, uint64(fl.align))
			l.fields[f.Name] = fieldLayout{offset: uint32(off), typ: f.Type}
			off += uint64(fl.size)
			if fl.align > l.align {
				l.align = fl.align
			}
			if off > math.MaxUint32 {
				return nil, fmt.Errorf("type %s is too large for guest memory", t)
			}
		}
		l.size = uint32(alignTo(off, uint64(l.align)))
		return l, nil
	default:
		return nil, fmt.Errorf("type %s has no guest memory layout", t)
	}
}

func alignTo(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// kindOf returns the boundary kind a Scalar travels as.
func kindOf[T Scalar]() backend.Kind {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int64, reflect.Uint64:
		return backend.KindI64
	case reflect.Float32:
		return backend.KindF32
	case reflect.Float64:
		return backend.KindF64
	default:
		return backend.KindI32
	}
}

func toValue[T Scalar](v T) backend.Value {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return backend.I32(int32(v))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return backend.Value{Kind: backend.KindI32, Bits: uint64(uint32(v))}
	case reflect.Int64:
		return backend.I64(int64(v))
	case reflect.Uint64:
		return backend.Value{Kind: backend.KindI64, Bits: uint64(v)}
	case reflect.Float32:
		return backend.F32(float32(v))
	default:
		return backend.F64(float64(v))
	}
}

// fromValue converts a boundary value of any kind to T. Every bit pattern
// maps to some T; nothing here trusts the kind the guest claimed.
func fromValue[T Scalar](v backend.Value) T {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return T(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return T(v.Uint())
	default:
		return T(v.Float())
	}
}

func putScalar[T Scalar](b []byte, v T) {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int8, reflect.Uint8:
		b[0] = byte(v)
	case reflect.Int16, reflect.Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case reflect.Int32, reflect.Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case reflect.Int64, reflect.Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case reflect.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case reflect.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func getScalar[T Scalar](b []byte) T {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int8:
		return T(int8(b[0]))
	case reflect.Uint8:
		return T(b[0])
	case reflect.Int16:
		return T(int16(binary.LittleEndian.Uint16(b)))
	case reflect.Uint16:
		return T(binary.LittleEndian.Uint16(b))
	case reflect.Int32:
		return T(int32(binary.LittleEndian.Uint32(b)))
	case reflect.Uint32:
		return T(binary.LittleEndian.Uint32(b))
	case reflect.Int64:
		return T(int64(binary.LittleEndian.Uint64(b)))
	case reflect.Uint64:
		return T(binary.LittleEndian.Uint64(b))
	case reflect.Float32:
		return T(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return T(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
