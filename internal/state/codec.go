package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// #region layout
// Binary layout (little-endian):
//
//	magic "MSEL" | format u8 | variant u8 | entries u32
//	per entry, ModelID order:
//	  name_len u16 | name | version i64 | fields u8
//	  per field: fname_len u8 | fname | f64 bits
//	weight_sum f64 bits | observations u64
const (
	codecMagic   = "MSEL"
	codecFormat  = 1
	headerSize   = len(codecMagic) + 1 + 1 + 4
	trailerSize  = 8 + 8
	maxNameBytes = math.MaxUint16
)

// #endregion layout

// #region encode
// Encode serializes s. The output is deterministic for a given state.
func Encode(s PolicyState) ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("%w: encode empty state", ErrInvalidState)
	}
	fields := s.variant.Fields()

	size := headerSize + trailerSize
	for _, id := range s.models {
		if len(id.Name) > maxNameBytes {
			return nil, fmt.Errorf("%w: model name of %d bytes", ErrInvalidState, len(id.Name))
		}
		size += 2 + len(id.Name) + 8 + 1
		for _, f := range fields {
			size += 1 + len(f) + 8
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, codecMagic...)
	buf = append(buf, codecFormat, byte(s.variant))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.models)))

	for _, id := range s.models {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id.Name)))
		buf = append(buf, id.Name...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id.Version))
		buf = append(buf, byte(len(fields)))
		vals := s.stats[id].values()
		for i, f := range fields {
			buf = append(buf, byte(len(f)))
			buf = append(buf, f...)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(vals[i]))
		}
	}

	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.weightSum))
	buf = binary.LittleEndian.AppendUint64(buf, s.observations)
	return buf, nil
}

// #endregion encode

// #region decode
// Decode parses bytes produced by Encode. Any structural or range problem
// yields an error wrapping ErrCorruptState; no field is ever defaulted.
func Decode(data []byte) (PolicyState, error) {
	r := reader{buf: data}

	magic := r.bytes(len(codecMagic))
	if r.err != nil || string(magic) != codecMagic {
		return PolicyState{}, corrupt("bad magic")
	}
	if format := r.u8(); r.err == nil && format != codecFormat {
		return PolicyState{}, corrupt("unsupported format %d", format)
	}
	variant := Variant(r.u8())
	count := r.u32()
	if r.err != nil {
		return PolicyState{}, corrupt("truncated header")
	}
	if !variant.Valid() {
		return PolicyState{}, corrupt("unknown variant %d", uint8(variant))
	}
	if count == 0 {
		return PolicyState{}, corrupt("no entries")
	}

	schema := variant.Fields()
	entries := make(map[model.ModelID]Stats, min(int(count), 1024))
	var prev model.ModelID
	for i := uint32(0); i < count; i++ {
		name := r.bytes(int(r.u16()))
		version := int64(r.u64())
		nfields := int(r.u8())
		if r.err != nil {
			return PolicyState{}, corrupt("truncated entry %d", i)
		}
		id := model.ModelID{Name: string(name), Version: version}
		if i > 0 && !prev.Less(id) {
			return PolicyState{}, corrupt("entry %d (%s) out of order", i, id)
		}
		prev = id

		if nfields != len(schema) {
			return PolicyState{}, corrupt("%s: %d fields, want %d", id, nfields, len(schema))
		}
		vals := make([]float64, nfields)
		for j := 0; j < nfields; j++ {
			fname := r.bytes(int(r.u8()))
			bits := r.u64()
			if r.err != nil {
				return PolicyState{}, corrupt("truncated field %d of %s", j, id)
			}
			if string(fname) != schema[j] {
				return PolicyState{}, corrupt("%s: field %q, want %q", id, fname, schema[j])
			}
			vals[j] = math.Float64frombits(bits)
		}

		st, err := statsFromValues(variant, vals)
		if err != nil {
			return PolicyState{}, corrupt("%s: %v", id, err)
		}
		entries[id] = st
	}

	sumBits := r.u64()
	observations := r.u64()
	if r.err != nil {
		return PolicyState{}, corrupt("truncated trailer")
	}
	if r.remaining() != 0 {
		return PolicyState{}, corrupt("%d trailing bytes", r.remaining())
	}

	s, err := New(variant, entries, observations)
	if err != nil {
		return PolicyState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if math.Float64bits(s.weightSum) != sumBits {
		return PolicyState{}, corrupt("weight_sum %v does not match entries (%v)",
			math.Float64frombits(sumBits), s.weightSum)
	}
	return s, nil
}

// DecodeVariant is Decode plus a check that the state belongs to want.
func DecodeVariant(data []byte, want Variant) (PolicyState, error) {
	if len(data) >= headerSize && Variant(data[len(codecMagic)+1]) != want {
		return PolicyState{}, corrupt("variant tag %s, want %s", Variant(data[len(codecMagic)+1]), want)
	}
	s, err := Decode(data)
	if err != nil {
		return PolicyState{}, err
	}
	if s.variant != want {
		return PolicyState{}, corrupt("variant tag %s, want %s", s.variant, want)
	}
	return s, nil
}

func statsFromValues(v Variant, vals []float64) (Stats, error) {
	switch v {
	case VariantExp3, VariantExp4:
		return ExpWeight{Value: vals[0]}, nil
	case VariantEpsilonGreedy, VariantUCB:
		c := vals[1]
		if math.IsNaN(c) || c < 0 || c != math.Trunc(c) || c > 1<<53 {
			return nil, fmt.Errorf("count %v out of range", c)
		}
		return MeanReward{Mean: vals[0], Count: uint64(c)}, nil
	default:
		return nil, fmt.Errorf("unknown variant %d", uint8(v))
	}
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptState, fmt.Sprintf(format, args...))
}

// #endregion decode

// #region reader
var errShort = errors.New("short buffer")

// reader is a sticky-error cursor over a byte slice.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = errShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// #endregion reader
