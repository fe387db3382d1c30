package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/guileen/querycore/types"
)

// EncodeKey appends a memcomparable encoding of vals to dst. Values that are
// SQL-equal (including 1 and 1.0) produce identical bytes, and the byte order
// matches types.SortCompare.
func EncodeKey(dst []byte, vals ...types.Value) []byte {
	buf := bytes.NewBuffer(dst)
	for _, v := range vals {
		encodeKeyValue(buf, v)
	}
	return buf.Bytes()
}

// KeyString is EncodeKey rendered as a string for use as a map key.
func KeyString(vals ...types.Value) string {
	return string(EncodeKey(make([]byte, 0, 16*len(vals)), vals...))
}

func encodeKeyValue(buf *bytes.Buffer, v types.Value) {
	switch x := v.Data.(type) {
	case nil:
		buf.WriteByte(nilFlag)
	case bool:
		buf.WriteByte(boolFlag)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int64:
		buf.WriteByte(numberFlag)
		writeMemComparableFloat64(buf, float64(x))
		writeMemComparableInt64(buf, x)
	case float64:
		buf.WriteByte(numberFlag)
		writeMemComparableFloat64(buf, normalizeFloat(x))
		var whole int64
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			whole = int64(x)
		}
		writeMemComparableInt64(buf, whole)
	case string:
		buf.WriteByte(stringFlag)
		writeMemComparableString(buf, x)
	default:
		buf.WriteByte(stringFlag)
		writeMemComparableString(buf, fmt.Sprint(x))
	}
}

// DecodeKey decodes n values from a key produced by EncodeKey. Integral
// numbers decode as BIGINT.
func DecodeKey(data []byte, n int) ([]types.Value, error) {
	out := make([]types.Value, 0, n)
	for i := 0; i < n; i++ {
		if len(data) == 0 {
			return nil, fmt.Errorf("key truncated at value %d", i)
		}
		flag := data[0]
		data = data[1:]
		switch flag {
		case nilFlag:
			out = append(out, types.Null())
		case boolFlag:
			if len(data) < 1 {
				return nil, fmt.Errorf("key truncated in bool")
			}
			out = append(out, types.NewBool(data[0] == 1))
			data = data[1:]
		case numberFlag:
			if len(data) < 16 {
				return nil, fmt.Errorf("key truncated in number")
			}
			f := readMemComparableFloat64(data[:8])
			whole, _ := readMemComparableInt64(data[8:16])
			data = data[16:]
			if f == math.Trunc(f) && !math.IsInf(f, 0) && float64(whole) == f {
				out = append(out, types.NewInt(whole))
			} else {
				out = append(out, types.NewFloat(f))
			}
		case stringFlag:
			s, n, err := readMemComparableString(data)
			if err != nil {
				return nil, err
			}
			out = append(out, types.NewText(s))
			data = data[n:]
		default:
			return nil, fmt.Errorf("unknown key flag 0x%02x", flag)
		}
	}
	return out, nil
}

// normalizeFloat folds -0 onto +0 so equal numbers encode identically.
func normalizeFloat(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}

func writeMemComparableInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	u := uint64(v)
	u ^= 0x8000000000000000
	binary.BigEndian.PutUint64(tmp[:], u)
	buf.Write(tmp[:])
}

func readMemComparableInt64(data []byte) (int64, int) {
	if len(data) < 8 {
		return 0, 0
	}
	u := binary.BigEndian.Uint64(data[:8])
	u ^= 0x8000000000000000
	return int64(u), 8
}

func writeMemComparableFloat64(buf *bytes.Buffer, f float64) {
	u := math.Float64bits(f)
	if f >= 0 {
		u |= 0x8000000000000000
	} else {
		u = ^u
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	buf.Write(tmp[:])
}

func readMemComparableFloat64(data []byte) float64 {
	u := binary.BigEndian.Uint64(data[:8])
	if u&0x8000000000000000 != 0 {
		u &^= 0x8000000000000000
	} else {
		u = ^u
	}
	return math.Float64frombits(u)
}

func writeMemComparableString(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		buf.WriteByte(ch)
		if ch == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

func readMemComparableString(data []byte) (string, int, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if ch != 0x00 {
			out = append(out, ch)
			continue
		}
		if i+1 >= len(data) {
			return "", 0, fmt.Errorf("unterminated string in key")
		}
		switch data[i+1] {
		case 0x00:
			return string(out), i + 2, nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return "", 0, fmt.Errorf("invalid string escape in key")
		}
	}
	return "", 0, fmt.Errorf("unterminated string in key")
}

// IsNullKey reports whether the first encoded value of key is NULL.
func IsNullKey(key []byte) bool {
	return len(key) > 0 && key[0] == nilFlag
}
