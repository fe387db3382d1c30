package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/guileen/querycore/types"
)

// EncodeRow serializes a row for spill storage. The format is a uvarint
// column count followed by one flag byte and payload per value.
func EncodeRow(dst []byte, row types.Row) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(row)))
	for _, v := range row {
		switch x := v.Data.(type) {
		case nil:
			dst = append(dst, rowNull)
		case bool:
			if x {
				dst = append(dst, rowTrue)
			} else {
				dst = append(dst, rowFalse)
			}
		case int64:
			dst = append(dst, rowInt)
			dst = binary.AppendVarint(dst, x)
		case float64:
			dst = append(dst, rowFloat)
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(x))
		case string:
			dst = append(dst, rowString)
			dst = binary.AppendUvarint(dst, uint64(len(x)))
			dst = append(dst, x...)
		default:
			s := fmt.Sprint(x)
			dst = append(dst, rowString)
			dst = binary.AppendUvarint(dst, uint64(len(s)))
			dst = append(dst, s...)
		}
	}
	return dst
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(data []byte) (types.Row, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 {
		return nil, fmt.Errorf("decode row: bad column count")
	}
	data = data[sz:]
	row := make(types.Row, n)
	for i := range row {
		if len(data) == 0 {
			return nil, fmt.Errorf("decode row: truncated at column %d", i)
		}
		flag := data[0]
		data = data[1:]
		switch flag {
		case rowNull:
		case rowFalse:
			row[i] = types.NewBool(false)
		case rowTrue:
			row[i] = types.NewBool(true)
		case rowInt:
			v, k := binary.Varint(data)
			if k <= 0 {
				return nil, fmt.Errorf("decode row: bad int at column %d", i)
			}
			row[i] = types.NewInt(v)
			data = data[k:]
		case rowFloat:
			if len(data) < 8 {
				return nil, fmt.Errorf("decode row: bad float at column %d", i)
			}
			row[i] = types.NewFloat(math.Float64frombits(binary.BigEndian.Uint64(data)))
			data = data[8:]
		case rowString:
			l, k := binary.Uvarint(data)
			if k <= 0 || uint64(len(data)-k) < l {
				return nil, fmt.Errorf("decode row: bad string at column %d", i)
			}
			row[i] = types.NewText(string(data[k : k+int(l)]))
			data = data[k+int(l):]
		default:
			return nil, fmt.Errorf("decode row: unknown flag 0x%02x", flag)
		}
	}
	return row, nil
}
