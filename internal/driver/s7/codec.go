package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// sizeFor 标签在 PLC 内存中占用的字节数
// STRING 额外携带 2 字节头（最大长度 + 当前长度）。
func sizeFor(dataType string, addr *Address, arraySize int) int {
	switch strings.ToUpper(dataType) {
	case "BOOL", "BYTE", "USINT", "SINT", "CHAR":
		return 1
	case "WORD", "INT", "UINT":
		return 2
	case "DWORD", "DINT", "UDINT", "REAL":
		return 4
	case "LREAL":
		return 8
	case "STRING":
		if arraySize <= 0 {
			arraySize = 254
		}
		return arraySize + 2
	default:
		// 未知类型按地址宽度处理
		return addr.Size
	}
}

// decode 从缓冲区解码标签值（S7 为大端字节序）
func decode(dataType string, addr *Address, buf []byte) (interface{}, error) {
	dt := strings.ToUpper(dataType)
	switch dt {
	case "BOOL":
		if len(buf) < 1 {
			return nil, fmt.Errorf("short buffer for BOOL")
		}
		bit := addr.Bit
		if bit < 0 {
			bit = 0
		}
		return buf[0]&(1<<uint(bit)) != 0, nil
	case "BYTE", "USINT":
		if len(buf) < 1 {
			return nil, fmt.Errorf("short buffer for %s", dt)
		}
		return float64(buf[0]), nil
	case "SINT", "CHAR":
		if len(buf) < 1 {
			return nil, fmt.Errorf("short buffer for %s", dt)
		}
		return float64(int8(buf[0])), nil
	case "WORD", "UINT":
		if len(buf) < 2 {
			return nil, fmt.Errorf("short buffer for %s", dt)
		}
		return float64(binary.BigEndian.Uint16(buf)), nil
	case "INT":
		if len(buf) < 2 {
			return nil, fmt.Errorf("short buffer for INT")
		}
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	case "DWORD", "UDINT":
		if len(buf) < 4 {
			return nil, fmt.Errorf("short buffer for %s", dt)
		}
		return float64(binary.BigEndian.Uint32(buf)), nil
	case "DINT":
		if len(buf) < 4 {
			return nil, fmt.Errorf("short buffer for DINT")
		}
		return float64(int32(binary.BigEndian.Uint32(buf))), nil
	case "REAL":
		if len(buf) < 4 {
			return nil, fmt.Errorf("short buffer for REAL")
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
	case "LREAL":
		if len(buf) < 8 {
			return nil, fmt.Errorf("short buffer for LREAL")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
	case "STRING":
		if len(buf) < 2 {
			return nil, fmt.Errorf("short buffer for STRING")
		}
		curLen := int(buf[1])
		if curLen > len(buf)-2 {
			curLen = len(buf) - 2
		}
		return string(buf[2 : 2+curLen]), nil
	default:
		return nil, fmt.Errorf("unsupported S7 data type: %s", dataType)
	}
}

// encode 将写入值编码为 PLC 字节序；BOOL 由调用方做读改写
func encode(dataType string, value interface{}) ([]byte, error) {
	dt := strings.ToUpper(dataType)

	num := func() (float64, error) {
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		default:
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
	}

	switch dt {
	case "BYTE", "USINT", "SINT", "CHAR":
		n, err := num()
		if err != nil {
			return nil, err
		}
		return []byte{byte(int64(n))}, nil
	case "WORD", "UINT", "INT":
		n, err := num()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int64(n)))
		return buf, nil
	case "DWORD", "UDINT", "DINT":
		n, err := num()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int64(n)))
		return buf, nil
	case "REAL":
		n, err := num()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(n)))
		return buf, nil
	case "LREAL":
		n, err := num()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(n))
		return buf, nil
	case "STRING":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", value)
		}
		if len(s) > 254 {
			s = s[:254]
		}
		buf := make([]byte, len(s)+2)
		buf[0] = byte(len(s))
		buf[1] = byte(len(s))
		copy(buf[2:], s)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported S7 data type for write: %s", dataType)
	}
}
