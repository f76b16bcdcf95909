package s7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_NumericTypes(t *testing.T) {
	addr := &Address{Bit: -1}

	cases := []struct {
		dataType string
		buf      []byte
		want     interface{}
	}{
		{"BYTE", []byte{0xFF}, float64(255)},
		{"SINT", []byte{0xFF}, float64(-1)},
		{"WORD", []byte{0x01, 0x00}, float64(256)},
		{"INT", []byte{0xFF, 0xFE}, float64(-2)},
		{"DWORD", []byte{0x00, 0x01, 0x00, 0x00}, float64(65536)},
		{"DINT", []byte{0xFF, 0xFF, 0xFF, 0xFF}, float64(-1)},
		{"REAL", []byte{0x41, 0xAC, 0x00, 0x00}, float64(21.5)},
		{"LREAL", []byte{0x40, 0x35, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00}, 21.5},
	}

	for _, tc := range cases {
		t.Run(tc.dataType, func(t *testing.T) {
			got, err := decode(tc.dataType, addr, tc.buf)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecode_Bool(t *testing.T) {
	got, err := decode("BOOL", &Address{Bit: 3}, []byte{0b00001000})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = decode("BOOL", &Address{Bit: 2}, []byte{0b00001000})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestDecode_String(t *testing.T) {
	// S7 STRING：第 1 字节最大长度，第 2 字节当前长度
	buf := []byte{10, 3, 'r', 'u', 'n', 0, 0, 0, 0, 0, 0, 0}
	got, err := decode("STRING", &Address{Bit: -1}, buf)
	require.NoError(t, err)
	assert.Equal(t, "run", got)
}

func TestDecode_ShortBuffer(t *testing.T) {
	_, err := decode("DINT", &Address{Bit: -1}, []byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	addr := &Address{Bit: -1}

	buf, err := encode("REAL", 21.5)
	require.NoError(t, err)
	got, err := decode("REAL", addr, buf)
	require.NoError(t, err)
	assert.Equal(t, 21.5, got)

	buf, err = encode("INT", -300)
	require.NoError(t, err)
	got, err = decode("INT", addr, buf)
	require.NoError(t, err)
	assert.Equal(t, float64(-300), got)

	buf, err = encode("STRING", "stopped")
	require.NoError(t, err)
	got, err = decode("STRING", addr, buf)
	require.NoError(t, err)
	assert.Equal(t, "stopped", got)
}

func TestEncode_RejectsWrongType(t *testing.T) {
	_, err := encode("REAL", "not a number")
	assert.Error(t, err)

	_, err = encode("STRING", 42)
	assert.Error(t, err)

	_, err = encode("STRUCT", 1)
	assert.Error(t, err)
}

func TestSizeFor(t *testing.T) {
	addr := &Address{Size: 2}

	assert.Equal(t, 1, sizeFor("BOOL", addr, 0))
	assert.Equal(t, 2, sizeFor("INT", addr, 0))
	assert.Equal(t, 4, sizeFor("REAL", addr, 0))
	assert.Equal(t, 8, sizeFor("LREAL", addr, 0))
	assert.Equal(t, 34, sizeFor("STRING", addr, 32))
	assert.Equal(t, 256, sizeFor("STRING", addr, 0)) // 默认 254 + 2 字节头
	assert.Equal(t, 2, sizeFor("UNKNOWN", addr, 0))  // 回退到地址宽度
}
