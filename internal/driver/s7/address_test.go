package s7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		path string
		want Address
	}{
		{"DB2710.DBD8", Address{Area: AreaDB, DBNumber: 2710, Start: 8, Bit: -1, Size: 4}},
		{"DB5.DBX0.3", Address{Area: AreaDB, DBNumber: 5, Start: 0, Bit: 3, Size: 1}},
		{"DB1.DBB0", Address{Area: AreaDB, DBNumber: 1, Start: 0, Bit: -1, Size: 1}},
		{"DB1.DBW12", Address{Area: AreaDB, DBNumber: 1, Start: 12, Bit: -1, Size: 2}},
		{"MW100", Address{Area: AreaM, Start: 100, Bit: -1, Size: 2}},
		{"M0.0", Address{Area: AreaM, Start: 0, Bit: 0, Size: 1}},
		{"IB2", Address{Area: AreaI, Start: 2, Bit: -1, Size: 1}},
		{"QD4", Address{Area: AreaQ, Start: 4, Bit: -1, Size: 4}},
		// 德文记法
		{"EB2", Address{Area: AreaI, Start: 2, Bit: -1, Size: 1}},
		{"AW10", Address{Area: AreaQ, Start: 10, Bit: -1, Size: 2}},
		{"E0.1", Address{Area: AreaI, Start: 0, Bit: 1, Size: 1}},
		// 大小写与空白容错
		{" db5.dbx0.3 ", Address{Area: AreaDB, DBNumber: 5, Start: 0, Bit: 3, Size: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := ParseAddress(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, path := range []string{
		"",
		"DB1",
		"DB1.DBD",
		"DB1.DBX0.8", // 位号越界
		"XW100",
		"Temperature",
	} {
		t.Run(path, func(t *testing.T) {
			_, err := ParseAddress(path)
			assert.Error(t, err)
		})
	}
}
