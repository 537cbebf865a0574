package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixRange(t *testing.T) {
	tests := []struct {
		prefix   string
		expected KeyRange
	}{
		{prefix: "camp_", expected: KeyRange{Start: "camp_", End: "camp`"}},
		{prefix: "a\xff", expected: KeyRange{Start: "a\xff", End: "b"}},
		{prefix: "\xff\xff", expected: KeyRange{Start: "\xff\xff"}},
		{prefix: "", expected: KeyRange{}},
	}

	for _, test := range tests {
		t.Run(test.prefix, func(t *testing.T) {
			require.Equal(t, test.expected, PrefixRange(test.prefix))
		})
	}
}

func TestKeyRangeContains(t *testing.T) {
	r := PrefixRange("camp_")

	require.True(t, r.Contains("camp_"))
	require.True(t, r.Contains("camp_123"))
	require.True(t, r.Contains("camp_\xff"))
	require.False(t, r.Contains("camp"))
	require.False(t, r.Contains("campa"))
	require.False(t, r.Contains("other_1"))

	unbounded := KeyRange{Start: "m"}
	require.True(t, unbounded.Contains("zzz"))
	require.False(t, unbounded.Contains("a"))
}

func TestKeyRangeValidate(t *testing.T) {
	require.NoError(t, KeyRange{Start: "a", End: "b"}.Validate())
	require.NoError(t, KeyRange{Start: "a"}.Validate())
	require.ErrorIs(t, KeyRange{Start: "b", End: "a"}.Validate(), ErrInvalidRange)
}

func TestValidateWrite(t *testing.T) {
	require.NoError(t, ValidateWrite([]*KeyValue{{Key: "k", Value: []byte("v")}}, 1))
	require.ErrorIs(t, ValidateWrite([]*KeyValue{{Key: "k", Value: []byte("v")}, {Key: "j", Value: []byte("v")}}, 1), ErrExceededWriteBatchLimit)
	require.ErrorIs(t, ValidateWrite([]*KeyValue{{Key: "", Value: []byte("v")}}, 0), ErrInvalidWriteInput)
	require.ErrorIs(t, ValidateWrite([]*KeyValue{{Key: "k"}}, 0), ErrInvalidWriteInput)
	require.ErrorIs(t, ValidateWrite([]*KeyValue{nil}, 0), ErrInvalidWriteInput)
}
