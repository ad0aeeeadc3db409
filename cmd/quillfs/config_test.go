package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	for in, want := range map[string]uint64{
		"512":   512,
		"4K":    4 * 1024,
		"4k":    4 * 1024,
		" 64M ": 64 * 1024 * 1024,
		"1G":    1 << 30,
		"0":     0,
	} {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "K", "12Q", "-1", "4KB"} {
		_, err := parseSize(in)
		require.Error(t, err, in)
	}
}
