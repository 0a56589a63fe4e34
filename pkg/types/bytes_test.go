package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesHumanizedBoundaries(t *testing.T) {
	cases := []struct {
		in   Bytes
		want string
	}{
		{Bytes(0), "0 B"},
		{Bytes(1023), "1023 B"},
		{Bytes(1024), "1.00 KB"},
		{Bytes(1536), "1.50 KB"},
		{Bytes(1 << 20), "1.00 MB"},
		{Bytes(1<<30 - 1), "1024.00 MB"},
		{Bytes(1 << 30), "1.00 GB"},
		{Bytes(1 << 40), "1.00 TB"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d", uint64(tc.in)), func(t *testing.T) {
			require.Equal(t, tc.want, tc.in.Humanized())
		})
	}
}

func TestBytesUnitAccessors(t *testing.T) {
	assert.InDelta(t, 1.0, Bytes(1024).KB(), 1e-12)
	assert.InDelta(t, 1.0, Bytes(1<<20).MB(), 1e-12)
	assert.InDelta(t, 1.5, Bytes(1536).KB(), 1e-12)
}
