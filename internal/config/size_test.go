package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"0", 0},
		{"unlimited", 0},
		{" Unlimited ", 0},
		{"4096", 4096},
		{"512B", 512},
		{"50MB", 50_000_000},
		{"256MiB", 268_435_456},
		{"64mib", 67_108_864},
		{"2 GiB", 2_147_483_648},
		{"1.5KiB", 1536},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantErr string
	}{
		{"lots", "invalid size"},
		{"MiB", "missing number"},
		{"-1", "must be non-negative"},
		{"-5MB", "must be non-negative"},
		{"99999999999GiB", "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			_, err := ParseSize(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
