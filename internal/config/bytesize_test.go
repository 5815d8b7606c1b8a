package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{input: "1MB", want: 1 * MB},
		{input: "1mb", want: 1 * MB},
		{input: "512k", want: 512 * KB},
		{input: "16MiB", want: 16 * MB},
		{input: "2GB", want: 2 * GB},
		{input: "4096", want: 4096},
		{input: "1.5 MB", want: ByteSize(1.5 * float64(MB))},
		{input: "", wantErr: true},
		{input: "MB", wantErr: true},
		{input: "10XB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "1MB", (1 * MB).String())
	assert.Equal(t, "16MB", (16 * MB).String())
	assert.Equal(t, "512KB", (512 * KB).String())
	assert.Equal(t, "100B", ByteSize(100).String())
	assert.Equal(t, "0B", ByteSize(0).String())
}

func TestByteSizeTextRoundTrip(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("1MB")))
	out, err := b.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1MB", string(out))
}
