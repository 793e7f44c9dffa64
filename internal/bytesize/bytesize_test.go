package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Size
	}{
		{"64", 64},
		{"64kb", 64 * 1024},
		{"64Mb", 64 << 20},
		{"64Gb", 64 << 30},
		{"64Tb", 64 << 40},
		{"256KiB", 256 << 10},
		{"1.5k", 1536},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"no6", "64Bb", "", "kb"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "64KiB", Size(64*1024).String())
	assert.Equal(t, 65536, Size(65536).Int())
}
