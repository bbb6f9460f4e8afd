package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSize_YAML(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"1KB", KB},
		{"10 MB", 10 * MB},
		{"1.5GB", GB + GB/2},
		{"2g", 2 * GB},
		{"\"64MB\"", 64 * MB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var cfg struct {
				Max Size `yaml:"max"`
			}
			require.NoError(t, yaml.Unmarshal([]byte("max: "+tt.in+"\n"), &cfg))
			assert.Equal(t, tt.want, cfg.Max.Bytes())
		})
	}
}

func TestSize_YAMLRejects(t *testing.T) {
	for _, bad := range []string{"MB", "12XB", "-1MB", "[1, 2]"} {
		var cfg struct {
			Max Size `yaml:"max"`
		}
		assert.Error(t, yaml.Unmarshal([]byte("max: "+bad+"\n"), &cfg), bad)
	}
}

func TestSize_MBAndString(t *testing.T) {
	assert.Equal(t, int64(1024), Size(GB).MB())
	assert.Equal(t, "1.00 GB", Size(GB).String())
	assert.Equal(t, "1.50 MB", Size(MB+MB/2).String())
	assert.Equal(t, "512 B", Size(512).String())
}
