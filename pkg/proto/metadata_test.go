package proto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadata_RoundTrip(t *testing.T) {
	pairs := []MetaPair{
		{Name: "width", Value: "1024"},
		{Name: "height", Value: "768"},
	}
	packed := PackMetadata(pairs)
	assert.Equal(t, "width\x021024\x01height\x02768", string(packed))
	assert.ElementsMatch(t, pairs, SplitMetadata(packed))
}

func TestSplitMetadata_SkipsMalformedRecords(t *testing.T) {
	got := SplitMetadata([]byte("a\x021\x01garbage\x01b\x022"))
	assert.Equal(t, []MetaPair{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, got)
}

func TestSplitMetadata_Truncates(t *testing.T) {
	long := []MetaPair{{Name: strings.Repeat("n", 100), Value: strings.Repeat("v", 300)}}
	got := SplitMetadata(PackMetadata(long))
	if assert.Len(t, got, 1) {
		assert.Len(t, got[0].Name, MaxMetaNameLen)
		assert.Len(t, got[0].Value, MaxMetaValueLen)
	}
}

func TestSplitMetadata_Empty(t *testing.T) {
	assert.Empty(t, SplitMetadata(nil))
}

func TestMergeMetadata(t *testing.T) {
	base := []MetaPair{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	update := []MetaPair{{Name: "b", Value: "20"}, {Name: "c", Value: "3"}}
	got := MergeMetadata(base, update)
	assert.Equal(t, []MetaPair{{Name: "a", Value: "1"}, {Name: "b", Value: "20"}, {Name: "c", Value: "3"}}, got)
	assert.Equal(t, "2", base[1].Value, "base is not modified")
}
