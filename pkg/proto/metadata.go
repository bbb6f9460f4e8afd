package proto

import (
	"bytes"
	"strings"
)

// Metadata wire separators and limits.
const (
	MetaRecordSep   = '\x01'
	MetaFieldSep    = '\x02'
	MaxMetaNameLen  = 64
	MaxMetaValueLen = 256

	MetaOverwrite byte = 'O'
	MetaMerge     byte = 'M'
)

// MetaPair is one name/value metadata entry.
type MetaPair struct {
	Name  string
	Value string
}

// PackMetadata renders pairs as name\x02value records joined by \x01.
func PackMetadata(pairs []MetaPair) []byte {
	var b bytes.Buffer
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(MetaRecordSep)
		}
		b.WriteString(p.Name)
		b.WriteByte(MetaFieldSep)
		b.WriteString(p.Value)
	}
	return b.Bytes()
}

// SplitMetadata parses a packed metadata buffer. Records without a field
// separator are skipped; over-long names and values are truncated.
func SplitMetadata(buf []byte) []MetaPair {
	if len(buf) == 0 {
		return nil
	}
	records := bytes.Split(buf, []byte{MetaRecordSep})
	pairs := make([]MetaPair, 0, len(records))
	for _, rec := range records {
		name, value, ok := bytes.Cut(rec, []byte{MetaFieldSep})
		if !ok {
			continue
		}
		if len(name) > MaxMetaNameLen {
			name = name[:MaxMetaNameLen]
		}
		if len(value) > MaxMetaValueLen {
			value = value[:MaxMetaValueLen]
		}
		pairs = append(pairs, MetaPair{Name: string(name), Value: string(value)})
	}
	return pairs
}

// MergeMetadata overlays update on base: matching names take the new value
// and new names are appended in order.
func MergeMetadata(base, update []MetaPair) []MetaPair {
	merged := make([]MetaPair, len(base), len(base)+len(update))
	copy(merged, base)
	index := make(map[string]int, len(base))
	for i, p := range merged {
		index[p.Name] = i
	}
	for _, p := range update {
		if i, ok := index[p.Name]; ok {
			merged[i].Value = p.Value
			continue
		}
		index[p.Name] = len(merged)
		merged = append(merged, p)
	}
	return merged
}

// FormatMetadata renders pairs as name=value lines for display.
func FormatMetadata(pairs []MetaPair) string {
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
		sb.WriteByte('\n')
	}
	return sb.String()
}
