package binlog

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/filemesh/filemesh/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openReader(t *testing.T, w *Writer, index int, offset int64) *Reader {
	t.Helper()
	r, err := OpenReader(w.Dir(), w, index, offset)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReader_NextDoesNotConsume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 0)
	require.NoError(t, w.Write(OpCreate, "a.txt"))
	require.NoError(t, w.Write(OpDelete, "b"))

	r := openReader(t, w, 0, 0)
	rec, n, err := r.Next()
	require.NoError(t, err)
	again, _, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, Record{Timestamp: 1700000000, Op: OpCreate, Filename: "a.txt"}, rec)

	r.Advance(n)
	rec, n, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, OpDelete, rec.Op)
	r.Advance(n)

	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrNoData)
	index, offset := r.Position()
	assert.Equal(t, 0, index)
	assert.Equal(t, int64(len("1700000000 C a.txt\n1700000001 D b\n")), offset)
}

func TestReader_FollowsRotation(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(OpCreate, fmt.Sprintf("file%04d.txt", i)))
	}

	r := openReader(t, w, 0, 0)
	var rotated []int
	r.OnRotate = func(index int) error {
		rotated = append(rotated, index)
		return nil
	}

	var names []string
	for {
		rec, n, err := r.Next()
		if errors.Is(err, ErrNoData) {
			break
		}
		require.NoError(t, err)
		names = append(names, rec.Filename)
		r.Advance(n)
	}
	require.Len(t, names, 10)
	for i, name := range names {
		assert.Equal(t, fmt.Sprintf("file%04d.txt", i), name)
	}
	assert.Equal(t, []int{1, 2}, rotated)

	index, offset := r.Position()
	assert.Equal(t, 2, index)
	assert.Equal(t, int64(52), offset)
}

func TestReader_PartialLine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 0)

	f, err := os.OpenFile(FilePath(dir, 0), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, err = f.WriteString("1700000000 C half")
	require.NoError(t, err)

	r := openReader(t, w, 0, 0)
	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrNoData)
	_, offset := r.Position()
	assert.Zero(t, offset)

	_, err = f.WriteString(".txt\n")
	require.NoError(t, err)
	rec, n, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "half.txt", rec.Filename)
	assert.Equal(t, len("1700000000 C half.txt\n"), n)
}

func TestReader_Malformed(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 0)

	tests := []string{
		"garbage\n",
		"abc C name\n",
		"1700000000 X name\n",
		"1700000000 C 0123456789012345678901234567890123\n",
	}
	for _, line := range tests {
		t.Run(line[:len(line)-1], func(t *testing.T) {
			require.NoError(t, os.WriteFile(FilePath(dir, 0), []byte(line), 0644))
			r := openReader(t, w, 0, 0)
			_, _, err := r.Next()
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestReader_SkipUntil(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 0)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Write(OpCreate, fmt.Sprintf("f%d", i)))
	}

	r := openReader(t, w, 0, 0)
	skipped, err := r.SkipUntil(1700000002)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	rec, _, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "f2", rec.Filename)

	skipped, err = r.SkipUntil(1800000000)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	_, _, err = r.Next()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOpenReader_InvalidPosition(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	w := openWriter(t, dir, 0)

	_, err := OpenReader(dir, w, -1, 0)
	assert.Error(t, err)
	_, err = OpenReader(dir, w, 3, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
