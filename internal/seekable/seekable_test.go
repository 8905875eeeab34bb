package seekable

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFidelity(t *testing.T) {
	content := "0123456789AB"
	r := New(strings.NewReader(content))

	cases := []struct {
		pos int64
		n   int
	}{
		{0, 4}, {4, 4}, {8, 4}, {0, 12}, {11, 1},
	}
	for _, c := range cases {
		_, err := r.Seek(c.pos, io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, c.n)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, content[c.pos:c.pos+int64(c.n)], string(buf))
	}
}

func TestPositionAccounting(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	pos, err := r.Seek(3, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos)

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3+n, int(r.Pos()))
}

func TestCloneIndependence(t *testing.T) {
	r1 := New(strings.NewReader("0123456789AB"))
	_, err := r1.Seek(4, io.SeekStart)
	require.NoError(t, err)

	r2 := r1.Clone()
	assert.Equal(t, r1.Pos(), r2.Pos())

	_, err = r2.Seek(0, io.SeekStart)
	require.NoError(t, err)

	assert.EqualValues(t, 4, r1.Pos())
	assert.EqualValues(t, 0, r2.Pos())

	buf1 := make([]byte, 4)
	buf2 := make([]byte, 4)
	_, err = r1.Read(buf1)
	require.NoError(t, err)
	_, err = r2.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf1))
	assert.Equal(t, "0123", string(buf2))
}

func TestSeekEndUsesLength(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	pos, err := r.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)

	buf := make([]byte, 2)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(buf))
}

func TestSeekCurrent(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	_, _ = r.Seek(2, io.SeekStart)
	pos, err := r.Seek(3, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos)
}

func TestSeekNegativeRejected(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	_, err := r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestSeekInvalidWhence(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	_, err := r.Seek(0, 99)
	assert.Error(t, err)
}

// TestConcurrentClonesNoCorruption exercises many clones reading disjoint
// ranges concurrently; every one must see exactly its own bytes, proving the
// shared mutex serializes seek+read without interleaving reads.
func TestConcurrentClonesNoCorruption(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000) // 10000 bytes
	base := New(bytes.NewReader(content))

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clone := base.Clone()
			off := int64(i * 10)
			_, err := clone.Seek(off, io.SeekStart)
			assert.NoError(t, err)
			buf := make([]byte, 10)
			_, err = io.ReadFull(clone, buf)
			assert.NoError(t, err)
			assert.Equal(t, content[off:off+10], buf)
		}(i)
	}
	wg.Wait()
}

func TestReaderAtAdaptor(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	ra := AsReaderAt(r)

	buf := make([]byte, 4)
	n, err := ra.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "4567", string(buf))

	// A second call at a different offset must not be affected by the first.
	n, err = ra.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))
}

func TestReaderAtShortEOF(t *testing.T) {
	r := New(strings.NewReader("0123456789AB"))
	ra := AsReaderAt(r)

	buf := make([]byte, 6)
	n, err := ra.ReadAt(buf, 8)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)
}
