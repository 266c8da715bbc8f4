package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageOwnsBuffer(t *testing.T) {
	pool := NewPool()
	buf := []byte{1, 2, 3, 4}
	p := pool.NewPage(7, buf, 4, 1)
	require.Equal(t, uint64(7), p.ColumnID)
	require.Equal(t, buf, p.Bytes())
}

func TestNewEmptyPageAllocatesCapacity(t *testing.T) {
	pool := NewPool()
	p := pool.NewEmptyPage(3, 4, 5)
	require.Len(t, p.Bytes(), 20)
	require.Equal(t, 5, p.NElements)
}

func TestDeleteNilIsNoOp(t *testing.T) {
	pool := NewPool()
	require.NotPanics(t, func() { pool.Delete(nil) })
}

func TestChecksumStable(t *testing.T) {
	pool := NewPool()
	p := pool.NewPage(0, []byte{1, 2, 3, 4}, 4, 1)
	c1 := p.Checksum()
	c2 := p.Checksum()
	require.Equal(t, c1, c2)

	q := pool.NewPage(0, []byte{1, 2, 3, 5}, 4, 1)
	require.NotEqual(t, c1, q.Checksum())
}
