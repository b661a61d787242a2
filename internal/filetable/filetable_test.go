package filetable_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"microvisor/internal/filetable"
)

func TestInsertLookupRemove(t *testing.T) {
	table := filetable.New()
	rec := &filetable.Record{HostFD: 3, Flags: 0, Mode: 0}
	table.Insert(rec)

	got, ok := table.Lookup(3)
	require.True(t, ok)
	require.Same(t, rec, got)
	require.Equal(t, 1, table.Len())

	table.Remove(3)
	_, ok = table.Lookup(3)
	require.False(t, ok)
	require.Equal(t, 0, table.Len())
}

func TestRemoveUnknownDescriptorIsNoop(t *testing.T) {
	table := filetable.New()
	require.NotPanics(t, func() { table.Remove(99) })
}

func TestNameOfExactlyNameMaxBytesPlusNULSucceeds(t *testing.T) {
	rec := &filetable.Record{}
	for i := 0; i < filetable.NameMax; i++ {
		require.NoError(t, rec.AppendNameByte('a'))
	}
	// the NUL terminator is the NameMax+1-th wire byte; a name of exactly
	// NameMax content bytes must still be acceptable once terminated.
	require.NoError(t, rec.AppendNameByte(0))
	require.Equal(t, filetable.NameMax, len(rec.NameString()))
}

func TestAppendNameByteOneBytePastBoundFails(t *testing.T) {
	rec := &filetable.Record{}
	for i := 0; i < filetable.NameMax+1; i++ {
		require.NoError(t, rec.AppendNameByte('a'))
	}
	err := rec.AppendNameByte('a')
	require.Error(t, err)
}

func TestNameStringTrimsTerminator(t *testing.T) {
	rec := &filetable.Record{}
	for _, b := range []byte("a.txt") {
		require.NoError(t, rec.AppendNameByte(b))
	}
	require.NoError(t, rec.AppendNameByte(0))
	require.Equal(t, "a.txt", rec.NameString())
}

func TestCloseAllInvokesCloseFnAndEmptiesTable(t *testing.T) {
	table := filetable.New()
	for i := 0; i < 3; i++ {
		table.Insert(&filetable.Record{HostFD: i})
	}

	var closed []int
	errs := table.CloseAll(func(fd int) error {
		closed = append(closed, fd)
		if fd == 1 {
			return fmt.Errorf("boom")
		}
		return nil
	})

	require.Len(t, closed, 3)
	require.Len(t, errs, 1)
	require.Equal(t, 0, table.Len())
}
