package guestmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"microvisor/internal/guestmem"
)

func TestRejectsTwoMiBMemoryWithHugePages(t *testing.T) {
	mem, err := guestmem.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	_, err = mem.BuildPageTables(guestmem.HugePage2MiB)
	require.Error(t, err)
}

func TestHugePageModeFourMiB(t *testing.T) {
	mem, err := guestmem.New(4 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	load, err := mem.BuildPageTables(guestmem.HugePage2MiB)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000), load, "image load address is the first 2 MiB boundary past the reserved pages")

	// guest-virtual 0 is where rip=0 starts executing, and must translate
	// into the loaded image's first byte (guest-physical `load`).
	ptr, ok := mem.Translate(0)
	require.True(t, ok)
	require.NotNil(t, ptr)
	*(*byte)(ptr) = 0x7F
	require.Equal(t, byte(0x7F), mem.Bytes()[load])
}

func TestHugePageModeSecondEntry(t *testing.T) {
	mem, err := guestmem.New(6 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	_, err = mem.BuildPageTables(guestmem.HugePage2MiB)
	require.NoError(t, err)

	ptr, ok := mem.Translate(0x200000) // second 2 MiB huge page
	require.True(t, ok)
	require.NotNil(t, ptr)
}

func TestSmallPageModeRoundTrip(t *testing.T) {
	mem, err := guestmem.New(8 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	load, err := mem.BuildPageTables(guestmem.SmallPage4KiB)
	require.NoError(t, err)
	require.True(t, load > 0)

	// guest-virtual 0 maps to the load address, matching rip=0's entry point.
	ptr, ok := mem.Translate(0)
	require.True(t, ok)
	*(*byte)(ptr) = 0x42
	require.Equal(t, byte(0x42), mem.Bytes()[load])
}

func TestTranslateUnmappedAddressFails(t *testing.T) {
	mem, err := guestmem.New(4 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	_, err = mem.BuildPageTables(guestmem.HugePage2MiB)
	require.NoError(t, err)

	_, ok := mem.Translate(0xFFFFFFFF)
	require.False(t, ok)
}

func TestSmallPageModeLastPTPartiallyFilled(t *testing.T) {
	// 6 MiB of memory: 3 PD entries, the final PT covers the tail end of the
	// region and must stop filling once page_addr exceeds the memory size.
	mem, err := guestmem.New(6 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	load, err := mem.BuildPageTables(guestmem.SmallPage4KiB)
	require.NoError(t, err)
	require.True(t, load > 0)

	// guest-virtual 0 is the first page-table entry filled and must map.
	_, ok := mem.Translate(0)
	require.True(t, ok)

	// An address near the top of the mapped region, in the last (partially
	// filled) PT behind PD entry 2, must still translate.
	_, ok = mem.Translate(0x5F9000)
	require.True(t, ok)
}
