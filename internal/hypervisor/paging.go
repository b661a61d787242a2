package hypervisor

// x86-64 4-level page-table entry flags. Every level (PML4/PDPT/PD/PT)
// shares this bit layout; PS only has meaning at the PD level, where it
// turns a PD entry into a 2 MiB leaf instead of a pointer to a PT.
//
// Bit-exact per spec.md §6: PRESENT/RW/USER/PS at positions 0, 1, 2, 7;
// the physical address field occupies bits 12..51.
const (
	PTEPresent uint64 = 1 << 0
	PTERW      uint64 = 1 << 1
	PTEUser    uint64 = 1 << 2
	PTEPS      uint64 = 1 << 7 // 2 MiB leaf marker, PD level only

	PTEAddrMask uint64 = 0x000FFFFFFFFFF000
)

// PML4Entry builds PML4[0], pointing at the PDPT.
func PML4Entry(pdptAddr uint64) uint64 {
	return PTEPresent | PTERW | PTEUser | (pdptAddr & PTEAddrMask)
}

// PDPTEntry builds PDPT[0], pointing at the PD.
func PDPTEntry(pdAddr uint64) uint64 {
	return PTEPresent | PTERW | PTEUser | (pdAddr & PTEAddrMask)
}

// PDEntryHuge builds a 2 MiB leaf PD entry.
func PDEntryHuge(pageAddr uint64) uint64 {
	return PTEPresent | PTERW | PTEUser | PTEPS | (pageAddr & PTEAddrMask)
}

// PDEntryPT builds a PD entry pointing at a 4 KiB page table.
func PDEntryPT(ptAddr uint64) uint64 {
	return PTEPresent | PTERW | PTEUser | (ptAddr & PTEAddrMask)
}

// PTEEntry builds a 4 KiB leaf PT entry.
func PTEEntry(pageAddr uint64) uint64 {
	return PTEPresent | PTERW | PTEUser | (pageAddr & PTEAddrMask)
}
