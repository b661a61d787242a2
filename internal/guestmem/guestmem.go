// Package guestmem owns a guest's physical-memory region: the host mmap
// backing it, the 4-level long-mode page tables constructed inside it, and
// the guest-virtual -> host-pointer translator used by the file-protocol's
// read/write handlers. It is the Go-native reshaping of the teacher's
// virtual_machine.go memory setup plus the flat 32-bit paging.go, now built
// for x86-64 long mode per spec.md §4.2.
package guestmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"microvisor/internal/hypervisor"
)

// PageMode selects how GuestMemory::BuildPageTables lays out the PD level.
type PageMode int

const (
	HugePage2MiB PageMode = iota
	SmallPage4KiB
)

const (
	pml4Addr = 0x0000
	pdptAddr = 0x1000
	pdAddr   = 0x2000
	ptBase   = 0x3000

	size2MiB = 0x200000
	size4KiB = 0x1000
)

// GuestMemory owns one contiguous host-mapped region backing a guest's
// physical address space, plus the load address computed for it by the
// most recent page-table build.
type GuestMemory struct {
	mem         []byte
	size        uint64
	loadAddress uint64
}

// New mmaps a size-byte anonymous region for guest-physical memory. size
// must be a multiple of 2 MiB and at least 2 MiB, per spec.md §3.
func New(size uint64) (*GuestMemory, error) {
	if size < size2MiB || size%size2MiB != 0 {
		return nil, fmt.Errorf("guest memory size %d must be a non-zero multiple of 2 MiB", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	return &GuestMemory{mem: mem, size: size}, nil
}

// Bytes returns the raw backing slice, for installing as a KVM memory slot
// and for loading the guest image.
func (g *GuestMemory) Bytes() []byte { return g.mem }

// Size returns the configured region size in bytes.
func (g *GuestMemory) Size() uint64 { return g.size }

// LoadAddress returns the guest-physical address of the first page beyond
// the page-table pages (rounded up to 2 MiB in HugePage2MiB mode), computed
// by the most recent BuildPageTables call.
func (g *GuestMemory) LoadAddress() uint64 { return g.loadAddress }

// Close munmaps the region.
func (g *GuestMemory) Close() error {
	if g.mem == nil {
		return nil
	}
	err := unix.Munmap(g.mem)
	g.mem = nil
	return err
}

// BuildPageTables populates PML4[0], PDPT[0], and the PD (plus, in
// SmallPage4KiB mode, the PT block that follows it) so that guest-virtual
// addresses from 0 upward map onto the guest-physical pages that follow the
// page-table region, per spec.md §4.2: guest-virtual 0 maps to the returned
// load address. It returns the guest-physical address at which the loadable
// image should begin.
//
// page_size=2MiB with a 2 MiB total memory size is rejected: that
// combination leaves no page left over for the image once the first 2 MiB
// is reserved for paging metadata (spec.md §4.2 rationale).
func (g *GuestMemory) BuildPageTables(mode PageMode) (uint64, error) {
	if mode == HugePage2MiB && g.size == size2MiB {
		return 0, fmt.Errorf("2 MiB memory with 2 MiB pages leaves no room for a guest image")
	}

	zero(g.mem[pml4Addr : pml4Addr+size4KiB])
	zero(g.mem[pdptAddr : pdptAddr+size4KiB])
	zero(g.mem[pdAddr : pdAddr+size4KiB])

	putU64(g.mem, pml4Addr, hypervisor.PML4Entry(pdptAddr))
	putU64(g.mem, pdptAddr, hypervisor.PDPTEntry(pdAddr))

	switch mode {
	case HugePage2MiB:
		firstPage := ((3*size4KiB)/size2MiB + 1) * size2MiB
		pageAddr := firstPage
		numEntries := g.size/size2MiB - 1
		for i := uint64(0); i < numEntries; i++ {
			putU64(g.mem, pdAddr+i*8, hypervisor.PDEntryHuge(pageAddr))
			pageAddr += size2MiB
		}
		g.loadAddress = firstPage

	case SmallPage4KiB:
		numPDEntries := g.size / size2MiB
		pt := uint64(ptBase)
		for i := uint64(0); i < numPDEntries; i++ {
			zero(g.mem[pt : pt+size4KiB])
			putU64(g.mem, pdAddr+i*8, hypervisor.PDEntryPT(pt))
			pt += size4KiB
		}

		pageAddr := pt
		firstPageAddr := pageAddr
		for i := uint64(0); i < numPDEntries; i++ {
			pdEntry := getU64(g.mem, pdAddr+i*8)
			ptAddr := pdEntry & hypervisor.PTEAddrMask
			for j := uint64(0); j < 512; j++ {
				if pageAddr > g.size {
					break
				}
				putU64(g.mem, ptAddr+j*8, hypervisor.PTEEntry(pageAddr))
				pageAddr += size4KiB
			}
		}
		g.loadAddress = firstPageAddr
	}

	return g.loadAddress, nil
}

// Translate walks the page tables built by BuildPageTables to resolve a
// guest-virtual address into a host pointer into g.mem. It is used only by
// the file-protocol's read/write handlers to resolve the guest's DMA-style
// buffer pointer (spec.md §4.2).
func (g *GuestMemory) Translate(gva uint64) (unsafe.Pointer, bool) {
	pml4Idx := (gva >> 39) & 0x1FF
	pdptIdx := (gva >> 30) & 0x1FF
	pdIdx := (gva >> 21) & 0x1FF
	ptIdx := (gva >> 12) & 0x1FF

	pml4e := getU64(g.mem, pml4Addr+pml4Idx*8)
	if pml4e&hypervisor.PTEPresent == 0 {
		return nil, false
	}

	pdptBase := pml4e & hypervisor.PTEAddrMask
	pdpte := getU64(g.mem, pdptBase+pdptIdx*8)
	if pdpte&hypervisor.PTEPresent == 0 {
		return nil, false
	}

	pdBase := pdpte & hypervisor.PTEAddrMask
	pde := getU64(g.mem, pdBase+pdIdx*8)
	if pde&hypervisor.PTEPresent == 0 {
		return nil, false
	}

	if pde&hypervisor.PTEPS != 0 {
		pageBase := pde & hypervisor.PTEAddrMask
		off := gva & (size2MiB - 1)
		return unsafe.Pointer(&g.mem[pageBase+off]), true
	}

	ptBase := pde & hypervisor.PTEAddrMask
	pte := getU64(g.mem, ptBase+ptIdx*8)
	if pte&hypervisor.PTEPresent == 0 {
		return nil, false
	}
	pageBase := pte & hypervisor.PTEAddrMask
	off := gva & 0xFFF
	return unsafe.Pointer(&g.mem[pageBase+off]), true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func putU64(mem []byte, off uint64, v uint64) {
	for i := 0; i < 8; i++ {
		mem[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func getU64(mem []byte, off uint64) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(mem[off+uint64(i)]) << (8 * i)
	}
	return v
}
