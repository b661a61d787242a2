package hypervisor

// Long mode does not need a guest-resident GDT for the single flat code/data
// segment spec.md requires (§4.2's "flat 64-bit code segment with data
// selectors derived from it"); the descriptor fields are programmed
// directly into Sregs via KVM_SET_SREGS, the same approach
// original_source/mini_hypervisor.c's setup_64bit_code_segment takes. This
// file is the Go-idiomatic equivalent of the teacher's hypervisor/gdt.go,
// adapted from "build an in-memory GDTEntry table" to "build the Segment
// values long mode actually consults".

// Flat64CodeSegment returns a present, 64-bit, execute/read code segment
// covering the full linear address space.
func Flat64CodeSegment() Segment {
	return Segment{
		Base:    0,
		Limit:   0xFFFFFFFF,
		Type:    11, // execute, read, accessed
		Present: 1,
		DPL:     0,
		S:       1, // code/data, not system
		L:       1, // 64-bit mode
		G:       1, // 4 KiB granularity
	}
}

// Flat64DataSegment returns a present, read/write data segment covering the
// full linear address space, used for DS/ES/FS/GS/SS alike.
func Flat64DataSegment() Segment {
	seg := Flat64CodeSegment()
	seg.Type = 3 // read, write, accessed
	seg.L = 0
	return seg
}
