// Package vcpu wraps a single KVM virtual CPU: its file descriptor, the
// mmap'd kvm_run shared-state region, and the blocking run-resume step
// spec.md §4.3 calls for. It is the long-mode-aware reshaping of the
// teacher's core_engine/vcpu.go, stripped of the teacher's PIC/interrupt
// ticker machinery (spec.md's Non-goals exclude injected interrupts and
// timers) and of its real/protected-mode register setup.
package vcpu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"microvisor/internal/hypervisor"
)

// ExitKind classifies a completed Step() in terms IoDispatcher understands.
type ExitKind int

const (
	ExitIO ExitKind = iota
	ExitHalt
	ExitShutdown
	ExitInternalError
	ExitOther
)

// IOExit carries the fields of an ExitIO classification.
type IOExit struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Data      []byte
}

// VCpu owns the virtual CPU handle and its mirrored run-state region.
type VCpu struct {
	fd      int
	run     *hypervisor.Run
	runSize int
}

// New creates a vCPU against vmFD and maps its shared kvm_run region, sized
// by the host's cached KVM_GET_VCPU_MMAP_SIZE.
func New(vmFD int, runMmapSize int) (*VCpu, error) {
	fd, err := hypervisor.CreateVCPU(vmFD)
	if err != nil {
		return nil, err
	}

	region, err := unix.Mmap(fd, 0, runMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}

	return &VCpu{
		fd:      fd,
		run:     (*hypervisor.Run)(unsafe.Pointer(&region[0])),
		runSize: runMmapSize,
	}, nil
}

// InitLongMode programs CR3/CR4/CR0/EFER and the flat 64-bit code/data
// segments for the guest's page tables, per spec.md §4.2.
func (v *VCpu) InitLongMode(pml4PhysAddr uint64) error {
	sregs, err := hypervisor.GetSregs(v.fd)
	if err != nil {
		return err
	}

	sregs.CR3 = pml4PhysAddr
	sregs.CR4 |= hypervisor.CR4PAE
	sregs.CR0 |= hypervisor.CR0PE | hypervisor.CR0PG
	sregs.EFER |= hypervisor.EFERLME | hypervisor.EFERLMA

	sregs.CS = hypervisor.Flat64CodeSegment()
	data := hypervisor.Flat64DataSegment()
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	return hypervisor.SetSregs(v.fd, sregs)
}

// InitRegisters sets the general-purpose registers to the fixed initial
// state spec.md §4.3 requires: rflags=2, rip=0, rsp=1<<19.
func (v *VCpu) InitRegisters() error {
	regs := &hypervisor.Regs{
		RFLAGS: 2,
		RIP:    0,
		RSP:    1 << 19,
	}
	return hypervisor.SetRegs(v.fd, regs)
}

// Step blocks until the guest next exits, and classifies the exit. It is
// resumable: calling it again continues the guest from where it last
// stopped.
func (v *VCpu) Step() (ExitKind, IOExit, error) {
	if err := hypervisor.RunVCPU(v.fd); err != nil {
		return ExitOther, IOExit{}, err
	}

	switch v.run.ExitReason {
	case hypervisor.ExitIO:
		dir, size, port, _, data := v.run.IO()
		return ExitIO, IOExit{Direction: dir, Size: size, Port: port, Data: data}, nil
	case hypervisor.ExitHLT:
		return ExitHalt, IOExit{}, nil
	case hypervisor.ExitShutdown:
		return ExitShutdown, IOExit{}, nil
	case hypervisor.ExitInternalErr:
		return ExitInternalError, IOExit{}, fmt.Errorf("internal error, suberror=0x%x", v.run.InternalErrorSuberror())
	default:
		return ExitOther, IOExit{}, fmt.Errorf("unhandled KVM exit reason %d", v.run.ExitReason)
	}
}

// Close unmaps the run region and closes the vCPU file descriptor.
func (v *VCpu) Close() error {
	var err error
	if v.run != nil {
		region := unsafe.Slice((*byte)(unsafe.Pointer(v.run)), v.runSize)
		err = unix.Munmap(region)
		v.run = nil
	}
	if v.fd != 0 {
		if cerr := unix.Close(v.fd); err == nil {
			err = cerr
		}
		v.fd = 0
	}
	return err
}
