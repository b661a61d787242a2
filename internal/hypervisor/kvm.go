// Package hypervisor wraps the Linux KVM ioctl interface: opening the
// control device, creating VMs and vCPUs, mapping the shared run region,
// and getting/setting register state. It mirrors the teacher's
// core_engine/hypervisor package but replaces placeholder ioctl numbers
// with the real KVM_* request codes and the struct layouts KVM actually
// expects, and moves the raw syscalls onto golang.org/x/sys/unix.
package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes, as generated by the kernel's _IO/_IOR/_IOW/_IOWR
// macros over KVMIO (0xAE) for the x86_64 struct layouts below.
const (
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
)

// Exit reasons reported in Run.ExitReason.
const (
	ExitUnknown    uint32 = 0
	ExitIO         uint32 = 2
	ExitHLT        uint32 = 5
	ExitMMIO       uint32 = 6
	ExitShutdown   uint32 = 8
	ExitFailEntry  uint32 = 9
	ExitInternalErr uint32 = 17
)

// IO exit directions, matching struct kvm_run's io.direction field
// (KVM_EXIT_IO_IN=0, KVM_EXIT_IO_OUT=1).
const (
	IODirIn  uint8 = 0
	IODirOut uint8 = 1
)

// UserMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs mirrors struct kvm_regs on x86_64: 18 general-purpose quadwords.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment (24 bytes).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// DTable mirrors struct kvm_dtable (the GDT/IDT pseudo-descriptors).
type DTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// Sregs mirrors struct kvm_sregs on x86_64 (0x138 bytes, matching
// KVM_GET_SREGS/KVM_SET_SREGS's encoded struct size).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// CR0/CR4/EFER bits this implementation needs (the rest of the real
// register is left untouched).
const (
	CR0PE uint64 = 1 << 0
	CR0PG uint64 = 1 << 31

	CR4PAE uint64 = 1 << 5

	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
)

// ioExit mirrors the "io" branch of struct kvm_run's exit union.
type ioExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// internalErrExit mirrors the "internal" branch of the exit union.
type internalErrExit struct {
	Suberror uint32
	Ndata    uint32
	Data     [16]uint64
}

// Run mirrors the fixed-size prefix of struct kvm_run plus the exit-reason
// union, sized to match the real kernel struct so that the mmap'd region
// can be interpreted in place.
type Run struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	Padding1               [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
	exitUnion              [256]byte
	KVMValidRegs           uint64
	KVMDirtyRegs           uint64
	syncRegs               [2048]byte
}

// IO returns the io-exit view of the current exit union; valid only when
// ExitReason == ExitIO.
func (r *Run) IO() (direction uint8, size uint8, port uint16, count uint32, data []byte) {
	io := (*ioExit)(unsafe.Pointer(&r.exitUnion[0]))
	base := uintptr(unsafe.Pointer(r))
	ptr := unsafe.Pointer(base + uintptr(io.DataOffset))
	total := int(io.Size) * int(io.Count)
	if total <= 0 {
		total = int(io.Size)
	}
	return io.Direction, io.Size, io.Port, io.Count, unsafe.Slice((*byte)(ptr), total)
}

// InternalErrorSuberror returns the sub-error code for ExitInternalErr.
func (r *Run) InternalErrorSuberror() uint32 {
	ie := (*internalErrExit)(unsafe.Pointer(&r.exitUnion[0]))
	return ie.Suberror
}

// HostVmm wraps one open handle on /dev/kvm, the vCPU run-region size
// queried and cached when it is opened, and the one VM created from it via
// CreateVM. guest.New opens its own HostVmm for every guest, so the control
// device is opened and the run-region size queried once per guest, not once
// per process.
type HostVmm struct {
	fd          int
	runMmapSize int
	vmFD        int
}

// Open opens /dev/kvm read-write and queries KVM_GET_VCPU_MMAP_SIZE.
// Failure here is fatal to the process per spec.md §4.1.
func Open() (*HostVmm, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	if int(size) <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned non-positive size %d", int(size))
	}

	return &HostVmm{fd: fd, runMmapSize: int(size)}, nil
}

// RunMmapSize returns the cached shared-region size for mapping kvm_run.
func (h *HostVmm) RunMmapSize() int { return h.runMmapSize }

// CreateVM issues KVM_CREATE_VM, caching the resulting per-VM file
// descriptor for later retrieval via VmFD.
func (h *HostVmm) CreateVM() error {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), kvmCreateVM, 0)
	if errno != 0 {
		return fmt.Errorf("KVM_CREATE_VM: %w", errno)
	}
	h.vmFD = int(fd)
	return nil
}

// VmFD returns the file descriptor created by CreateVM.
func (h *HostVmm) VmFD() int { return h.vmFD }

// Close closes both the per-VM and control device file descriptors.
func (h *HostVmm) Close() error {
	var err error
	if h.vmFD != 0 {
		if cerr := unix.Close(h.vmFD); cerr != nil {
			err = cerr
		}
		h.vmFD = 0
	}
	if h.fd != 0 {
		if cerr := unix.Close(h.fd); err == nil {
			err = cerr
		}
		h.fd = 0
	}
	return err
}

// CreateVCPU issues KVM_CREATE_VCPU against an open vmFD.
func CreateVCPU(vmFD int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmCreateVCPU, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VCPU: %w", errno)
	}
	return int(fd), nil
}

// SetUserMemoryRegion issues KVM_SET_USER_MEMORY_REGION, installing slot 0
// of the guest's physical address space.
func SetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memSize uint64, userAddr uintptr) error {
	region := UserMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memSize,
		UserspaceAddr: uint64(userAddr),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", errno)
	}
	return nil
}

// RunVCPU issues KVM_RUN, blocking until the guest's vCPU next exits.
func RunVCPU(vcpuFD int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmRun, 0)
	if errno != 0 && errno != unix.EINTR {
		return fmt.Errorf("KVM_RUN: %w", errno)
	}
	return nil
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFD int) (*Regs, error) {
	var regs Regs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if errno != 0 {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", errno)
	}
	return &regs, nil
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFD int, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_REGS: %w", errno)
	}
	return nil
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFD int) (*Sregs, error) {
	var sregs Sregs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if errno != 0 {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", errno)
	}
	return &sregs, nil
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFD int, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFD), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_SREGS: %w", errno)
	}
	return nil
}
