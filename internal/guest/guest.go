// Package guest ties one guest's resources together: its physical memory
// and page tables, its vCPU, its file table and file-service protocol
// state, and the pty pair standing in for its console. It is the
// reshaping of the teacher's VirtualMachine (a single process-wide struct
// owning one shared device set) into spec.md's per-guest model, where
// every guest is fully independent and runs on its own goroutine
// (spec.md §5).
package guest

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"microvisor/internal/filetable"
	"microvisor/internal/fileproto"
	"microvisor/internal/guestmem"
	"microvisor/internal/hypervisor"
	"microvisor/internal/sharedfiles"
	"microvisor/internal/vcpu"
)

// ConsolePort is the single byte-wide console port, per spec.md §4.1.
const ConsolePort = 0xE9

// FileServicePort is the file-service protocol's port, per spec.md §4.4.
const FileServicePort = 0x278

// Guest is one guest machine: its memory, vCPU, open files, and console.
type Guest struct {
	ID int

	mem     *guestmem.GuestMemory
	vm      *hypervisor.HostVmm
	cpu     *vcpu.VCpu
	table   *filetable.Table
	proto   *fileproto.Protocol
	console *os.File // pty master end

	log *logrus.Entry
}

// Config carries the inputs GuestSupervisor has already resolved: the
// image bytes to load, the memory size and page mode shared across every
// guest in the process, and the guest's assigned id.
type Config struct {
	ID       int
	MemSize  uint64
	PageMode guestmem.PageMode
	Image    []byte
	Shared   *sharedfiles.Registry
	Log      *logrus.Entry
}

// New builds a guest: opens /dev/kvm, creates the VM and vCPU, builds page
// tables, loads the image at the computed load address, and allocates a
// pty pair for its console, per spec.md §4.1-§4.3.
func New(cfg Config) (*Guest, error) {
	mem, err := guestmem.New(cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("guest %d: %w", cfg.ID, err)
	}

	vm, err := hypervisor.Open()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("guest %d: %w", cfg.ID, err)
	}
	if err := vm.CreateVM(); err != nil {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: %w", cfg.ID, err)
	}

	userAddr := uintptr(unsafe.Pointer(&mem.Bytes()[0]))
	if err := hypervisor.SetUserMemoryRegion(vm.VmFD(), 0, 0, mem.Size(), userAddr); err != nil {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: install memory region: %w", cfg.ID, err)
	}

	if _, err := mem.BuildPageTables(cfg.PageMode); err != nil {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: %w", cfg.ID, err)
	}

	loadAddr := mem.LoadAddress()
	if uint64(len(cfg.Image)) > mem.Size()-loadAddr {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: image of %d bytes does not fit past load address 0x%x in %d bytes of memory",
			cfg.ID, len(cfg.Image), loadAddr, mem.Size())
	}
	copy(mem.Bytes()[loadAddr:], cfg.Image)

	runSize, err := vm.RunMmapSize()
	if err != nil {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: %w", cfg.ID, err)
	}

	cpu, err := vcpu.New(vm.VmFD(), runSize)
	if err != nil {
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: create vcpu: %w", cfg.ID, err)
	}
	if err := cpu.InitLongMode(pml4GuestPhysAddr); err != nil {
		cpu.Close()
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: init long mode: %w", cfg.ID, err)
	}
	if err := cpu.InitRegisters(); err != nil {
		cpu.Close()
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: init registers: %w", cfg.ID, err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		cpu.Close()
		mem.Close()
		vm.Close()
		return nil, fmt.Errorf("guest %d: allocate pty: %w", cfg.ID, err)
	}
	slave.Close() // the guest has no separate process attached to the slave side

	table := filetable.New()
	log := cfg.Log.WithField("guest", cfg.ID)

	return &Guest{
		ID:      cfg.ID,
		mem:     mem,
		vm:      vm,
		cpu:     cpu,
		table:   table,
		proto:   fileproto.New(cfg.ID, table, cfg.Shared, mem, log),
		console: master,
		log:     log,
	}, nil
}

// pml4GuestPhysAddr is the fixed guest-physical address of the PML4, per
// spec.md §3's page-table region layout ("PML4 at physical 0"). The memory
// slot installed via SetUserMemoryRegion starts at guest-physical 0, so
// this value is also the correct CR3 for every guest regardless of page
// mode or memory size.
const pml4GuestPhysAddr = 0

// HandleExit dispatches one completed vCPU step to the appropriate device,
// per spec.md §4.1's port demultiplex. It returns done=true when the guest
// has halted or shut down, and an error on unrecoverable conditions. Callers
// must check the error vcpu.Step itself returned (e.g. ExitInternalError)
// before calling HandleExit; this method only classifies ExitIO and the two
// terminal-but-not-erroneous exits.
func (g *Guest) HandleExit(kind vcpu.ExitKind, io vcpu.IOExit) (done bool, err error) {
	switch kind {
	case vcpu.ExitHalt, vcpu.ExitShutdown:
		return true, nil
	case vcpu.ExitIO:
		switch io.Port {
		case ConsolePort:
			return false, g.handleConsole(io)
		case FileServicePort:
			return false, g.proto.HandleIO(io.Direction, io.Size, io.Data)
		default:
			return true, fmt.Errorf("guest %d: unhandled I/O port 0x%x", g.ID, io.Port)
		}
	default:
		return true, fmt.Errorf("guest %d: unhandled exit", g.ID)
	}
}

// handleConsole forwards an 8-bit OUT on 0xE9 to the pty master, or
// satisfies an 8-bit IN by reading one byte from it, per spec.md §6. Any
// other width at this port is a protocol violation.
func (g *Guest) handleConsole(io vcpu.IOExit) error {
	if io.Size != 1 {
		return fmt.Errorf("guest %d: console port only supports 8-bit transfers, got size=%d", g.ID, io.Size)
	}
	switch io.Direction {
	case hypervisor.IODirOut:
		_, err := g.console.Write(io.Data[:1])
		return err
	case hypervisor.IODirIn:
		_, err := g.console.Read(io.Data[:1])
		return err
	default:
		return fmt.Errorf("guest %d: console port unknown direction %d", g.ID, io.Direction)
	}
}

// Step runs the guest's vCPU for exactly one exit.
func (g *Guest) Step() (vcpu.ExitKind, vcpu.IOExit, error) {
	return g.cpu.Step()
}

// Close releases every resource the guest owns: open files, the vCPU, its
// memory mapping, the VM handle, and the console pty.
func (g *Guest) Close() {
	g.proto.CloseAll()
	if err := g.cpu.Close(); err != nil {
		g.log.WithError(err).Warn("closing vcpu")
	}
	if err := g.mem.Close(); err != nil {
		g.log.WithError(err).Warn("unmapping guest memory")
	}
	if err := g.vm.Close(); err != nil {
		g.log.WithError(err).Warn("closing vm handle")
	}
	if err := g.console.Close(); err != nil {
		g.log.WithError(err).Warn("closing console pty")
	}
}

// ConsoleName returns the pty slave path a host-side terminal program would
// open to interact with this guest's console.
func (g *Guest) ConsoleName() (string, error) {
	return unixPtsName(g.console)
}

func unixPtsName(f *os.File) (string, error) {
	return unix.Ptsname(int(f.Fd()))
}
