// Package supervisor builds and runs a process's guests: it reads each
// guest's image, constructs the guest in sequence, spawns one goroutine
// per guest to run its IoDispatcher loop, and waits for all of them to
// finish. It is the reshaping of the teacher's main-loop VM-plus-thread
// bootstrap (core_engine/virtual_machine.go's NewVirtualMachine wiring)
// into spec.md §4.6's GuestSupervisor.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"microvisor/internal/guest"
	"microvisor/internal/guestmem"
	"microvisor/internal/iodispatcher"
	"microvisor/internal/sharedfiles"
)

// loadChunk is the granularity at which guest images are read into memory,
// per spec.md §4.6 ("appending at 1 KiB granularity until the source
// stream is drained") — carried forward from
// original_source/mini_hypervisor.c's identical load loop.
const loadChunk = 1024

// Config is the fully-resolved set of inputs GuestSupervisor needs, after
// CLI parsing has validated them (SPEC_FULL.md §2.3).
type Config struct {
	MemorySize  uint64 // bytes, applied to every guest
	PageMode    guestmem.PageMode
	ImagePaths  []string
	SharedNames []string
	Log         *logrus.Logger
}

// Run builds every guest named in cfg.ImagePaths in order, then runs them
// concurrently to completion. It returns the first error observed (if
// any); all guests still run to completion regardless of one guest's
// failure, matching spec.md §7's "aborts that guest's loop and leaves
// other guests running."
func Run(cfg Config) error {
	if cfg.PageMode == guestmem.HugePage2MiB && cfg.MemorySize == 2*1024*1024 {
		return fmt.Errorf("page size 2 MiB with memory size 2 MiB leaves no room for a guest image")
	}
	if len(cfg.ImagePaths) == 0 {
		return fmt.Errorf("at least one guest image is required")
	}

	shared := sharedfiles.New(cfg.SharedNames)

	guests := make([]*guest.Guest, 0, len(cfg.ImagePaths))
	for id, path := range cfg.ImagePaths {
		image, err := readImage(path)
		if err != nil {
			closeAll(guests)
			return fmt.Errorf("guest %d: %w", id, err)
		}

		g, err := guest.New(guest.Config{
			ID:       id,
			MemSize:  cfg.MemorySize,
			PageMode: cfg.PageMode,
			Image:    image,
			Shared:   shared,
			Log:      cfg.Log.WithField("component", "guest"),
		})
		if err != nil {
			closeAll(guests)
			return err
		}
		guests = append(guests, g)

		if name, err := g.ConsoleName(); err != nil {
			cfg.Log.WithField("guest", id).WithError(err).Warn("could not resolve console pty path")
		} else {
			cfg.Log.WithField("guest", id).WithField("console", name).Info("guest console attached")
		}
	}

	var wg sync.WaitGroup
	results := make([]iodispatcher.Result, len(guests))
	for i, g := range guests {
		wg.Add(1)
		go func(i int, g *guest.Guest) {
			defer wg.Done()
			results[i] = iodispatcher.Run(g, cfg.Log.WithField("component", "iodispatcher"))
		}(i, g)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("guest %d: %w", r.GuestID, r.Err)
		}
	}
	return nil
}

// readImage reads a guest image file in loadChunk-sized reads, per
// spec.md §4.6. The chunked read has no behavioral difference from a
// single bulk read for a regular file; it is kept because it is the
// boundary spec.md's own test matrix exercises (partially filled final
// chunk) and it mirrors the original source's load loop.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open guest image %q: %w", path, err)
	}
	defer f.Close()

	var out []byte
	buf := make([]byte, loadChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read guest image %q: %w", path, err)
		}
	}
	return out, nil
}

func closeAll(guests []*guest.Guest) {
	for _, g := range guests {
		g.Close()
	}
}
