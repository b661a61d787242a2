// Package iodispatcher runs one guest's blocking step-and-dispatch loop:
// it repeatedly steps the guest's vCPU and hands each exit to the guest's
// own port dispatch, stopping on halt, shutdown, or an unrecoverable
// error. It is the Go-native reshaping of the teacher's VCPU.Run goroutine
// loop (core_engine/vcpu.go), narrowed to the single-guest, no-interrupts
// model spec.md §4.3 describes.
package iodispatcher

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"microvisor/internal/fileproto"
	"microvisor/internal/guest"
	"microvisor/internal/vcpu"
)

// Result records how a guest's run loop ended.
type Result struct {
	GuestID int
	Err     error
}

// Run drives g's vCPU until it halts, shuts down, or hits an error it
// cannot recover from. A ProtocolViolation from the file service aborts
// only this guest's loop, per spec.md §7; the result's Err is non-nil in
// that case, but the guest's resources are still released before Run
// returns.
func Run(g *guest.Guest, log *logrus.Entry) Result {
	defer g.Close()

	for {
		kind, io, err := g.Step()
		if err != nil {
			return Result{GuestID: g.ID, Err: fmt.Errorf("vcpu step: %w", err)}
		}

		done, err := g.HandleExit(kind, io)
		if err != nil {
			var violation *fileproto.ViolationError
			if errors.As(err, &violation) {
				log.WithField("guest", g.ID).WithError(err).Error("aborting guest on file protocol violation")
				return Result{GuestID: g.ID, Err: err}
			}
			return Result{GuestID: g.ID, Err: fmt.Errorf("guest %d: %w", g.ID, err)}
		}
		if done {
			marker := "guest halted"
			if kind == vcpu.ExitShutdown {
				marker = "guest shut down"
			}
			log.WithField("guest", g.ID).Info(marker)
			return Result{GuestID: g.ID, Err: nil}
		}
	}
}
