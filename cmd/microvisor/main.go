// Command microvisor is the CLI entry point: it parses guest memory size,
// page mode, guest image paths, and shared file names, then hands them to
// GuestSupervisor. CLI parsing itself is explicitly out of core scope per
// spec.md §1; this file is the "external collaborator" the spec defers to.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"microvisor/internal/guestmem"
	"microvisor/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		memoryMiB int
		pageSize  int
		guests    []string
		files     []string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "microvisor",
		Short: "Run one or more KVM guests with console and file-service I/O",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(debug)

			mode := guestmem.HugePage2MiB
			if pageSize == 4 {
				mode = guestmem.SmallPage4KiB
			}

			cfg := supervisor.Config{
				MemorySize:  uint64(memoryMiB) * 1024 * 1024,
				PageMode:    mode,
				ImagePaths:  guests,
				SharedNames: files,
				Log:         log,
			}

			if err := supervisor.Run(cfg); err != nil {
				log.WithError(err).Error("guest supervisor exited with error")
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&memoryMiB, "memory", "m", 128, "guest memory size in MiB, applied to every guest")
	flags.IntVarP(&pageSize, "page", "p", 2, "page size in KiB/MiB units: 4 selects 4 KiB pages, anything else selects 2 MiB pages")
	flags.StringArrayVarP(&guests, "guest", "g", nil, "path to a guest image; may be repeated for multiple guests")
	flags.StringArrayVarP(&files, "file", "f", nil, "name of a file guests may read directly from the host filesystem; may be repeated")
	flags.BoolVar(&debug, "debug", false, "enable verbose structured logging")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if len(guests) == 0 {
			return fmt.Errorf("at least one --guest/-g image path is required")
		}
		return nil
	}

	return cmd
}

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
