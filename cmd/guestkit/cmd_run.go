package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the appliance, check the daemon and shut down",
	Long: `Launch the appliance with the configured drives, ping the guest
daemon to prove the connection works, report timings and shut the
appliance down again. Useful as a smoke test of the appliance, the
backend and the host configuration.`,
	Example: `  guestkit run
  guestkit run -v --backend direct --scratch 1G
  guestkit run --backend libvirt:qemu:///session --drive-ro disk.img`,
	RunE: runRun,
}

func init() {
	addDriveFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	h, err := newHandle(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := addDrives(cmd, h); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := h.Launch(ctx); err != nil {
		return err
	}
	launched := time.Since(start)

	if err := h.Ping(); err != nil {
		return err
	}

	fmt.Printf("backend:  %s\n", h.Backend())
	if pid, err := h.PID(); err == nil {
		fmt.Printf("pid:      %d\n", pid)
	}
	fmt.Printf("drives:   %d\n", h.NrDrives())
	fmt.Printf("launched: %s\n", launched.Round(time.Millisecond))

	if err := h.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: shutdown: %v\n", err)
	}
	return nil
}
