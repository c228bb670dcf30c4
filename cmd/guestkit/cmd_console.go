package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Launch the appliance and attach to its serial console",
	Long: `Launch the appliance and attach the terminal to the appliance serial
console. Exit with Ctrl-C. The transcript is raw console bytes,
control sequences included, so run this on a real terminal.`,
	RunE: runConsole,
}

func init() {
	addDriveFlags(consoleCmd)
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
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

	if err := h.Launch(ctx); err != nil {
		return err
	}

	fd, err := h.ConsoleFd()
	if err != nil {
		return err
	}
	console := os.NewFile(uintptr(fd), "console")

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return err
		}
		defer term.Restore(stdinFd, oldState)
	}

	fmt.Fprintln(os.Stderr, "connected to appliance console, press Ctrl-C to exit\r")

	go io.Copy(console, os.Stdin)
	done := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, console)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return h.Shutdown()
}
