package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guestkit/guestkit/pkg/guestkit"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <local> <remote>",
	Short: "Copy a local file into the guest",
	Long: `Launch the appliance, copy a local file to a path inside the guest
and shut down. Interrupting with Ctrl-C cancels the transfer cleanly.`,
	Example: `  guestkit upload --drive disk.img backup.tar /backup.tar`,
	Args:    cobra.ExactArgs(2),
	RunE:    runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <remote> <local>",
	Short: "Copy a file out of the guest",
	Long: `Launch the appliance, copy a file from inside the guest to a local
path and shut down. Pass /dev/stdout as the local path to stream.`,
	Example: `  guestkit download --drive-ro disk.img /etc/fstab fstab.txt`,
	Args:    cobra.ExactArgs(2),
	RunE:    runDownload,
}

func init() {
	addDriveFlags(uploadCmd)
	addDriveFlags(downloadCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	return withLaunched(cmd, func(h *guestkit.Handle) error {
		return h.Upload(args[0], args[1])
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	return withLaunched(cmd, func(h *guestkit.Handle) error {
		return h.Download(args[0], args[1])
	})
}

// withLaunched launches an appliance, runs fn against it with Ctrl-C
// wired to transfer cancellation, and tears everything down.
func withLaunched(cmd *cobra.Command, fn func(h *guestkit.Handle) error) error {
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

	// After launch, a signal cancels the in-flight transfer instead
	// of killing the process mid-protocol.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			h.UserCancel()
		}
	}()

	if err := fn(h); err != nil {
		return err
	}
	return h.Shutdown()
}
