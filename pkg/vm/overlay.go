package vm

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/command"
)

// CreateQcow2Overlay creates a qcow2 overlay in the launch temp dir
// backed by the given image. Both backends use this for read-only
// drives and for the appliance root, which must never be written to
// because it is shared between handles.
func CreateQcow2Overlay(p *LaunchParams, qemuImg, backing, backingFormat string) (string, error) {
	if qemuImg == "" {
		qemuImg = "qemu-img"
	}
	overlay := filepath.Join(p.TempDir, "overlay-"+uuid.NewString()+".qcow2")

	cmd := command.New(command.Options{Emitter: p.Emitter, TempDir: p.TempDir})
	defer cmd.Close()

	options := "backing_file=" + backing
	if backingFormat != "" {
		options += ",backing_fmt=" + backingFormat
	}
	cmd.AddArg(qemuImg, "create", "-f", "qcow2", "-o", options, overlay)

	status, err := cmd.Run()
	if err != nil {
		return "", errx.Wrap(ErrOverlay, err)
	}
	if status != 0 {
		return "", errx.With(ErrOverlay, ": %s", cmd.StatusString())
	}
	return overlay, nil
}
