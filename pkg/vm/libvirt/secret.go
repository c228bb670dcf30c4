package libvirt

import (
	"encoding/base64"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/guestkit/guestkit/internal/errx"
	"github.com/guestkit/guestkit/pkg/api"
	"github.com/guestkit/guestkit/pkg/logging"
)

// secretRegistry deduplicates libvirt secrets by value: drives that
// share a key share one secret object, so the domain XML never embeds
// the key itself.
type secretRegistry struct {
	conn    *golibvirt.Libvirt
	byValue map[string]string // secret value -> libvirt secret UUID
}

func newSecretRegistry(conn *golibvirt.Libvirt) *secretRegistry {
	return &secretRegistry{conn: conn, byValue: make(map[string]string)}
}

// uuidFor registers the drive's secret with libvirtd if this is the
// first time we see that value, and returns the secret UUID to
// reference from the disk auth element. Returns "" when the drive
// carries no secret.
func (r *secretRegistry) uuidFor(emitter *logging.Emitter, drv *api.Drive) (string, error) {
	if drv.Secret == "" {
		return "", nil
	}
	if id, ok := r.byValue[drv.Secret]; ok {
		return id, nil
	}

	// Ceph keys are base64 on the wire but libvirt wants the raw
	// bytes; everything else is passed through as-is.
	value := []byte(drv.Secret)
	if drv.Protocol == api.DriveProtocolRBD {
		raw, err := base64.StdEncoding.DecodeString(drv.Secret)
		if err != nil {
			return "", errx.With(ErrSecret, ": rbd key is not valid base64: %w", err)
		}
		value = raw
	}

	def := libvirtxml.Secret{
		Ephemeral:   "no",
		Private:     "yes",
		Description: "guestkit secret",
	}
	xml, err := def.Marshal()
	if err != nil {
		return "", errx.With(ErrSecret, ": %w", err)
	}

	sec, err := r.conn.SecretDefineXML(xml, 0)
	if err != nil {
		return "", errx.With(ErrSecret, ": define: %w", err)
	}
	if err := r.conn.SecretSetValue(sec, value, 0); err != nil {
		return "", errx.With(ErrSecret, ": set value: %w", err)
	}

	id := uuid.UUID(sec.UUID).String()
	emitter.Trace("registered secret " + id)
	r.byValue[drv.Secret] = id
	return id, nil
}

// authType maps a drive protocol to the libvirt disk auth type.
func authType(p api.DriveProtocol) string {
	switch p {
	case api.DriveProtocolRBD:
		return "ceph"
	case api.DriveProtocolISCSI:
		return "iscsi"
	default:
		return "volume"
	}
}
