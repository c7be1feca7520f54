// Package naming provides the naming conventions shared by device managers:
// device identifiers, sanitized NQN forms used by the emulation front-end and
// socket directories, and generated controller names.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Filler replaces every non-alphanumeric character in a sanitized name.
const Filler = '_'

// Separator joins a device prefix and its backend identifier.
const Separator = ":"

// DeviceID composes the externally visible device id.
//
// Example: DeviceID("tcp", "nqn.2016-06.io.spdk:cnode0") → tcp:nqn.2016-06.io.spdk:cnode0
func DeviceID(prefix, backendID string) string {
	return prefix + Separator + backendID
}

// HasPrefix reports whether id was composed with prefix.
func HasPrefix(id, prefix string) bool {
	return prefix != "" && strings.HasPrefix(id, prefix+Separator)
}

// BackendID strips prefix from id. It fails if id does not carry prefix or
// the remainder is empty.
func BackendID(id, prefix string) (string, error) {
	if !HasPrefix(id, prefix) {
		return "", fmt.Errorf("device id %q does not belong to %q", id, prefix)
	}
	rest := strings.TrimPrefix(id, prefix+Separator)
	if rest == "" {
		return "", fmt.Errorf("device id %q has no backend identifier", id)
	}
	return rest, nil
}

// SanitizeNQN replaces every character outside [A-Za-z0-9] with Filler.
//
// Example: nqn.2016-06.io.spdk:vfiouser-0 → nqn_2016_06_io_spdk_vfiouser_0
func SanitizeNQN(nqn string) string {
	var b strings.Builder
	b.Grow(len(nqn))
	for _, r := range nqn {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(Filler)
		}
	}
	return b.String()
}

// SocketDir returns the vfio-user socket directory for nqn under root.
func SocketDir(root, nqn string) string {
	return filepath.Join(root, SanitizeNQN(nqn))
}

// ControllerName returns a fresh unique name for an initiator-side controller.
func ControllerName() string {
	return uuid.NewString()
}
