package core

import (
	"os"
	"strings"
)

// HostSerial resolves the current process's hardware-serial identity, used
// to bind minted tokens to the host that minted them (spec.md §4.3). No
// ecosystem library in the retrieved pack reads hardware serials directly,
// so this stays on stdlib os calls: first ATOMIC_NODE_SERIAL, then the
// machine hostname as a reasonable fallback identity on developer/test
// hosts where no serial has been provisioned.
func HostSerial() string {
	if v := strings.TrimSpace(os.Getenv("ATOMIC_NODE_SERIAL")); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-host"
}
