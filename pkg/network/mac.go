package network

import (
	"crypto/rand"
	"fmt"
)

// EcoRouterMAC returns a MAC address in the fixed vendor range
// 1C:87:76:40:00:00 - 1C:87:76:40:FF:FF. Router images key their licensing
// to this prefix, so their interfaces cannot use hypervisor-assigned
// addresses.
func EcoRouterMAC() string {
	var tail [2]byte
	// rand.Read on the system source does not fail in practice.
	_, _ = rand.Read(tail[:])
	return fmt.Sprintf("1C:87:76:40:%02X:%02X", tail[0], tail[1])
}
