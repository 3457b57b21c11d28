//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// exclusiveControl is a no-op where reuse options are not exposed.
func exclusiveControl(network, address string, c syscall.RawConn) error {
	return nil
}
