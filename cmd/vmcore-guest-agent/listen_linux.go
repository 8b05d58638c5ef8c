//go:build linux

package main

import (
	"log"
	"net"
	"os"

	"github.com/mdlayher/vsock"
)

// listenVsock binds the guest agent's AF_VSOCK port using mdlayher/vsock
// — the same library internal/guestctl uses for the host-side
// direct-dial path, kept symmetric rather than reimplementing AF_VSOCK
// framing by hand the way the teacher's own agent listener does. Falls
// back to a Unix socket if vsock isn't available (e.g. running this
// binary outside a VM for local testing).
func listenVsock(port uint32) (net.Listener, error) {
	lis, err := vsock.Listen(port, nil)
	if err == nil {
		log.Printf("guestagent: listening on vsock port %d", port)
		return lis, nil
	}

	sockPath := "/tmp/vmcore-guestagent.sock"
	os.Remove(sockPath)
	fallback, ferr := net.Listen("unix", sockPath)
	if ferr != nil {
		return nil, ferr
	}
	log.Printf("guestagent: listening on %s (vsock unavailable: %v)", sockPath, err)
	return fallback, nil
}
