//go:build linux

package guestctl

import (
	"context"
	"fmt"
	"time"

	"github.com/mdlayher/vsock"
)

// DialDirect connects directly to a guest CID/port pair over AF_VSOCK,
// for monitors that expose a real vsock device node instead of only a
// host Unix-socket bridge. The UDS+CONNECT bridge path in roundTrip
// remains the default — this is an alternate transport for monitors that
// support it, and is not exercised by the bridged protocol tests since
// the monitor contract this module targets is UDS-bridged.
func DialDirect(ctx context.Context, cid, port uint32) (*vsock.Conn, error) {
	type result struct {
		conn *vsock.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("guestctl: direct vsock dial cid=%d port=%d: %w", cid, port, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("guestctl: direct vsock dial cid=%d port=%d timed out", cid, port)
	}
}
