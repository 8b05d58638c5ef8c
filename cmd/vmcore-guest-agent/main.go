// vmcore-guest-agent runs inside each guest VM and answers the host's
// vsock control channel: PING/PONG for liveness, RECONFIGURE_NETWORK for
// the network identity refresh a fast-booted VM needs after restore
// (spec.md §4.I).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensandbox/vmcore/internal/guestagent"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	port := flag.Int("port", guestagent.DefaultPort, "vsock port to listen on")
	iface := flag.String("iface", "eth0", "network interface to reconfigure on request")
	flag.Parse()

	log.Printf("vmcore-guest-agent starting on vsock port %d", *port)

	lis, err := listenVsock(uint32(*port))
	if err != nil {
		log.Fatalf("guestagent: failed to listen: %v", err)
	}

	srv := guestagent.NewServer(guestagent.NewDHClientReconfigurer(*iface))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("guestagent: received %v, shutting down", sig)
		lis.Close()
		os.Exit(0)
	}()

	if err := srv.Serve(lis); err != nil {
		log.Fatalf("guestagent: serve failed: %v", err)
	}
}
