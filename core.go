// Package vmcore is the composition root: it wires configuration, the
// persistent store, the resource pools, and every collaborator into a
// Core that cmd/vmcorectl drives directly. There is no network server in
// this module — Core is a library front-end, not a client for one
// (spec.md §2.4), grounded on cmd/server/main.go's inline bootstrap
// wiring (config.Load, conditional feature setup, graceful shutdown)
// restructured as a constructor instead of inline main() logic.
package vmcore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/vmcore/internal/archive"
	"github.com/opensandbox/vmcore/internal/cloudinit"
	"github.com/opensandbox/vmcore/internal/config"
	"github.com/opensandbox/vmcore/internal/diskmgr"
	"github.com/opensandbox/vmcore/internal/events"
	"github.com/opensandbox/vmcore/internal/lifecycle"
	"github.com/opensandbox/vmcore/internal/pools"
	"github.com/opensandbox/vmcore/internal/procsup"
	"github.com/opensandbox/vmcore/internal/store"
	"github.com/opensandbox/vmcore/internal/warmup"
)

// Core holds every long-lived collaborator one running orchestrator
// needs. cmd/vmcorectl constructs one per invocation against the
// operator's configured data directory.
type Core struct {
	Cfg         *config.Config
	Store       *store.Store
	TAPPool     *pools.TAPPool
	SSHPool     *pools.SSHPortPool
	MACAlloc    *pools.MACAllocator
	Coordinator *lifecycle.Coordinator
	Warmup      *warmup.Engine
	Bus         events.Bus

	// Mirror is nil unless cfg.S3Bucket is set.
	Mirror *archive.Mirror

	natsConn *nats.Conn
}

// New wires up a Core from an already-loaded cfg, ready to serve
// lifecycle operations. Callers should call Close when done, mainly to flush the
// NATS connection if one was opened.
func New(cfg *config.Config) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("vmcore: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.BaseImagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("vmcore: create base images dir: %w", err)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("vmcore: open store: %w", err)
	}
	if err := st.Reload(); err != nil {
		return nil, fmt.Errorf("vmcore: initial store load: %w", err)
	}

	tapPool := pools.NewTAPPool(parseTAPDevices(cfg.TAPDevicesSpec))
	sshPool := pools.NewSSHPortPool(cfg.SSHPortLo, cfg.SSHPortHi)
	macAlloc := pools.NewMACAllocator()
	disk := diskmgr.New(cfg.QemuImgBin)
	sup := procsup.New(cfg.MonitorBin, cfg.KVMGroup)
	ci := cloudinit.New(cfg.ISOMakerBin)

	var bus events.Bus
	local := events.NewChannelBus()
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("vmcore: NATS connect to %s failed, falling back to in-process event bus: %v", cfg.NATSURL, err)
			bus = local
		} else {
			bus = events.NewNATSBus(local, nc, "vmcore.events")
			log.Printf("vmcore: publishing events to NATS at %s", cfg.NATSURL)
		}
	} else {
		bus = local
	}

	sshPubKey, err := loadSSHPubKey(cfg.SSHKeysDir)
	if err != nil {
		log.Printf("vmcore: no SSH public key available (%v), cloud-init seeds will omit one", err)
	}

	coord := lifecycle.New(cfg, st, tapPool, sshPool, macAlloc, disk, sup, ci, bus, sshPubKey, lifecycle.Deps{})

	warmupCfg := warmup.Config{
		VCPUs:         cfg.DefaultVCPUs,
		MemoryMiB:     cfg.DefaultMemoryMiB,
		DiskGiB:       cfg.DefaultDiskGiB,
		MarkerTimeout: time.Duration(cfg.WarmupMarkerTimeoutSec) * time.Second,
	}
	we := warmup.New(coord, st, cfg.BaseImagesDir, warmupCfg, bus, nil)

	var mirror *archive.Mirror
	if cfg.S3Bucket != "" {
		mirror, err = archive.NewMirror(archive.Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Printf("vmcore: S3 warmup-snapshot mirror unavailable (%v), continuing without it", err)
			mirror = nil
		} else {
			log.Printf("vmcore: warmup-snapshot mirror configured (bucket=%s, region=%s)", cfg.S3Bucket, cfg.S3Region)
		}
	}

	return &Core{
		Cfg:         cfg,
		Store:       st,
		TAPPool:     tapPool,
		SSHPool:     sshPool,
		MACAlloc:    macAlloc,
		Coordinator: coord,
		Warmup:      we,
		Bus:         bus,
		Mirror:      mirror,
		natsConn:    nc,
	}, nil
}

// Close releases the NATS connection, if one was opened.
func (c *Core) Close() {
	if c.natsConn != nil {
		c.natsConn.Close()
	}
}

// parseTAPDevices turns VMCORE_TAP_DEVICES
// ("name=bridge:gateway:ip1,ip2;name2=...") into pool-ready TAPDevice
// values. Malformed entries are skipped with a logged warning rather
// than failing startup — an operator fixing one bad entry shouldn't
// need the whole orchestrator down in the meantime.
func parseTAPDevices(spec string) []pools.TAPDevice {
	if spec == "" {
		return nil
	}
	var devices []pools.TAPDevice
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nameRest := strings.SplitN(entry, "=", 2)
		if len(nameRest) != 2 {
			log.Printf("vmcore: skipping malformed VMCORE_TAP_DEVICES entry %q: missing '='", entry)
			continue
		}
		fields := strings.Split(nameRest[1], ":")
		if len(fields) != 3 {
			log.Printf("vmcore: skipping malformed VMCORE_TAP_DEVICES entry %q: want bridge:gateway:ips", entry)
			continue
		}
		devices = append(devices, pools.TAPDevice{
			Name:     nameRest[0],
			Bridge:   fields[0],
			Gateway:  fields[1],
			GuestIPs: strings.Split(fields[2], ","),
		})
	}
	return devices
}

// loadSSHPubKey reads the operator's ed25519 public key the guest agent
// installs for the default user, per spec.md §4.E.
func loadSSHPubKey(sshKeysDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sshKeysDir, "id_ed25519.pub"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Reconcile runs startup reconciliation against the current record set.
// cmd/vmcorectl calls this once before serving any other command.
func (c *Core) Reconcile() error {
	return c.Coordinator.Reconcile()
}
