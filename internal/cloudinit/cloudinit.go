// Package cloudinit renders a VM's first-boot seed (meta-data, user-data,
// network-config) and invokes an external ISO-creation binary to produce
// the cloudinit.iso the guest consumes on cold boot. No templating
// library is used — every file is built by plain string concatenation,
// matching the rest of the corpus's aversion to templating engines for
// small generated text.
package cloudinit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensandbox/vmcore/internal/shellout"
)

// AgentVsockPort is the vsock port the installed guest agent listens on
// (see internal/guestctl for the host side of this protocol).
const AgentVsockPort = 9000

// Seed carries everything needed to render one VM's cloud-init directory.
type Seed struct {
	VMID       string
	VMName     string
	SSHPubKey  string // operator's public key, installed for the "agent" user
	MACAddress string
}

// Builder renders seed files and invokes the ISO maker to package them.
type Builder struct {
	isoMakerBin string
	runner      shellout.Runner
}

// New constructs a Builder that invokes isoMakerBin via the default Exec
// runner.
func New(isoMakerBin string) *Builder {
	return &Builder{isoMakerBin: isoMakerBin, runner: shellout.Exec{}}
}

// NewWithRunner is New but with an injectable Runner, for tests.
func NewWithRunner(isoMakerBin string, runner shellout.Runner) *Builder {
	return &Builder{isoMakerBin: isoMakerBin, runner: runner}
}

// Build writes meta-data, user-data and network-config under
// <vmDir>/cloudinit/ and invokes the ISO maker to produce
// <vmDir>/cloudinit.iso.
func (b *Builder) Build(vmDir string, seed Seed) (string, error) {
	seedDir := filepath.Join(vmDir, "cloudinit")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return "", fmt.Errorf("cloudinit: mkdir seed dir: %w", err)
	}

	files := map[string]string{
		"meta-data":      metaData(seed),
		"user-data":      userData(seed),
		"network-config": networkConfig(seed),
	}
	for name, content := range files {
		path := filepath.Join(seedDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("cloudinit: write %s: %w", name, err)
		}
	}

	isoPath := filepath.Join(vmDir, "cloudinit.iso")
	if _, err := b.runner.Run(b.isoMakerBin,
		"-output", isoPath,
		"-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(seedDir, "meta-data"),
		filepath.Join(seedDir, "user-data"),
		filepath.Join(seedDir, "network-config"),
	); err != nil {
		return "", fmt.Errorf("cloudinit: build iso: %w", err)
	}

	return isoPath, nil
}

func metaData(s Seed) string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance-id: %s\n", s.VMID)
	fmt.Fprintf(&b, "local-hostname: %s\n", s.VMName)
	return b.String()
}

func userData(s Seed) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("users:\n")
	b.WriteString("  - name: agent\n")
	b.WriteString("    sudo: ALL=(ALL) NOPASSWD:ALL\n")
	b.WriteString("    shell: /bin/bash\n")
	b.WriteString("    ssh_authorized_keys:\n")
	fmt.Fprintf(&b, "      - %s\n", s.SSHPubKey)
	b.WriteString("write_files:\n")
	b.WriteString("  - path: /etc/systemd/system/vmcore-guest-agent.service\n")
	b.WriteString("    content: |\n")
	b.WriteString("      [Unit]\n")
	b.WriteString("      Description=vmcore guest control agent\n")
	b.WriteString("      After=network.target\n")
	b.WriteString("      [Service]\n")
	fmt.Fprintf(&b, "      ExecStart=/usr/local/bin/vmcore-guest-agent -port %d\n", AgentVsockPort)
	b.WriteString("      Restart=always\n")
	b.WriteString("      [Install]\n")
	b.WriteString("      WantedBy=multi-user.target\n")
	b.WriteString("  - path: /usr/local/bin/vmcore-reconfigure-network\n")
	b.WriteString("    permissions: '0755'\n")
	b.WriteString("    content: |\n")
	b.WriteString("      #!/bin/sh\n")
	b.WriteString("      netplan apply 2>/dev/null || systemctl restart systemd-networkd\n")
	b.WriteString("      dhclient -r eth0 2>/dev/null; dhclient eth0 2>/dev/null\n")
	b.WriteString("runcmd:\n")
	b.WriteString("  - systemctl daemon-reload\n")
	b.WriteString("  - systemctl enable --now vmcore-guest-agent.service\n")
	return b.String()
}

func networkConfig(s Seed) string {
	var b strings.Builder
	b.WriteString("version: 2\n")
	b.WriteString("ethernets:\n")
	b.WriteString("  match-virtio:\n")
	b.WriteString("    match:\n")
	b.WriteString("      driver: virtio_net\n")
	fmt.Fprintf(&b, "    set-name: eth0\n")
	b.WriteString("    dhcp4: true\n")
	fmt.Fprintf(&b, "    dhcp-identifier: mac\n")
	return b.String()
}
