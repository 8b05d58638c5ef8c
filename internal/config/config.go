// Package config loads vmcore's configuration from environment variables,
// optionally seeded from an AWS Secrets Manager secret.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	// Filesystem roots
	DataDir       string // per-VM directories live under here
	BaseImagesDir string // base-image catalog
	SSHKeysDir    string // operator's ed25519 keypair for the guest agent user

	// External binaries
	MonitorBin string // VM monitor (Firecracker-compatible) binary path
	ISOMakerBin string // cloud-init ISO generator binary path
	QemuImgBin  string // qcow2 tool binary path (create/info/resize)

	// KVMGroup is the supplementary group monitor processes are spawned
	// under so they can open /dev/kvm when the orchestrator's own
	// process isn't already a member (spec.md §4.C).
	KVMGroup string

	// SSH forwarding port range
	SSHPortLo int
	SSHPortHi int

	// TAPDevicesSpec describes the operator's pre-provisioned TAP
	// devices: semicolon-separated entries of
	// "name=bridge:gateway:guestip1,guestip2,...". Empty disables TAP
	// networking (VMs must use NetworkModeNone or user-mode SSH
	// forwarding only).
	TAPDevicesSpec string

	// Default VM sizing
	DefaultVCPUs     int
	DefaultMemoryMiB int
	DefaultDiskGiB   int
	BaseImageMinGiB  int // ensure_base_minimum_size floor

	// Timeouts (seconds unless noted)
	WarmupMarkerTimeoutSec int
	ReachabilityTimeoutSec int

	LogLevel string

	// NATS event bus; empty disables NATS and falls back to the
	// in-process bus.
	NATSURL string

	// Optional off-host warmup-snapshot mirror.
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// AWS Secrets Manager — if set, secrets are fetched at startup using
	// IAM credentials. The secret must be a JSON object with keys
	// matching env var names (e.g. VMCORE_NATS_URL). Env vars always
	// take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If VMCORE_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top
// (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("VMCORE_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	dataDir := envOrDefault("VMCORE_DATA_DIR", "/var/lib/vmcore")

	cfg := &Config{
		DataDir:       dataDir,
		BaseImagesDir: envOrDefault("VMCORE_BASE_IMAGES_DIR", dataDir+"/base-images"),
		SSHKeysDir:    envOrDefault("VMCORE_SSH_KEYS_DIR", dataDir+"/ssh-keys"),

		MonitorBin:  envOrDefault("VMCORE_MONITOR_BIN", "firecracker"),
		ISOMakerBin: envOrDefault("VMCORE_ISO_MAKER_BIN", "genisoimage"),
		QemuImgBin:  envOrDefault("VMCORE_QEMU_IMG_BIN", "qemu-img"),
		KVMGroup:    envOrDefault("VMCORE_KVM_GROUP", "kvm"),

		SSHPortLo: envOrDefaultInt("VMCORE_SSH_PORT_LO", 22000),
		SSHPortHi: envOrDefaultInt("VMCORE_SSH_PORT_HI", 23000),

		TAPDevicesSpec: os.Getenv("VMCORE_TAP_DEVICES"),

		DefaultVCPUs:     envOrDefaultInt("VMCORE_DEFAULT_VCPUS", 1),
		DefaultMemoryMiB: envOrDefaultInt("VMCORE_DEFAULT_MEMORY_MIB", 1024),
		DefaultDiskGiB:   envOrDefaultInt("VMCORE_DEFAULT_DISK_GIB", 10),
		BaseImageMinGiB:  envOrDefaultInt("VMCORE_BASE_IMAGE_MIN_GIB", 10),

		WarmupMarkerTimeoutSec: envOrDefaultInt("VMCORE_WARMUP_MARKER_TIMEOUT_SEC", 120),
		ReachabilityTimeoutSec: envOrDefaultInt("VMCORE_REACHABILITY_TIMEOUT_SEC", 120),

		LogLevel: envOrDefault("VMCORE_LOG_LEVEL", "info"),

		NATSURL: os.Getenv("VMCORE_NATS_URL"),

		S3Endpoint:        os.Getenv("VMCORE_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("VMCORE_S3_BUCKET"),
		S3Region:          os.Getenv("VMCORE_S3_REGION"),
		S3AccessKeyID:     os.Getenv("VMCORE_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("VMCORE_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("VMCORE_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("VMCORE_SECRETS_ARN"),
	}

	if v := os.Getenv("VMCORE_SSH_PORT_LO"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid VMCORE_SSH_PORT_LO %q: %w", v, err)
		}
		cfg.SSHPortLo = n
	}
	if v := os.Getenv("VMCORE_SSH_PORT_HI"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid VMCORE_SSH_PORT_HI %q: %w", v, err)
		}
		cfg.SSHPortHi = n
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and
// sets any values as environment variables (only if not already set, so
// explicit env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
