// Package archive mirrors a completed warmup snapshot to S3-compatible
// object storage, so an operator can seed a new host's base-image
// directory from a previously-built snapshot instead of re-running
// warmup there. Purely additive: the local warmup-snapshot directory
// remains the source of truth per spec.md §4.G. Grounded on
// internal/storage/s3.go's CheckpointStore, stripped of its local NVMe
// caching tier (not needed here — a warmup snapshot is built once and
// read many times locally; only cross-host transfer goes through S3).
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config names the S3-compatible endpoint to mirror warmup snapshots to.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Mirror uploads and downloads warmup-snapshot archives for one bucket.
type Mirror struct {
	client *s3.Client
	bucket string
}

// NewMirror constructs a Mirror. If cfg.AccessKeyID is empty, the default
// AWS credential chain is used instead (IAM role, env vars, etc).
func NewMirror(cfg Config) (*Mirror, error) {
	var client *s3.Client

	if cfg.AccessKeyID != "" {
		client = s3.New(s3.Options{}, func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("archive: load AWS config: %w", err)
		}
		var opts []func(*s3.Options)
		if cfg.ForcePathStyle {
			opts = append(opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, opts...)
	}

	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

// Key returns the S3 object key a base image's warmup snapshot is
// mirrored under.
func Key(baseImage string) string {
	return fmt.Sprintf("warmup-snapshots/%s.tar.gz", baseImage)
}

// Upload tars and gzips warmupSnapshotDir (config.json, state.json,
// memory-ranges-*, disk.qcow2) and uploads it to Key(baseImage).
func (m *Mirror) Upload(ctx context.Context, baseImage, warmupSnapshotDir string) error {
	tmp, err := os.CreateTemp("", "warmup-snapshot-*.tar.gz")
	if err != nil {
		return fmt.Errorf("archive: create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeTarGz(tmp, warmupSnapshotDir); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: build archive for %s: %w", baseImage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close temp archive: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("archive: reopen temp archive: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat temp archive: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(Key(baseImage)),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", baseImage, err)
	}
	return nil
}

// Download fetches Key(baseImage) and extracts it into destDir, which
// becomes that base image's warmup-snapshot/ directory.
func (m *Mirror) Download(ctx context.Context, baseImage, destDir string) error {
	resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(Key(baseImage)),
	})
	if err != nil {
		return fmt.Errorf("archive: download %s: %w", baseImage, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir dest dir: %w", err)
	}
	return extractTarGz(resp.Body, destDir)
}

func writeTarGz(w io.Writer, srcDir string) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(srcDir, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = e.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		out, err := os.OpenFile(filepath.Join(destDir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, tr)
		out.Close()
		if err != nil {
			return err
		}
	}
}
