// Package gcs writes each record as a JSON object in a Google Cloud Storage
// bucket. Object names are content addressed, so re-delivered records
// overwrite the same object.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/hash/sha256"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Sink uploads records to a configured GCS bucket.
type Sink struct {
	client    *storage.Client
	bucket    string
	prefix    string
	hasher    crawler.Hasher
	ownClient bool
}

// New creates a GCS client with Application Default Credentials and verifies
// the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	s, err := NewWithClient(client, cfg, nil)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownClient = true
	return s, nil
}

// NewWithClient wraps an existing client. A nil hasher uses SHA-256.
func NewWithClient(client *storage.Client, cfg Config, hasher crawler.Hasher) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		hasher: hasher,
	}, nil
}

// ObjectName returns the object a record with this encoding is written to.
func (s *Sink) ObjectName(data []byte) (string, error) {
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	if s.prefix == "" {
		return digest + ".json", nil
	}
	return path.Join(s.prefix, digest+".json"), nil
}

// Append uploads record as a JSON object.
func (s *Sink) Append(ctx context.Context, record crawler.Record) error {
	data, err := record.JSON()
	if err != nil {
		return err
	}
	name, err := s.ObjectName(data)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		"url":          record.URL,
		"manufacturer": record.Manufacturer,
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Close releases the client when the sink created it.
func (s *Sink) Close(context.Context) error {
	if !s.ownClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
