// Package datastore copies run outputs and dataset inputs from the storage
// kinds a run can reference onto the local filesystem.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/me/pipekit/pkg/model"
)

// ErrNotFound is returned when the locator names nothing.
var ErrNotFound = errors.New("datastore: object not found")

// Downloader copies the object or prefix at locator to dst. A prefix is
// copied as a directory tree rooted at dst.
type Downloader interface {
	Download(ctx context.Context, locator, dst string) (int64, error)
}

// Config holds credentials for the cloud datastores. Empty fields fall back
// to anonymous access.
type Config struct {
	AzureAccountName string `yaml:"azure_account_name"`
	AzureAccountKey  string `yaml:"azure_account_key"`
	S3Region         string `yaml:"s3_region"`
	S3Endpoint       string `yaml:"s3_endpoint"`
	S3KeyID          string `yaml:"s3_key_id"`
	S3Secret         string `yaml:"s3_secret"`
}

// Resolver hands out a Downloader per datastore kind. Cloud clients are
// created on first use.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	local Downloader
	azure Downloader
	s3    Downloader
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		logger: logger.With("component", "datastore"),
		local:  &Local{},
	}
}

// For returns the Downloader for kind. The data lake kind is reported as
// UnsupportedDatastore.
func (r *Resolver) For(kind string) (Downloader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case model.DatastoreLocal, "":
		return r.local, nil
	case model.DatastoreAzureBlob:
		if r.azure == nil {
			d, err := NewAzure(r.cfg, r.logger)
			if err != nil {
				return nil, err
			}
			r.azure = d
		}
		return r.azure, nil
	case model.DatastoreS3:
		if r.s3 == nil {
			r.s3 = NewS3(r.cfg, r.logger)
		}
		return r.s3, nil
	}
	return nil, model.UnsupportedDatastore(kind)
}

// KindOf infers the datastore kind from a locator.
func KindOf(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || len(u.Scheme) <= 1 {
		// Windows drive letters parse as one-letter schemes.
		return model.DatastoreLocal
	}
	switch u.Scheme {
	case "file":
		return model.DatastoreLocal
	case "s3":
		return model.DatastoreS3
	case "az", "wasb", "wasbs":
		return model.DatastoreAzureBlob
	case "abfs", "abfss", "adl":
		return model.DatastoreDataLake
	case "https", "http":
		switch {
		case strings.Contains(u.Host, ".blob.core.windows.net"):
			return model.DatastoreAzureBlob
		case strings.Contains(u.Host, ".dfs.core.windows.net"), strings.Contains(u.Host, ".azuredatalakestore.net"):
			return model.DatastoreDataLake
		case strings.Contains(u.Host, ".amazonaws.com"):
			return model.DatastoreS3
		}
	}
	return u.Scheme
}

// Fetch downloads locator to dst using the datastore its scheme names.
func (r *Resolver) Fetch(ctx context.Context, locator, dst string) (int64, error) {
	d, err := r.For(KindOf(locator))
	if err != nil {
		return 0, err
	}
	n, err := d.Download(ctx, locator, dst)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", locator, err)
	}
	return n, nil
}

// splitKey separates a container or bucket from the object key.
func splitKey(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	head, tail, _ := strings.Cut(p, "/")
	return head, tail
}
