package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// Azure downloads blobs and blob prefixes from Azure Blob Storage.
type Azure struct {
	cfg    Config
	cred   *azblob.SharedKeyCredential
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*azblob.Client
}

// NewAzure creates an Azure downloader. Without an account key, requests
// are anonymous and locators must carry a SAS token.
func NewAzure(cfg Config, logger *slog.Logger) (*Azure, error) {
	a := &Azure{cfg: cfg, logger: logger, clients: map[string]*azblob.Client{}}
	if cfg.AzureAccountName != "" && cfg.AzureAccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
		if err != nil {
			return nil, fmt.Errorf("create shared key credential: %w", err)
		}
		a.cred = cred
	}
	return a, nil
}

// blobLocation is a parsed Azure locator.
type blobLocation struct {
	serviceURL string
	container  string
	key        string
	sas        string
}

// parseAzureLocator accepts:
//
//	https://account.blob.core.windows.net/container/path
//	wasbs://container@account.blob.core.windows.net/path
//	az://container/path (account from config)
func parseAzureLocator(locator, defaultAccount string) (blobLocation, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return blobLocation{}, fmt.Errorf("parse azure locator %q: %w", locator, err)
	}
	var loc blobLocation
	switch u.Scheme {
	case "https", "http":
		loc.serviceURL = u.Scheme + "://" + u.Host
		loc.container, loc.key = splitKey(u.Path)
		loc.sas = u.RawQuery
	case "wasb", "wasbs":
		if u.User == nil {
			return blobLocation{}, fmt.Errorf("azure locator %q missing container@account", locator)
		}
		loc.serviceURL = "https://" + u.Host
		loc.container = u.User.Username()
		loc.key = strings.TrimPrefix(u.Path, "/")
	case "az":
		if defaultAccount == "" {
			return blobLocation{}, fmt.Errorf("azure locator %q needs an account name", locator)
		}
		loc.serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", defaultAccount)
		loc.container = u.Host
		loc.key = strings.TrimPrefix(u.Path, "/")
	default:
		return blobLocation{}, fmt.Errorf("unrecognized azure locator scheme %q", u.Scheme)
	}
	if loc.container == "" {
		return blobLocation{}, fmt.Errorf("empty container in azure locator %q", locator)
	}
	return loc, nil
}

func (a *Azure) client(loc blobLocation) (*azblob.Client, error) {
	endpoint := loc.serviceURL + "/"
	if loc.sas != "" {
		endpoint += "?" + loc.sas
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[endpoint]; ok {
		return c, nil
	}
	var (
		c   *azblob.Client
		err error
	)
	if a.cred != nil && loc.sas == "" {
		c, err = azblob.NewClientWithSharedKeyCredential(endpoint, a.cred, nil)
	} else {
		c, err = azblob.NewClientWithNoCredential(endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	a.clients[endpoint] = c
	return c, nil
}

// Download copies a blob, or every blob under a prefix, to dst.
func (a *Azure) Download(ctx context.Context, locator, dst string) (int64, error) {
	loc, err := parseAzureLocator(locator, a.cfg.AzureAccountName)
	if err != nil {
		return 0, err
	}
	c, err := a.client(loc)
	if err != nil {
		return 0, err
	}

	prefix := strings.TrimSuffix(loc.key, "/")
	var blobs []string
	single := false
	pager := c.NewListBlobsFlatPager(loc.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return 0, translateAzureError(err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			switch {
			case name == prefix:
				single = true
			case prefix == "" || strings.HasPrefix(name, prefix+"/"):
				blobs = append(blobs, name)
			}
		}
	}

	if single && len(blobs) == 0 {
		return a.downloadBlob(ctx, c, loc.container, prefix, dst)
	}
	if len(blobs) == 0 {
		return 0, ErrNotFound
	}
	var total int64
	for _, name := range blobs {
		rel := strings.TrimPrefix(strings.TrimPrefix(name, prefix), "/")
		n, err := a.downloadBlob(ctx, c, loc.container, name, filepath.Join(dst, filepath.FromSlash(rel)))
		total += n
		if err != nil {
			return total, err
		}
	}
	a.logger.Debug("downloaded azure prefix", "container", loc.container, "prefix", prefix, "blobs", len(blobs), "bytes", total)
	return total, nil
}

func (a *Azure) downloadBlob(ctx context.Context, c *azblob.Client, container, name, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := c.DownloadFile(ctx, container, name, f, nil)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, translateAzureError(err)
	}
	return n, nil
}

func translateAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
