package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// IPFSBackend publishes whitelist snapshots to an IPFS node so field devices
// can fetch them from any gateway. IPFS addresses content by CID, so the
// backend remembers which CID holds each content id it stored.
type IPFSBackend struct {
	shell       *shell.Shell
	apiURL      string
	log         *slog.Logger
	locationURI string

	mu   sync.RWMutex
	cids map[interfaces.ContentID]string
}

func NewIPFSBackend(host, port string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		apiURL:      apiURL,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
		cids:        make(map[interfaces.ContentID]string),
	}
}

// CID returns the IPFS identifier of a document stored through this backend.
func (b *IPFSBackend) CID(id interfaces.ContentID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cid, ok := b.cids[id]
	return cid, ok
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	cid, ok := b.CID(id)
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat("/ipfs/" + cid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s from IPFS: %w", cid, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("IPFS object %s does not match content id %s", cid, id)
	}

	b.log.Debug("Fetched content from IPFS", "cid", cid, "size", len(data))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.mu.Lock()
	b.cids[id] = cid
	b.mu.Unlock()

	b.log.Info("Published content to IPFS", "cid", cid, "contentID", id.String(), "contentType", contentType.String())
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return "ipfs-" + b.apiURL
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
