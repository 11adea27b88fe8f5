package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// IPFSBackend stores content on an IPFS node. IPFS addresses content by its
// own CID, so the backend keeps a mapping from SHA-256 content ID to CID;
// content stored by another process cannot be fetched through this backend.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string

	mu   sync.RWMutex
	cids map[interfaces.ContentID]string
}

// NewIPFSBackend creates an IPFS storage backend connected to the node API at
// host:port.
func NewIPFSBackend(host, port string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s", apiURL),
		cids:        make(map[interfaces.ContentID]string),
	}, nil
}

// Fetch retrieves content by ID. Returns ErrBackendUnavailable when the node
// is down and ErrContentNotFound when no CID is known for the ID.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host), slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	b.mu.RLock()
	cid, found := b.cids[id]
	b.mu.RUnlock()
	if !found {
		return nil, interfaces.ErrContentNotFound
	}

	reader, err := b.shell.Cat(cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("contentID", id.String()),
		slog.String("ipfsCID", cid),
		slog.Int("size", len(data)))
	return data, nil
}

// Store adds data to IPFS and records its CID under the content ID.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.mu.Lock()
	b.cids[id] = cid
	b.mu.Unlock()

	b.log.Debug("Stored content in IPFS",
		slog.String("contentID", id.String()),
		slog.String("ipfsCID", cid))
	return id, nil
}

// Available checks if the IPFS node is up.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns an identifier for this backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
