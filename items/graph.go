package items

import (
	"context"
	"sync"
	"time"

	"github.com/rmcl-go/rmcl/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// dataCache is the narrow persistence interface Graph and Item depend on
// for the per-(id,version,property) lazy-attribute cache. cache.DataCache
// satisfies it.
type dataCache interface {
	GetInt(id string, version int, property string) (int64, bool)
	SetInt(id string, version int, property string, value int64)
	GetString(id string, version int, property string) (string, bool)
	SetString(id string, version int, property string, value string)
}

// docCache is the narrow interface Graph and Item depend on for the
// one-slot most-recently-fetched-blob cache.
type docCache interface {
	Get(id string, version int, form string) ([]byte, bool)
	Set(id string, version int, form string, data []byte)
}

// client is the narrow interface Graph depends on for remote calls, so
// tests can supply a fake without standing up an HTTP server.
type client interface {
	UpdateItems(ctx context.Context) ([]api.Metadata, error)
	GetMetadata(ctx context.Context, id string, withBlob bool) (*api.Metadata, error)
	GetBlob(ctx context.Context, url string) ([]byte, error)
	GetBlobSize(ctx context.Context, url string) (int64, error)
	GetFileDetails(ctx context.Context, url string) (api.FileType, *int64, error)
	Delete(ctx context.Context, id string, version int) error
	UpdateMetadata(ctx context.Context, meta api.Metadata) error
	Upload(ctx context.Context, meta api.Metadata, contents []byte) error
}

// Graph is the in-memory document tree: a flat id-indexed map of Items,
// refreshed as a whole from the remote store no more often than
// api.FileListValidity, with concurrent refreshes collapsed via
// singleflight.
type Graph struct {
	mu             sync.Mutex
	byID           map[string]*Item
	refreshDeadline time.Time

	client    client
	dataCache dataCache
	docCache  docCache

	group singleflight.Group
}

// NewGraph builds an empty Graph seeded with the root and trash virtual
// folders. dataCache and docCache may be nil, in which case probed
// attributes live only on the in-memory Item (lost when a refresh rebuilds
// it) and blobs are downloaded again on every read.
func NewGraph(c client, dataCache dataCache, docCache docCache) *Graph {
	g := &Graph{
		byID:      make(map[string]*Item),
		client:    c,
		dataCache: dataCache,
		docCache:  docCache,
	}
	root := newVirtualFolder(g, "", api.RootID, "")
	trash := newVirtualFolder(g, ".trash", api.TrashID, api.RootID)
	g.byID[root.ID()] = root
	g.byID[trash.ID()] = trash
	return g
}

// GetByID returns the item with the given id, triggering a full refresh
// first if the current one has expired or never happened.
func (g *Graph) GetByID(ctx context.Context, id string) (*Item, error) {
	g.mu.Lock()
	needsRefresh := g.refreshDeadline.IsZero() || time.Now().After(g.refreshDeadline)
	g.mu.Unlock()

	if needsRefresh {
		// The deadline is checked again inside the flight, so a caller that
		// saw it stale but reaches Do only after another caller's refresh
		// finished does not start a second one.
		refreshIfStale := func() (any, error) {
			g.mu.Lock()
			stale := g.refreshDeadline.IsZero() || time.Now().After(g.refreshDeadline)
			g.mu.Unlock()
			if !stale {
				return nil, nil
			}
			return nil, g.refresh(ctx)
		}
		if _, err, _ := g.group.Do("refresh", refreshIfStale); err != nil {
			return nil, err
		}
		// singleflight may have collapsed us into a refresh that started
		// before our deadline check; if it's still stale, this caller
		// refreshes again rather than serving data it knows is old.
		g.mu.Lock()
		stillStale := g.refreshDeadline.IsZero() || time.Now().After(g.refreshDeadline)
		g.mu.Unlock()
		if stillStale {
			if _, err, _ := g.group.Do("refresh", refreshIfStale); err != nil {
				return nil, err
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	it, ok := g.byID[id]
	if !ok {
		return nil, &api.DocumentNotFound{ID: id}
	}
	return it, nil
}

// InvalidateDeadline forces the next GetByID to perform a full refresh.
// Called after every mutating API operation, and by the .mode control
// file's "refresh" command.
func (g *Graph) InvalidateDeadline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshDeadline = time.Time{}
}

// refresh replaces the graph's contents with a fresh full listing from
// the remote store. Items whose version is unchanged are kept as-is so
// their lazy-fetched attributes survive; changed or new items are
// rebuilt from scratch; items no longer present are dropped. Root and
// trash always get their children slice cleared and rebuilt, since they
// never appear in the listing themselves.
func (g *Graph) refresh(ctx context.Context) error {
	metas, err := g.client.UpdateItems(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	oldIDs := make(map[string]struct{}, len(g.byID))
	for id := range g.byID {
		if id == api.RootID || id == api.TrashID {
			continue
		}
		oldIDs[id] = struct{}{}
	}

	g.byID[api.RootID].children = nil
	g.byID[api.TrashID].children = nil

	for _, meta := range metas {
		old, exists := g.byID[meta.ID]
		if exists {
			delete(oldIDs, old.ID())
		}
		if !exists || old.Version() != meta.Version {
			newItem := newFromMetadata(g, meta)
			if newItem == nil {
				continue
			}
			g.byID[newItem.ID()] = newItem
		} else if old.IsFolder() {
			old.children = nil
		}
	}

	for id := range oldIDs {
		delete(g.byID, id)
	}

	// Children are rebuilt by walking metas in remote-enumeration order,
	// not by ranging over g.byID, so a folder's children preserve that
	// order rather than Go's randomized map iteration.
	for _, meta := range metas {
		it, ok := g.byID[meta.ID]
		if !ok {
			continue
		}
		parent, ok := g.byID[it.ParentID()]
		if !ok {
			log.Warn().Str("id", it.ID()).Str("parent", it.ParentID()).Msg("item references missing parent")
			continue
		}
		parent.children = append(parent.children, it)
	}

	// Trash itself never appears in the listing; it links into root like
	// any other item, parented at root.
	if root, trash := g.byID[api.RootID], g.byID[api.TrashID]; root != nil && trash != nil {
		root.children = append(root.children, trash)
	}

	g.refreshDeadline = time.Now().Add(api.FileListValidity)
	return nil
}
