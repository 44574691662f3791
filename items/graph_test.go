package items

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rmcl-go/rmcl/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal stand-in for api.Client satisfying the graph's
// narrow client interface, letting refresh behavior be exercised without
// an HTTP server.
type fakeClient struct {
	mu          sync.Mutex
	metas       []api.Metadata
	updateCalls int32

	getMetadataFn func(id string) (*api.Metadata, error)
	blob          []byte
	blobSize      int64
	fileType      api.FileType
	fileSize      *int64

	fileDetailsCalls int32

	deleteCalls []string
	updateCount int32
	uploadCount int32
}

func (f *fakeClient) UpdateItems(ctx context.Context) ([]api.Metadata, error) {
	atomic.AddInt32(&f.updateCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.Metadata, len(f.metas))
	copy(out, f.metas)
	return out, nil
}

func (f *fakeClient) GetMetadata(ctx context.Context, id string, withBlob bool) (*api.Metadata, error) {
	if f.getMetadataFn != nil {
		return f.getMetadataFn(id)
	}
	return nil, &api.DocumentNotFound{ID: id}
}

func (f *fakeClient) GetBlob(ctx context.Context, url string) ([]byte, error) {
	return f.blob, nil
}

func (f *fakeClient) GetBlobSize(ctx context.Context, url string) (int64, error) {
	return f.blobSize, nil
}

func (f *fakeClient) GetFileDetails(ctx context.Context, url string) (api.FileType, *int64, error) {
	atomic.AddInt32(&f.fileDetailsCalls, 1)
	return f.fileType, f.fileSize, nil
}

func (f *fakeClient) Delete(ctx context.Context, id string, version int) error {
	f.deleteCalls = append(f.deleteCalls, id)
	return nil
}

func (f *fakeClient) UpdateMetadata(ctx context.Context, meta api.Metadata) error {
	atomic.AddInt32(&f.updateCount, 1)
	return nil
}

func (f *fakeClient) Upload(ctx context.Context, meta api.Metadata, contents []byte) error {
	atomic.AddInt32(&f.uploadCount, 1)
	return nil
}

func docMeta(id, parent, name string, version int) api.Metadata {
	return api.Metadata{
		ID:      id,
		Parent:  parent,
		Name:    name,
		Version: version,
		Type:    api.TypeDocument,
	}
}

func folderMeta(id, parent, name string, version int) api.Metadata {
	m := docMeta(id, parent, name, version)
	m.Type = api.TypeFolder
	return m
}

func TestGraphRefreshBuildsTree(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		folderMeta("folder1", api.RootID, "Notebooks", 1),
		docMeta("doc1", "folder1", "Plan", 1),
		docMeta("doc2", api.RootID, "Scratch", 1),
	}}
	g := NewGraph(fc, nil, nil)

	root, err := g.GetByID(context.Background(), api.RootID)
	require.NoError(t, err)
	require.True(t, root.IsFolder())

	names := map[string]bool{}
	for _, c := range root.Children() {
		names[c.Name()] = true
	}
	assert.True(t, names["Notebooks"])
	assert.True(t, names["Scratch"])
	assert.True(t, names[".trash"])

	folder1, err := g.GetByID(context.Background(), "folder1")
	require.NoError(t, err)
	require.Len(t, folder1.Children(), 1)
	assert.Equal(t, "Plan", folder1.Children()[0].Name())
}

// A folder's children must follow the remote-enumeration order from
// UpdateItems, not Go's randomized map-iteration order.
func TestGraphRefreshPreservesChildOrder(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc-z", api.RootID, "Zebra", 1),
		docMeta("doc-a", api.RootID, "Apple", 1),
		docMeta("doc-m", api.RootID, "Mango", 1),
	}}
	g := NewGraph(fc, nil, nil)

	for i := 0; i < 20; i++ {
		g.InvalidateDeadline()
		root, err := g.GetByID(context.Background(), api.RootID)
		require.NoError(t, err)

		var names []string
		for _, c := range root.Children() {
			if c.Name() == ".trash" {
				continue
			}
			names = append(names, c.Name())
		}
		assert.Equal(t, []string{"Zebra", "Apple", "Mango"}, names)
	}
}

func TestGraphRefreshDropsDeletedItems(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "Keep me", 1),
		docMeta("doc2", api.RootID, "Delete me", 1),
	}}
	g := NewGraph(fc, nil, nil)

	_, err := g.GetByID(context.Background(), "doc2")
	require.NoError(t, err)

	fc.metas = []api.Metadata{
		docMeta("doc1", api.RootID, "Keep me", 1),
	}
	g.InvalidateDeadline()

	_, err = g.GetByID(context.Background(), "doc2")
	assert.Error(t, err)

	_, err = g.GetByID(context.Background(), "doc1")
	assert.NoError(t, err)
}

// An item whose version is unchanged across a refresh must be the exact
// same *Item value, so any lazy attributes already probed on it survive.
func TestGraphRefreshKeepsUnchangedItemIdentity(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "Stable", 1),
	}}
	g := NewGraph(fc, nil, nil)

	first, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	first.rawBlobSize = 12345

	g.InvalidateDeadline()
	second, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 12345, second.rawBlobSize)
}

// A changed version must be rebuilt from scratch, discarding any
// previously probed lazy attributes that no longer apply to the new
// content.
func TestGraphRefreshRebuildsChangedVersion(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "Changes", 1),
	}}
	g := NewGraph(fc, nil, nil)

	first, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	first.rawBlobSize = 999

	fc.metas = []api.Metadata{
		docMeta("doc1", api.RootID, "Changes", 2),
	}
	g.InvalidateDeadline()

	second, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 0, second.rawBlobSize)
	assert.Equal(t, 2, second.Version())
}

func TestGraphGetByIDUnknownReturnsNotFound(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	g := NewGraph(fc, nil, nil)

	_, err := g.GetByID(context.Background(), "nope")
	var nf *api.DocumentNotFound
	assert.ErrorAs(t, err, &nf)
}

// Concurrent callers that all observe a stale deadline collapse into a
// single underlying refresh call.
func TestGraphConcurrentRefreshesCollapse(t *testing.T) {
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "One", 1),
	}}
	g := NewGraph(fc, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.GetByID(context.Background(), "doc1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.updateCalls),
		"singleflight plus the in-flight deadline recheck should collapse concurrent refreshes into one call")
}

func TestGraphInvalidateDeadlineForcesRefresh(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "One", 1),
	}}
	g := NewGraph(fc, nil, nil)

	_, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	callsAfterFirst := atomic.LoadInt32(&fc.updateCalls)

	g.InvalidateDeadline()
	_, err = g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(&fc.updateCalls), callsAfterFirst)
}

func TestGraphDeadlineNotExpiredSkipsRefresh(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{metas: []api.Metadata{
		docMeta("doc1", api.RootID, "One", 1),
	}}
	g := NewGraph(fc, nil, nil)

	_, err := g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	calls := atomic.LoadInt32(&fc.updateCalls)

	_, err = g.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, calls, atomic.LoadInt32(&fc.updateCalls))
	assert.True(t, g.refreshDeadline.After(time.Now()))
}
