package items

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/rmcl-go/rmcl/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func futureTimeForTest() string {
	return api.FormatTime(time.Now().Add(time.Hour))
}

type fakeDataCache struct {
	ints    map[string]int64
	strings map[string]string
}

func newFakeDataCache() *fakeDataCache {
	return &fakeDataCache{ints: map[string]int64{}, strings: map[string]string{}}
}

func dataKey(id string, version int, property string) string {
	return property
}

func (f *fakeDataCache) GetInt(id string, version int, property string) (int64, bool) {
	v, ok := f.ints[dataKey(id, version, property)]
	return v, ok
}

func (f *fakeDataCache) SetInt(id string, version int, property string, value int64) {
	f.ints[dataKey(id, version, property)] = value
}

func (f *fakeDataCache) GetString(id string, version int, property string) (string, bool) {
	v, ok := f.strings[dataKey(id, version, property)]
	return v, ok
}

func (f *fakeDataCache) SetString(id string, version int, property string, value string) {
	f.strings[dataKey(id, version, property)] = value
}

type fakeDocCache struct {
	data map[string][]byte
}

func newFakeDocCache() *fakeDocCache {
	return &fakeDocCache{data: map[string][]byte{}}
}

func (f *fakeDocCache) Get(id string, version int, form string) ([]byte, bool) {
	v, ok := f.data[form]
	return v, ok
}

func (f *fakeDocCache) Set(id string, version int, form string, data []byte) {
	f.data[form] = data
}

// buildLocalStoredEntry writes a single stored (uncompressed) local-file-
// header record, the shape zipfmt.ReadLocalEntry parses directly - unlike
// archive/zip's streaming Writer, it puts the real sizes in the fixed
// header rather than deferring them to a trailing data descriptor.
func buildLocalStoredEntry(name string, data []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(0x04034B50))
	fixed := make([]byte, 26)
	binary.LittleEndian.PutUint32(fixed[10:14], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(fixed[14:18], uint32(len(data)))
	binary.LittleEndian.PutUint32(fixed[18:22], uint32(len(data)))
	binary.LittleEndian.PutUint16(fixed[22:24], uint16(len(name)))
	buf.Write(fixed)
	buf.WriteString(name)
	buf.Write(data)
	return buf.Bytes()
}

func buildPDFBlob(t *testing.T, id string, contents []byte) []byte {
	t.Helper()
	var blob []byte
	blob = append(blob, buildLocalStoredEntry(id+".content", []byte(`{"fileType":"pdf"}`))...)
	blob = append(blob, buildLocalStoredEntry(id+".pdf", contents)...)
	return blob
}

func newTestItem(fc *fakeClient, dc *fakeDataCache, doc *fakeDocCache, meta api.Metadata) (*Item, *Graph) {
	g := &Graph{byID: map[string]*Item{}, client: fc}
	if dc != nil {
		g.dataCache = dc
	}
	if doc != nil {
		g.docCache = doc
	}
	it := newFromMetadata(g, meta)
	g.byID[it.ID()] = it
	return it, g
}

func TestItemRawFetchesAndCaches(t *testing.T) {
	t.Parallel()
	now := api.FormatTime(time.Now())
	fc := &fakeClient{
		blob: []byte("raw bytes"),
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	doc := newFakeDocCache()
	it, _ := newTestItem(fc, nil, doc, api.Metadata{ID: "doc1", Type: api.TypeDocument, ModifiedClient: now})

	data, err := it.Raw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), data)

	cached, ok := doc.Get("doc1", 0, "raw")
	require.True(t, ok)
	assert.Equal(t, []byte("raw bytes"), cached)
}

func TestItemRawSizeCachesToDataCache(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{
		blobSize: 42,
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	dc := newFakeDataCache()
	it, _ := newTestItem(fc, dc, nil, api.Metadata{ID: "doc1", Type: api.TypeDocument})

	size, err := it.RawSize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, size)

	cached, ok := dc.GetInt("doc1", 0, "raw_size")
	require.True(t, ok)
	assert.EqualValues(t, 42, cached)
}

func TestItemTypeAndSizeProbeOnce(t *testing.T) {
	t.Parallel()
	size := int64(777)
	fc := &fakeClient{
		fileType: api.FileTypePDF,
		fileSize: &size,
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	it, _ := newTestItem(fc, nil, nil, api.Metadata{ID: "doc1", Type: api.TypeDocument})

	ft, err := it.Type(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.FileTypePDF, ft)

	sz, err := it.Size(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 777, sz)
	assert.EqualValues(t, 1, fc.fileDetailsCalls)
}

func TestItemContentsExtractsMatchingZipEntry(t *testing.T) {
	t.Parallel()
	blob := buildPDFBlob(t, "doc1", []byte("%PDF-1.4 fake pdf bytes"))
	fc := &fakeClient{
		blob:     blob,
		fileType: api.FileTypePDF,
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	it, _ := newTestItem(fc, nil, nil, api.Metadata{ID: "doc1", Type: api.TypeDocument})

	contents, err := it.Contents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fake pdf bytes"), contents)
}

func TestItemContentsNotesReturnsRawBlob(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{
		blob:     []byte("raw notebook bytes"),
		fileType: api.FileTypeNotes,
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	it, _ := newTestItem(fc, nil, nil, api.Metadata{ID: "doc1", Type: api.TypeDocument})

	contents, err := it.Contents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("raw notebook bytes"), contents)
}

func TestItemDirEntryName(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{
		fileType: api.FileTypePDF,
		getMetadataFn: func(id string) (*api.Metadata, error) {
			return &api.Metadata{ID: id, Name: "My Document", BlobURLGet: "https://blob/" + id, BlobURLGetExpires: futureTimeForTest()}, nil
		},
	}
	it, _ := newTestItem(fc, nil, nil, api.Metadata{ID: "doc1", Name: "My Document", Type: api.TypeDocument})

	assert.Equal(t, "My Document", it.DirEntryName(context.Background(), ModeMeta))
	assert.Equal(t, "My Document.zip", it.DirEntryName(context.Background(), ModeRaw))
	assert.Equal(t, "My Document.pdf", it.DirEntryName(context.Background(), ModeOrig))
}

func TestItemDirEntryNameFolderUnaffectedByMode(t *testing.T) {
	t.Parallel()
	it, _ := newTestItem(&fakeClient{}, nil, nil, api.Metadata{ID: "folder1", Name: "Notebooks", Type: api.TypeFolder})
	assert.Equal(t, "Notebooks", it.DirEntryName(context.Background(), ModeRaw))
}

// Meta mode always reports size 0, even though RenderedContent for that
// mode produces a nonempty marshaled metadata document.
func TestItemRenderedSizeMetaModeIsZero(t *testing.T) {
	t.Parallel()
	it, _ := newTestItem(&fakeClient{}, nil, nil, api.Metadata{ID: "doc1", Name: "My Document", Type: api.TypeDocument})

	content, err := it.RenderedContent(context.Background(), ModeMeta)
	require.NoError(t, err)
	require.NotEmpty(t, content)

	size, err := it.RenderedSize(context.Background(), ModeMeta)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestItemDeleteMovesToTrashWhenNotAlreadyTrashed(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	it, g := newTestItem(fc, nil, nil, api.Metadata{ID: "doc1", Parent: api.RootID, Type: api.TypeDocument})
	root := newVirtualFolder(g, "", api.RootID, "")
	g.byID[api.RootID] = root

	err := it.Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.TrashID, it.meta.Parent)
	assert.EqualValues(t, 1, fc.updateCount)
	assert.Empty(t, fc.deleteCalls)
}

func TestItemDeleteDeletesOutrightWhenAlreadyInTrash(t *testing.T) {
	t.Parallel()
	docMetaVal := api.Metadata{ID: "doc1", Parent: "folderInTrash", Type: api.TypeDocument}
	folderMetaVal := api.Metadata{ID: "folderInTrash", Parent: api.TrashID, Type: api.TypeFolder}
	fc := &fakeClient{metas: []api.Metadata{docMetaVal, folderMetaVal}}

	it, g := newTestItem(fc, nil, nil, docMetaVal)
	root := newVirtualFolder(g, "", api.RootID, "")
	trash := newVirtualFolder(g, ".trash", api.TrashID, api.RootID)
	folderInTrash := newFromMetadata(g, folderMetaVal)
	g.byID[api.RootID] = root
	g.byID[api.TrashID] = trash
	g.byID["folderInTrash"] = folderInTrash

	err := it.Delete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, fc.deleteCalls)
}

func TestItemVirtualFolderRejectsMutation(t *testing.T) {
	t.Parallel()
	g := &Graph{byID: map[string]*Item{}, client: &fakeClient{}}
	root := newVirtualFolder(g, "", api.RootID, "")

	err := root.UpdateMetadata(context.Background())
	var verr *VirtualItemError
	assert.ErrorAs(t, err, &verr)

	err = root.Delete(context.Background())
	assert.ErrorAs(t, err, &verr)

	err = root.UploadRaw(context.Background(), []byte("x"))
	assert.ErrorAs(t, err, &verr)
}

func TestItemUploadOriginalRejectsUnsupportedType(t *testing.T) {
	t.Parallel()
	it, _ := newTestItem(&fakeClient{}, nil, nil, api.Metadata{ID: "doc1", Type: api.TypeDocument})
	err := it.UploadOriginal(context.Background(), api.FileTypeNotes, []byte("x"))
	assert.Error(t, err)
}

func TestItemUploadOriginalBumpsVersionAndCaches(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	doc := newFakeDocCache()
	it, _ := newTestItem(fc, nil, doc, api.Metadata{ID: "doc1", Type: api.TypeDocument, Version: 1})

	err := it.UploadOriginal(context.Background(), api.FileTypePDF, []byte("pdf bytes"))
	require.NoError(t, err)
	assert.Equal(t, 2, it.Version())
	assert.EqualValues(t, 1, fc.uploadCount)
	_, ok := doc.Get("doc1", 2, "raw")
	assert.True(t, ok)
}
