// Package items models the reMarkable document tree: documents, folders,
// and the two virtual folders (root and trash) that anchor it, along with
// their lazily-fetched attributes and content.
package items

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/rmcl-go/rmcl/api"
	"github.com/rmcl-go/rmcl/zipfmt"
	"github.com/rs/zerolog/log"
)

// Mode selects how a document's directory entry name and content are
// rendered: "meta" exposes the raw metadata record, "raw" exposes the
// untouched downloaded blob (zipped), and "orig" exposes the decoded
// inner content (pdf/epub/notes).
type Mode string

// Supported rendering modes.
const (
	ModeMeta Mode = "meta"
	ModeRaw  Mode = "raw"
	ModeOrig Mode = "orig"
)

// Kind discriminates the variants of Item. A tagged struct is used instead
// of an interface hierarchy so the item graph can hold a single
// homogeneous map and switch on Kind at the handful of call sites that
// care, rather than type-asserting throughout the FUSE layer.
type Kind int

// Item variants.
const (
	KindDocument Kind = iota
	KindFolder
	KindVirtualFolder
)

// VirtualItemError is returned by mutating operations (UpdateMetadata,
// Delete, UploadRaw) on the root or trash virtual folders, which have no
// backing remote metadata to mutate.
type VirtualItemError struct {
	Op string
}

func (e *VirtualItemError) Error() string {
	return fmt.Sprintf("cannot %s a virtual item", e.Op)
}

// Item is a single node of the document tree: a Document, a Folder, or a
// virtual folder (root or trash). Its lazily-fetched fields (download URL,
// raw bytes, type/size) are each guarded by the same mutex and follow a
// locked/unlocked method-pair split: the exported method takes the lock
// and calls the unexported *_locked implementation, and recursive callers
// that already hold the lock call the unexported form directly. This
// avoids needing a reentrant mutex or a task-identity check to tell
// whether the lock is already held.
type Item struct {
	mu sync.Mutex

	kind Kind
	meta api.Metadata

	// virtualName/virtualParent back the root and trash folders, which
	// have no Metadata of their own.
	virtualName   string
	virtualParent string

	rawBlobSize int64
	contentSize int64
	hasSize     bool
	fileType    api.FileType

	children []*Item

	graph *Graph
}

// newFromMetadata constructs a Document or Folder from a metadata record,
// seeding its lazy-attribute fields from the data cache so a previously
// probed type/size survives a process restart.
func newFromMetadata(g *Graph, meta api.Metadata) *Item {
	it := &Item{meta: meta, graph: g}
	switch meta.Type {
	case api.TypeDocument:
		it.kind = KindDocument
	case api.TypeFolder:
		it.kind = KindFolder
	default:
		log.Error().Str("type", meta.Type).Str("id", meta.ID).Msg("unknown document type")
		return nil
	}

	if g.dataCache != nil {
		if raw, ok := g.dataCache.GetInt(meta.ID, meta.Version, "raw_size"); ok {
			it.rawBlobSize = raw
		}
		if sz, ok := g.dataCache.GetInt(meta.ID, meta.Version, "size"); ok {
			it.contentSize = sz
			it.hasSize = true
		}
		if ft, ok := g.dataCache.GetString(meta.ID, meta.Version, "type"); ok {
			it.fileType = api.FileType(ft)
		}
	}
	return it
}

func newVirtualFolder(g *Graph, name, id, parentID string) *Item {
	return &Item{
		kind:          KindVirtualFolder,
		virtualName:   name,
		virtualParent: parentID,
		graph:         g,
		meta:          api.Metadata{ID: id, Parent: parentID},
	}
}

// ID returns the item's stable document id.
func (it *Item) ID() string { return it.meta.ID }

// Version returns the item's remote version, or 0 for virtual folders.
func (it *Item) Version() int { return it.meta.Version }

// Name returns the item's display name.
func (it *Item) Name() string {
	if it.kind == KindVirtualFolder {
		return it.virtualName
	}
	return it.meta.Name
}

// ParentID returns the id of the containing folder, or "" for root.
func (it *Item) ParentID() string {
	if it.kind == KindVirtualFolder {
		return it.virtualParent
	}
	return it.meta.Parent
}

// IsFolder reports whether this item can contain children.
func (it *Item) IsFolder() bool {
	return it.kind == KindFolder || it.kind == KindVirtualFolder
}

// IsVirtual reports whether this item is the root or trash folder, which
// have no backing remote metadata and reject mutation.
func (it *Item) IsVirtual() bool { return it.kind == KindVirtualFolder }

// MTime returns the item's last-modified time. Virtual folders report the
// current time, since they have no ModifiedClient of their own.
func (it *Item) MTime() time.Time {
	if it.kind == KindVirtualFolder {
		return time.Now()
	}
	t, err := api.ParseTime(it.meta.ModifiedClient)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Children returns the item's current children. Only valid for folders;
// the graph rebuilds this slice on every refresh, under the graph's mutex.
func (it *Item) Children() []*Item {
	it.graph.mu.Lock()
	defer it.graph.mu.Unlock()
	out := make([]*Item, len(it.children))
	copy(out, it.children)
	return out
}

// downloadURL returns a blob URL whose expiry is still in the future,
// refreshing metadata first if the cached one is stale or missing. It
// returns "" when even the refreshed metadata carries no valid URL.
func (it *Item) downloadURL(ctx context.Context) (string, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.downloadURLLocked(ctx)
}

func (it *Item) downloadURLLocked(ctx context.Context) (string, error) {
	if !it.blobURLValidLocked() {
		meta, err := it.graph.client.GetMetadata(ctx, it.meta.ID, true)
		if err != nil {
			log.Error().Err(err).Str("id", it.meta.ID).Msg("could not refresh metadata")
			return "", err
		}
		it.meta = *meta
	}
	if it.blobURLValidLocked() {
		return it.meta.BlobURLGet, nil
	}
	return "", nil
}

func (it *Item) blobURLValidLocked() bool {
	if it.meta.BlobURLGet == "" {
		return false
	}
	expires, err := api.ParseTime(it.meta.BlobURLGetExpires)
	if err != nil {
		return false
	}
	return expires.After(time.Now())
}

// Raw returns the item's raw (still-zipped) blob, using the one-slot
// document cache when possible.
func (it *Item) Raw(ctx context.Context) ([]byte, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rawLocked(ctx)
}

func (it *Item) rawLocked(ctx context.Context) ([]byte, error) {
	if it.graph.docCache != nil {
		if data, ok := it.graph.docCache.Get(it.meta.ID, it.meta.Version, "raw"); ok {
			return data, nil
		}
	}
	url, err := it.downloadURLLocked(ctx)
	if err != nil || url == "" {
		return nil, err
	}
	data, err := it.graph.client.GetBlob(ctx, url)
	if err != nil {
		return nil, err
	}
	if it.graph.docCache != nil {
		it.graph.docCache.Set(it.meta.ID, it.meta.Version, "raw", data)
	}
	return data, nil
}

// RawSize returns the size, in bytes, of the item's raw blob.
func (it *Item) RawSize(ctx context.Context) (int64, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rawSizeLockedNoLock(ctx)
}

// getDetailsLocked probes the blob's inner file type and uncompressed
// size the first time they're needed, caching both in the data cache so a
// later process start doesn't repeat the probe.
func (it *Item) getDetailsLocked(ctx context.Context) error {
	if it.fileType != "" {
		return nil
	}
	url, err := it.downloadURLLocked(ctx)
	if err != nil || url == "" {
		return err
	}

	ft, size, err := it.graph.client.GetFileDetails(ctx, url)
	if err != nil {
		return err
	}
	it.fileType = ft

	if size != nil {
		it.contentSize = *size
		it.hasSize = true
		if it.graph.dataCache != nil {
			it.graph.dataCache.SetInt(it.meta.ID, it.meta.Version, "size", *size)
		}
	} else {
		rawSize, err := it.rawSizeLockedNoLock(ctx)
		if err == nil {
			it.contentSize = rawSize
			it.hasSize = true
			if it.graph.dataCache != nil {
				it.graph.dataCache.SetInt(it.meta.ID, it.meta.Version, "size", rawSize)
			}
		}
	}

	if it.fileType != api.FileTypeUnknown && it.graph.dataCache != nil {
		it.graph.dataCache.SetString(it.meta.ID, it.meta.Version, "type", string(it.fileType))
	}
	return nil
}

// rawSizeLockedNoLock fetches the raw blob size without re-taking the
// mutex, for use from within getDetailsLocked which already holds it.
func (it *Item) rawSizeLockedNoLock(ctx context.Context) (int64, error) {
	if it.rawBlobSize != 0 {
		return it.rawBlobSize, nil
	}
	url, err := it.downloadURLLocked(ctx)
	if err != nil || url == "" {
		return 0, err
	}
	size, err := it.graph.client.GetBlobSize(ctx, url)
	if err != nil {
		return 0, err
	}
	it.rawBlobSize = size
	if it.graph.dataCache != nil {
		it.graph.dataCache.SetInt(it.meta.ID, it.meta.Version, "raw_size", size)
	}
	return size, nil
}

// Type returns the item's inner file type (pdf/epub/notes/unknown),
// probing it on first use.
func (it *Item) Type(ctx context.Context) (api.FileType, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.getDetailsLocked(ctx); err != nil {
		return api.FileTypeUnknown, err
	}
	if it.fileType == "" {
		return api.FileTypeUnknown, nil
	}
	return it.fileType, nil
}

// Size returns the item's uncompressed content size, probing it on first
// use.
func (it *Item) Size(ctx context.Context) (int64, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.getDetailsLocked(ctx); err != nil {
		return 0, err
	}
	if it.hasSize {
		return it.contentSize, nil
	}
	return 0, nil
}

// Contents returns the document's inner content: the raw blob itself for
// notes and unrecognized types, or the single matching entry extracted
// from the outer ZIP container for pdf/epub types.
func (it *Item) Contents(ctx context.Context) ([]byte, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.getDetailsLocked(ctx); err != nil {
		return nil, err
	}
	if it.fileType == api.FileTypeNotes || it.fileType == api.FileTypeUnknown {
		return it.rawLocked(ctx)
	}

	if it.graph.docCache != nil {
		if data, ok := it.graph.docCache.Get(it.meta.ID, it.meta.Version, "orig"); ok {
			return data, nil
		}
	}

	raw, err := it.rawLocked(ctx)
	if err != nil {
		return nil, err
	}

	suffix := "." + string(it.fileType)
	r := bytes.NewReader(raw)
	var contents []byte
	for {
		entry, err := zipfmt.ReadLocalEntry(r)
		if err != nil {
			break
		}
		if entry.Contents == nil {
			break
		}
		if bytesHasSuffix(entry.Filename, suffix) {
			contents = entry.Contents
			break
		}
	}
	if contents == nil {
		contents = []byte("Unable to load file contents")
	}

	if it.graph.docCache != nil {
		it.graph.docCache.Set(it.meta.ID, it.meta.Version, "orig", contents)
	}
	return contents, nil
}

// DirEntryName renders the name this item should appear under in a
// directory listing for the given mode. Folders and virtual folders are
// unaffected by mode; only documents grow a suffix, naming either the
// envelope format ("raw") or the decoded inner format ("orig"). Probing
// the inner type may trigger a network fetch the first time it's needed.
func (it *Item) DirEntryName(ctx context.Context, mode Mode) string {
	if it.kind != KindDocument {
		return it.Name()
	}
	switch mode {
	case ModeRaw:
		return it.Name() + ".zip"
	case ModeOrig:
		ft, err := it.Type(ctx)
		if err != nil || ft == api.FileTypeUnknown || ft == api.FileTypeNotes {
			return it.Name()
		}
		return it.Name() + "." + string(ft)
	default:
		return it.Name()
	}
}

func bytesHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// RenderedContent returns the bytes to serve for this item under the
// given mode: the metadata record as indented JSON for "meta", the
// untouched blob for "raw", and the decoded inner content for "orig".
func (it *Item) RenderedContent(ctx context.Context, mode Mode) ([]byte, error) {
	switch mode {
	case ModeMeta:
		it.mu.Lock()
		meta := it.meta
		it.mu.Unlock()
		return json.MarshalIndent(meta, "", "  ")
	case ModeRaw:
		return it.Raw(ctx)
	default:
		return it.Contents(ctx)
	}
}

// RenderedSize returns the size to report for this item under the given
// mode, without necessarily fetching the content itself: the raw blob size
// for "raw", the probed content size for "orig", and always 0 for "meta",
// even though RenderedContent's metadata dump for that mode is not empty.
func (it *Item) RenderedSize(ctx context.Context, mode Mode) (int64, error) {
	switch mode {
	case ModeMeta:
		return 0, nil
	case ModeRaw:
		return it.RawSize(ctx)
	default:
		return it.Size(ctx)
	}
}

// UpdateMetadata pushes the item's current in-memory metadata to the
// remote store, bumping its version.
func (it *Item) UpdateMetadata(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.kind == KindVirtualFolder {
		return &VirtualItemError{Op: "update"}
	}
	if err := it.graph.client.UpdateMetadata(ctx, it.meta); err != nil {
		return err
	}
	it.meta.Version++
	return nil
}

// Delete removes the item from the document tree. If any ancestor is
// already in the trash, the item is deleted outright; otherwise it is
// moved to the trash by reparenting it, matching the remote store's own
// trash-is-just-a-folder semantics.
func (it *Item) Delete(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.kind == KindVirtualFolder {
		return &VirtualItemError{Op: "delete"}
	}

	parentID := it.meta.Parent
	for parentID != "" {
		parent, err := it.graph.GetByID(ctx, parentID)
		if err != nil {
			break
		}
		if parent.ID() == api.TrashID {
			return it.graph.client.Delete(ctx, it.meta.ID, it.meta.Version)
		}
		parentID = parent.ParentID()
	}

	it.meta.Parent = api.TrashID
	return it.graph.client.UpdateMetadata(ctx, it.meta)
}

// UploadRaw pushes new raw (zipped) content for this item.
func (it *Item) UploadRaw(ctx context.Context, contents []byte) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.kind == KindVirtualFolder {
		return &VirtualItemError{Op: "upload to"}
	}
	if err := it.graph.client.Upload(ctx, it.meta, contents); err != nil {
		return err
	}
	it.meta.Version++
	if it.graph.docCache != nil {
		it.graph.docCache.Set(it.meta.ID, it.meta.Version, "raw", contents)
	}
	return nil
}

// contentZipEntry describes one inner file of a document's upload
// envelope.
type contentZipEntry struct {
	ExtraMetadata  map[string]string `json:"extraMetadata"`
	FileType       string            `json:"fileType"`
	LastOpenedPage int               `json:"lastOpenedPage"`
	LineHeight     int               `json:"lineHeight"`
	Margins        int               `json:"margins"`
	PageCount      int               `json:"pageCount"`
	TextScale      int               `json:"textScale"`
	Transform      map[string]any    `json:"transform"`
}

// buildContentJSON renders the ".content" sidecar entry for a new
// document upload envelope.
func buildContentJSON(fileType api.FileType) ([]byte, error) {
	return json.Marshal(contentZipEntry{
		ExtraMetadata:  map[string]string{},
		FileType:       string(fileType),
		LastOpenedPage: 0,
		LineHeight:     -1,
		Margins:        100,
		PageCount:      0,
		TextScale:      1,
		Transform:      map[string]any{},
	})
}

// UploadOriginal packages contents as a new pdf or epub document and
// uploads it, wrapping it in the three-entry envelope (.pagedata,
// .content, and the typed payload) the remote store expects.
func (it *Item) UploadOriginal(ctx context.Context, fileType api.FileType, contents []byte) error {
	if fileType != api.FileTypePDF && fileType != api.FileTypeEPUB {
		return fmt.Errorf("cannot upload file of type %q", fileType)
	}

	contentJSON, err := buildContentJSON(fileType)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	id := it.ID()
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{id + ".pagedata", nil},
		{id + ".content", contentJSON},
		{id + "." + string(fileType), contents},
	} {
		// Stored with the real sizes and CRC in the local header (no
		// trailing data descriptor), the shape zipfmt.ReadLocalEntry reads.
		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               entry.name,
			Method:             zip.Store,
			CRC32:              crc32.ChecksumIEEE(entry.data),
			CompressedSize64:   uint64(len(entry.data)),
			UncompressedSize64: uint64(len(entry.data)),
		})
		if err != nil {
			return err
		}
		if _, err := w.Write(entry.data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return it.UploadRaw(ctx, buf.Bytes())
}

// UploadFolder packages an empty ".content" entry and uploads it, the
// envelope a new folder needs.
func (it *Item) UploadFolder(ctx context.Context) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(it.ID() + ".content")
	if err != nil {
		return err
	}
	if _, err := w.Write(nil); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return it.UploadRaw(ctx, buf.Bytes())
}
