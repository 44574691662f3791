package rmfs

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rmcl-go/rmcl/api"
	"github.com/rmcl-go/rmcl/items"
	"github.com/rs/zerolog/log"
)

const modeFileName = ".mode"

// Filesystem holds the state shared by every Node: the item graph, the
// inode<->id bijection, and the current rendering mode (meta/raw/orig),
// which the .mode control file mutates.
type Filesystem struct {
	graph  *items.Graph
	mapper *InodeMapper

	modeMu sync.RWMutex
	mode   items.Mode
}

// NewFilesystem builds the shared state and its root Node, ready to pass
// to fs.Mount.
func NewFilesystem(graph *items.Graph, initialMode items.Mode) (*Filesystem, *Node) {
	fsys := &Filesystem{
		graph:  graph,
		mapper: NewInodeMapper(),
		mode:   initialMode,
	}
	root := &Node{fsys: fsys, id: api.RootID}
	fsys.mapper.Assign(api.RootID)
	return fsys, root
}

func (f *Filesystem) currentMode() items.Mode {
	f.modeMu.RLock()
	defer f.modeMu.RUnlock()
	return f.mode
}

func (f *Filesystem) setMode(mode items.Mode) {
	f.modeMu.Lock()
	f.mode = mode
	f.modeMu.Unlock()
}

// Node is a single FUSE inode: either a document-tree item or the
// synthetic .mode control file (when id == "" and isModeFile is true,
// which only ever appears as a child of root).
type Node struct {
	fs.Inode

	fsys       *Filesystem
	id         string
	isModeFile bool
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
)

func (n *Node) item(ctx context.Context) (*items.Item, syscall.Errno) {
	it, err := n.fsys.graph.GetByID(ctx, n.id)
	if err != nil {
		log.Error().Err(err).Str("id", n.id).Msg("could not resolve item")
		return nil, syscall.ENOENT
	}
	return it, 0
}

// Lookup resolves name within this directory. "." and ".." are not
// special-cased here - go-fuse's high-level API already resolves them
// before calling Lookup, unlike the raw pyfuse3.Operations.lookup this
// design is grounded on.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.isModeFile {
		return nil, syscall.ENOTDIR
	}

	parent, errno := n.item(ctx)
	if errno != 0 {
		return nil, errno
	}

	mode := n.fsys.currentMode()

	if parent.ID() == api.RootID && name == modeFileName {
		return n.newModeFileInode(ctx, out), 0
	}

	for _, child := range parent.Children() {
		if child.DirEntryName(ctx, mode) == name {
			return n.newChildInode(ctx, child, out), 0
		}
	}
	return nil, syscall.ENOENT
}

func (n *Node) newChildInode(ctx context.Context, it *items.Item, out *fuse.EntryOut) *fs.Inode {
	child := &Node{fsys: n.fsys, id: it.ID()}
	fillEntryOut(ctx, it, n.fsys.currentMode(), out)
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: entryMode(it),
		Ino:  n.fsys.mapper.Assign(it.ID()),
	})
}

func (n *Node) newModeFileInode(ctx context.Context, out *fuse.EntryOut) *fs.Inode {
	child := &Node{fsys: n.fsys, isModeFile: true}
	out.Mode = fuse.S_IFREG | 0644
	out.Size = uint64(len(n.fsys.currentMode()))
	stampEntryTimes(out)
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  n.fsys.mapper.Assign(".mode"),
	})
}

func entryMode(it *items.Item) uint32 {
	if it.IsFolder() {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

func fillEntryOut(ctx context.Context, it *items.Item, mode items.Mode, out *fuse.EntryOut) {
	if it.IsFolder() {
		out.Mode = fuse.S_IFDIR | 0555
		out.Size = 0
	} else {
		out.Mode = fuse.S_IFREG | 0444
		size, err := it.RenderedSize(ctx, mode)
		if err != nil {
			size = 0
		}
		out.Size = uint64(size)
	}
	stampEntryTimes(out)
}

func stampEntryTimes(out *fuse.EntryOut) {
	now := time.Now()
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	out.Atime = uint64(now.Unix())
	out.Mtime = uint64(now.Unix())
	out.Ctime = uint64(now.Unix())
}

// Getattr fills in the standard stat fields for this node.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.isModeFile {
		out.Mode = fuse.S_IFREG | 0644
		out.Size = uint64(len(n.fsys.currentMode()))
		return 0
	}

	it, errno := n.item(ctx)
	if errno != 0 {
		return errno
	}
	if it.IsFolder() {
		out.Mode = fuse.S_IFDIR | 0555
		return 0
	}
	out.Mode = fuse.S_IFREG | 0444
	size, err := it.RenderedSize(ctx, n.fsys.currentMode())
	if err != nil {
		return syscall.EREMOTEIO
	}
	out.Size = uint64(size)
	out.Mtime = uint64(it.MTime().Unix())
	return 0
}

// Readdir lists this directory's children by their mode-dependent names,
// plus the .mode control file at the root.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if n.isModeFile {
		return nil, syscall.ENOTDIR
	}

	it, errno := n.item(ctx)
	if errno != 0 {
		return nil, errno
	}
	if !it.IsFolder() {
		return nil, syscall.ENOTDIR
	}

	mode := n.fsys.currentMode()
	var entries []fuse.DirEntry
	if it.ID() == api.RootID {
		entries = append(entries, fuse.DirEntry{Name: modeFileName, Mode: fuse.S_IFREG})
	}
	for _, child := range it.Children() {
		entries = append(entries, fuse.DirEntry{
			Name: child.DirEntryName(ctx, mode),
			Mode: entryMode(child),
			Ino:  n.fsys.mapper.Assign(child.ID()),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open rejects write-intent flags on every node except the .mode control
// file, matching the filesystem's read-mostly contract.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.isModeFile {
		return nil, fuse.FOPEN_DIRECT_IO, 0
	}
	if flags&(syscall.O_RDWR|syscall.O_WRONLY) != 0 {
		return nil, 0, syscall.EACCES
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Read serves the node's rendered content at the requested offset.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if n.isModeFile {
		mode := string(n.fsys.currentMode())
		if off >= int64(len(mode)) {
			return fuse.ReadResultData(nil), 0
		}
		end := int64(len(mode))
		if off+int64(len(dest)) < end {
			end = off + int64(len(dest))
		}
		return fuse.ReadResultData([]byte(mode[off:end])), 0
	}

	it, errno := n.item(ctx)
	if errno != 0 {
		return nil, errno
	}
	data, err := it.RenderedContent(ctx, n.fsys.currentMode())
	if err != nil {
		log.Error().Err(err).Str("id", it.ID()).Msg("could not render content")
		return nil, syscall.EREMOTEIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := int64(len(data))
	if off+int64(len(dest)) < end {
		end = off + int64(len(dest))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// Write accepts only the .mode control file's command writes: "meta",
// "raw", "orig" switch the active rendering mode, and "refresh" forces
// the next read to do a full tree refresh. Anything else is EINVAL.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if !n.isModeFile {
		return 0, syscall.EACCES
	}

	cmd := trimCommand(data)
	switch items.Mode(cmd) {
	case items.ModeMeta, items.ModeRaw, items.ModeOrig:
		n.fsys.setMode(items.Mode(cmd))
		return uint32(len(data)), 0
	}
	if cmd == "refresh" {
		n.fsys.graph.InvalidateDeadline()
		return uint32(len(data)), 0
	}
	return 0, syscall.EINVAL
}

func trimCommand(data []byte) string {
	return strings.ToLower(strings.TrimSpace(string(data)))
}
