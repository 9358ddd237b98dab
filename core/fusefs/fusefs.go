// Package fusefs is the filesystem adapter: it translates FUSE
// callbacks into striping-engine calls. Directory listing and
// attributes are served from the local client root; file bodies go
// through the engine. Only the root directory is browsable.
package fusefs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/pyropy/stripefs/core/client"
	"github.com/pyropy/stripefs/lib/logger"
)

// Host bundles what every node and handle needs.
type Host struct {
	sess *client.Session
	log  *zap.SugaredLogger
}

// Mount serves the striped filesystem at dir until the returned
// server is unmounted.
func Mount(dir string, sess *client.Session, logSinks ...string) (*fuse.Server, error) {
	log, err := logger.New("fusefs", logSinks...)
	if err != nil {
		return nil, err
	}

	root := &Root{host: &Host{sess: sess, log: log}}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "stripefs",
			Name:   "stripefs",
		},
	}

	return fs.Mount(dir, root, opts)
}

// Root is the mount point directory.
type Root struct {
	fs.Inode
	host *Host
}

var _ = (fs.NodeReaddirer)((*Root)(nil))
var _ = (fs.NodeLookuper)((*Root)(nil))
var _ = (fs.NodeCreater)((*Root)(nil))

// Readdir lists the regular files of the local client root.
// Subdirectories are not part of the surface.
func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(r.host.sess.Root())
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == client.MetadataDirName {
			continue
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: fuse.S_IFREG})
	}

	return fs.NewListDirStream(out), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == client.MetadataDirName {
		return nil, syscall.ENOENT
	}

	info, err := os.Stat(filepath.Join(r.host.sess.Root(), name))
	if err != nil || info.IsDir() {
		return nil, syscall.ENOENT
	}

	node := &fileNode{host: r.host, name: name}
	fillAttr(ctx, r.host, name, info, &out.Attr)

	child := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	return child, 0
}

// Create opens a fresh file for writing: a marker in the local root
// plus a buffering handle that stripes the content on flush.
func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	local, err := os.OpenFile(filepath.Join(r.host.sess.Root(), name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	node := &fileNode{host: r.host, name: name}
	out.Attr.Mode = fuse.S_IFREG | mode

	child := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	fh := &writeHandle{host: r.host, path: enginePath(name), local: local}

	return child, fh, fuse.FOPEN_DIRECT_IO, 0
}

// fileNode is one regular file of the mount.
type fileNode struct {
	fs.Inode
	host *Host
	name string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeSetattrer)((*fileNode)(nil))

func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(filepath.Join(n.host.sess.Root(), n.name))
	if err != nil {
		return fs.ToErrno(err)
	}

	fillAttr(ctx, n.host, n.name, info, &out.Attr)
	return 0
}

// Setattr accepts truncation silently; sizes are governed by the
// metadata store, and O_TRUNC opens rewrite the whole file anyway.
func (n *fileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return n.Getattr(ctx, f, out)
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		path := enginePath(n.name)
		if err := n.host.sess.OpenRead(path); err != nil {
			return nil, 0, readErrno(err)
		}

		return &readHandle{host: n.host, path: path, size: n.logicalSize(ctx)}, fuse.FOPEN_DIRECT_IO, 0

	case syscall.O_WRONLY:
		local, err := os.OpenFile(filepath.Join(n.host.sess.Root(), n.name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return nil, 0, fs.ToErrno(err)
		}

		return &writeHandle{host: n.host, path: enginePath(n.name), local: local}, fuse.FOPEN_DIRECT_IO, 0

	default:
		// O_RDWR is not part of the surface
		return nil, 0, syscall.EACCES
	}
}

// logicalSize prefers the recorded logical length over the padded
// node-side length.
func (n *fileNode) logicalSize(ctx context.Context) int64 {
	md, err := n.host.sess.Meta.Get(ctx, enginePath(n.name))
	if err == nil && md != nil {
		return md.Length
	}

	return n.host.sess.NodeLength()
}

// readHandle serves one read session of the engine.
type readHandle struct {
	host *Host
	path string
	size int64
}

var _ = (fs.FileReader)((*readHandle)(nil))
var _ = (fs.FileReleaser)((*readHandle)(nil))

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= h.size {
		return fuse.ReadResultData(nil), 0
	}

	n := int64(len(dest))
	if off+n > h.size {
		n = h.size - off
	}

	if _, err := h.host.sess.Read(dest[:n], off); err != nil {
		h.host.log.Errorw("read", "path", h.path, "offset", off, "error", err)
		return nil, readErrno(err)
	}

	return fuse.ReadResultData(dest[:n]), 0
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.host.sess.CloseRead(); err != nil {
		h.host.log.Warnw("close read", "path", h.path, "error", err)
	}

	return 0
}

// writeHandle accumulates the contiguous write stream starting at
// offset zero and stripes it across the lanes once, on flush. Writes
// at any other offset fall through to the local backing file and are
// never striped.
type writeHandle struct {
	host  *Host
	path  string
	local *os.File

	mutex   sync.Mutex
	buf     []byte
	striped bool
}

var _ = (fs.FileWriter)((*writeHandle)(nil))
var _ = (fs.FileFlusher)((*writeHandle)(nil))
var _ = (fs.FileReleaser)((*writeHandle)(nil))

func (h *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.striped && off == int64(len(h.buf)) {
		h.buf = append(h.buf, data...)
		return uint32(len(data)), 0
	}

	h.host.log.Warnw("unsupported write offset, falling back to local write", "path", h.path, "offset", off)

	n, err := h.local.WriteAt(data, off)
	if err != nil {
		return uint32(n), fs.ToErrno(err)
	}

	return uint32(n), 0
}

func (h *writeHandle) Flush(ctx context.Context) syscall.Errno {
	return h.flush(ctx)
}

func (h *writeHandle) Release(ctx context.Context) syscall.Errno {
	errno := h.flush(ctx)
	h.local.Close()

	return errno
}

func (h *writeHandle) flush(ctx context.Context) syscall.Errno {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.striped {
		return 0
	}
	h.striped = true

	if _, err := h.host.sess.Write(ctx, h.path, h.buf); err != nil {
		h.host.log.Errorw("striped write", "path", h.path, "error", err)
		return syscall.EIO
	}

	return 0
}

func enginePath(name string) string {
	return "/" + name
}

func fillAttr(ctx context.Context, host *Host, name string, info os.FileInfo, out *fuse.Attr) {
	out.Mode = fuse.S_IFREG | 0644
	out.Size = uint64(info.Size())

	if md, err := host.sess.Meta.Get(ctx, enginePath(name)); err == nil && md != nil {
		out.Size = uint64(md.Length)
	}
}

func readErrno(err error) syscall.Errno {
	switch {
	case errors.Is(err, client.ErrFileNotFound):
		return syscall.ENOENT
	case errors.Is(err, client.ErrTooManyFailures),
		errors.Is(err, client.ErrLaneDead),
		errors.Is(err, client.ErrChunkUnavailable):
		return syscall.EIO
	}

	return syscall.EIO
}
