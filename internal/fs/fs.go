// Package fs is the FS layer: node/dir/file/symlink operations
// implemented as literal translations onto the blob layer. It performs
// the POSIX-ish error mapping for this boundary; every other layer
// propagates errors unchanged.
package fs

import (
	"context"
	"sync"
	"time"

	"github.com/cryfs-go/cryfs/internal/blob"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/cachingblob"
	"github.com/cryfs-go/cryfs/internal/concurrentblob"
)

// Attr is the stat(2)-shaped metadata the FS layer tracks per node. For
// every node but the root, this is stored in the parent directory's
// DirEntry; the root has no parent entry, so its Attr lives in FS.rootAttr
// instead, mutable via SetAttr like any other node's.
type Attr struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// NodeInfo is what Lookup and ReadDir return: enough to stat a child
// without loading its blob.
type NodeInfo struct {
	Id   blockstore.Id
	Type blob.Type
	Attr Attr
}

// FS ties the blob layer to POSIX-shaped operations.
type FS struct {
	concurrent *concurrentblob.Store
	cache      *cachingblob.Store

	rootId blockstore.Id

	mu       sync.Mutex
	rootAttr Attr
}

// New builds an FS rooted at rootId. rootAttr seeds the root directory's
// stat info (normally read from the config file / set on mkfs).
func New(concurrent *concurrentblob.Store, cache *cachingblob.Store, rootId blockstore.Id, rootAttr Attr) *FS {
	return &FS{concurrent: concurrent, cache: cache, rootId: rootId, rootAttr: rootAttr}
}

func (f *FS) RootId() blockstore.Id { return f.rootId }

func notFound(op string) error       { return &Error{Kind: NodeDoesNotExist, Op: op} }
func alreadyExists(op string) error  { return &Error{Kind: NodeAlreadyExists, Op: op} }
func notADir(op string) error        { return &Error{Kind: NodeIsNotADir, Op: op} }
func isADir(op string) error         { return &Error{Kind: IsADir, Op: op} }
func notASymlink(op string) error    { return &Error{Kind: IsNotASymlink, Op: op} }
func notEmpty(op string) error       { return &Error{Kind: NotEmpty, Op: op} }
func invalidOp(op string) error      { return &Error{Kind: InvalidOperation, Op: op} }

// loadDir loads id and requires it be a directory.
func (f *FS) loadDir(ctx context.Context, op string, id blockstore.Id) (*cachingblob.Guard, *blob.Dir, error) {
	guard, ok, err := f.cache.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, notFound(op)
	}
	b := guard.Blob().Blob()
	if b.Type() != blob.Dir {
		guard.Release(ctx)
		return nil, nil, notADir(op)
	}
	d, err := b.AsDir()
	if err != nil {
		guard.Release(ctx)
		return nil, nil, err
	}
	return guard, d, nil
}

// Lookup finds name in the directory parentId.
func (f *FS) Lookup(ctx context.Context, parentId blockstore.Id, name string) (NodeInfo, error) {
	guard, dir, err := f.loadDir(ctx, "lookup", parentId)
	if err != nil {
		return NodeInfo{}, err
	}
	defer guard.Release(ctx)

	e, found, err := dir.Lookup(ctx, name)
	if err != nil {
		return NodeInfo{}, err
	}
	if !found {
		return NodeInfo{}, notFound("lookup")
	}
	return NodeInfo{Id: e.ChildId, Type: e.Type, Attr: Attr{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}}, nil
}

// ReadDir lists parentId's children.
func (f *FS) ReadDir(ctx context.Context, parentId blockstore.Id) ([]NodeInfo, error) {
	guard, dir, err := f.loadDir(ctx, "readdir", parentId)
	if err != nil {
		return nil, err
	}
	defer guard.Release(ctx)

	entries, err := dir.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NodeInfo, len(entries))
	for i, e := range entries {
		out[i] = NodeInfo{Id: e.ChildId, Type: e.Type, Attr: Attr{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}}
	}
	return out, nil
}

func (f *FS) createChild(ctx context.Context, op string, parentId blockstore.Id, name string, blobType blob.Type, attr Attr) (blockstore.Id, error) {
	parentGuard, parentDir, err := f.loadDir(ctx, op, parentId)
	if err != nil {
		return blockstore.Id{}, err
	}
	defer parentGuard.Release(ctx)

	if _, found, err := parentDir.Lookup(ctx, name); err != nil {
		return blockstore.Id{}, err
	} else if found {
		return blockstore.Id{}, alreadyExists(op)
	}

	childGuard, err := f.concurrent.Create(ctx, blobType, parentId)
	if err != nil {
		return blockstore.Id{}, err
	}
	childId := childGuard.Blob().Id()
	if err := childGuard.Release(ctx); err != nil {
		return blockstore.Id{}, err
	}

	if err := parentDir.AddEntry(ctx, blob.DirEntry{
		Type: blobType, Mode: attr.Mode, Uid: attr.Uid, Gid: attr.Gid,
		Atime: attr.Atime, Mtime: attr.Mtime, Ctime: attr.Ctime,
		Name: name, ChildId: childId,
	}); err != nil {
		return blockstore.Id{}, err
	}
	if err := parentDir.Flush(ctx); err != nil {
		return blockstore.Id{}, err
	}
	return childId, nil
}

// Mkdir creates an empty subdirectory named name under parentId.
func (f *FS) Mkdir(ctx context.Context, parentId blockstore.Id, name string, attr Attr) (blockstore.Id, error) {
	return f.createChild(ctx, "mkdir", parentId, name, blob.Dir, attr)
}

// Create creates an empty file named name under parentId.
func (f *FS) Create(ctx context.Context, parentId blockstore.Id, name string, attr Attr) (blockstore.Id, error) {
	return f.createChild(ctx, "create", parentId, name, blob.File, attr)
}

// Symlink creates a symlink named name under parentId pointing at target.
func (f *FS) Symlink(ctx context.Context, parentId blockstore.Id, name, target string, attr Attr) (blockstore.Id, error) {
	id, err := f.createChild(ctx, "symlink", parentId, name, blob.Symlink, attr)
	if err != nil {
		return blockstore.Id{}, err
	}
	guard, ok, err := f.cache.Load(ctx, id)
	if err != nil {
		return blockstore.Id{}, err
	}
	if !ok {
		return blockstore.Id{}, notFound("symlink")
	}
	defer guard.Release(ctx)
	symlink, err := guard.Blob().Blob().AsSymlink()
	if err != nil {
		return blockstore.Id{}, err
	}
	if err := symlink.SetTarget(ctx, target); err != nil {
		return blockstore.Id{}, err
	}
	return id, nil
}

// ReadLink returns a symlink's target.
func (f *FS) ReadLink(ctx context.Context, id blockstore.Id) (string, error) {
	guard, ok, err := f.cache.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", notFound("readlink")
	}
	defer guard.Release(ctx)
	b := guard.Blob().Blob()
	if b.Type() != blob.Symlink {
		return "", notASymlink("readlink")
	}
	symlink, err := b.AsSymlink()
	if err != nil {
		return "", err
	}
	return symlink.Target(ctx)
}

// Unlink removes a non-directory entry named name from parentId.
func (f *FS) Unlink(ctx context.Context, parentId blockstore.Id, name string) error {
	return f.removeEntry(ctx, "unlink", parentId, name, false)
}

// Rmdir removes an empty directory entry named name from parentId.
func (f *FS) Rmdir(ctx context.Context, parentId blockstore.Id, name string) error {
	return f.removeEntry(ctx, "rmdir", parentId, name, true)
}

func (f *FS) removeEntry(ctx context.Context, op string, parentId blockstore.Id, name string, wantDir bool) error {
	parentGuard, parentDir, err := f.loadDir(ctx, op, parentId)
	if err != nil {
		return err
	}
	defer parentGuard.Release(ctx)

	e, found, err := parentDir.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return notFound(op)
	}
	isDir := e.Type == blob.Dir
	if wantDir && !isDir {
		return notADir(op)
	}
	if !wantDir && isDir {
		return isADir(op)
	}
	if isDir {
		empty, err := f.dirIsEmpty(ctx, e.ChildId)
		if err != nil {
			return err
		}
		if !empty {
			return notEmpty(op)
		}
	}

	if err := parentDir.RemoveEntry(ctx, name); err != nil {
		return err
	}
	if err := parentDir.Flush(ctx); err != nil {
		return err
	}
	return f.concurrent.RemoveById(ctx, e.ChildId)
}

func (f *FS) dirIsEmpty(ctx context.Context, id blockstore.Id) (bool, error) {
	guard, dir, err := f.loadDir(ctx, "rmdir", id)
	if err != nil {
		return false, err
	}
	defer guard.Release(ctx)
	entries, err := dir.Entries(ctx)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// Rename moves the entry oldName in oldParentId to newName in newParentId,
// overwriting an existing non-directory newName. Same-directory renames are
// a single atomic entry-list edit; cross-directory renames lock both
// parents in (smaller_id, larger_id) order to avoid deadlocking against a
// concurrent rename the other way.
func (f *FS) Rename(ctx context.Context, oldParentId blockstore.Id, oldName string, newParentId blockstore.Id, newName string) error {
	if oldParentId == newParentId {
		return f.renameWithinDir(ctx, oldParentId, oldName, newName)
	}
	first, second := oldParentId, newParentId
	firstIsOld := true
	if !first.Less(second) {
		first, second = second, first
		firstIsOld = false
	}

	firstGuard, firstDir, err := f.loadDir(ctx, "rename", first)
	if err != nil {
		return err
	}
	defer firstGuard.Release(ctx)
	secondGuard, secondDir, err := f.loadDir(ctx, "rename", second)
	if err != nil {
		return err
	}
	defer secondGuard.Release(ctx)

	oldDir, newDir := firstDir, secondDir
	if !firstIsOld {
		oldDir, newDir = secondDir, firstDir
	}

	e, found, err := oldDir.Lookup(ctx, oldName)
	if err != nil {
		return err
	}
	if !found {
		return notFound("rename")
	}
	if existing, found, err := newDir.Lookup(ctx, newName); err != nil {
		return err
	} else if found {
		if existing.Type == blob.Dir {
			return isADir("rename")
		}
		if err := newDir.RemoveEntry(ctx, newName); err != nil {
			return err
		}
	}
	if err := oldDir.RemoveEntry(ctx, oldName); err != nil {
		return err
	}
	e.Name = newName
	if err := newDir.AddEntry(ctx, e); err != nil {
		return err
	}
	if err := oldDir.Flush(ctx); err != nil {
		return err
	}
	return newDir.Flush(ctx)
}

func (f *FS) renameWithinDir(ctx context.Context, parentId blockstore.Id, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	guard, dir, err := f.loadDir(ctx, "rename", parentId)
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	e, found, err := dir.Lookup(ctx, oldName)
	if err != nil {
		return err
	}
	if !found {
		return notFound("rename")
	}
	if existing, found, err := dir.Lookup(ctx, newName); err != nil {
		return err
	} else if found {
		if existing.Type == blob.Dir {
			return isADir("rename")
		}
		if err := dir.RemoveEntry(ctx, newName); err != nil {
			return err
		}
	}
	if err := dir.RemoveEntry(ctx, oldName); err != nil {
		return err
	}
	e.Name = newName
	if err := dir.AddEntry(ctx, e); err != nil {
		return err
	}
	return dir.Flush(ctx)
}

// GetAttr returns id's stat metadata. For the root, this is FS.rootAttr;
// for any other node, the caller must supply the parent that holds its
// DirEntry (there is no per-blob metadata block; file/dir/symlink bodies
// carry no stat fields of their own).
func (f *FS) GetAttr(ctx context.Context, parentId *blockstore.Id, id blockstore.Id, name string) (Attr, error) {
	if parentId == nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.rootAttr, nil
	}
	guard, dir, err := f.loadDir(ctx, "getattr", *parentId)
	if err != nil {
		return Attr{}, err
	}
	defer guard.Release(ctx)
	e, found, err := dir.Lookup(ctx, name)
	if err != nil {
		return Attr{}, err
	}
	if !found {
		return Attr{}, notFound("getattr")
	}
	return Attr{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}, nil
}

// SetAttr updates id's stat metadata via apply. For the root this mutates
// FS.rootAttr directly; otherwise it edits the entry in parentId.
func (f *FS) SetAttr(ctx context.Context, parentId *blockstore.Id, name string, apply func(*Attr)) error {
	if parentId == nil {
		f.mu.Lock()
		apply(&f.rootAttr)
		f.mu.Unlock()
		return nil
	}
	guard, dir, err := f.loadDir(ctx, "setattr", *parentId)
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	e, found, err := dir.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return notFound("setattr")
	}
	attr := Attr{Mode: e.Mode, Uid: e.Uid, Gid: e.Gid, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime}
	apply(&attr)
	e.Mode, e.Uid, e.Gid, e.Atime, e.Mtime, e.Ctime = attr.Mode, attr.Uid, attr.Gid, attr.Atime, attr.Mtime, attr.Ctime
	if err := dir.RemoveEntry(ctx, name); err != nil {
		return err
	}
	if err := dir.AddEntry(ctx, e); err != nil {
		return err
	}
	return dir.Flush(ctx)
}

func (f *FS) loadFile(ctx context.Context, op string, id blockstore.Id) (*cachingblob.Guard, *blob.File, error) {
	guard, ok, err := f.cache.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, notFound(op)
	}
	b := guard.Blob().Blob()
	if b.Type() == blob.Dir {
		guard.Release(ctx)
		return nil, nil, isADir(op)
	}
	if b.Type() != blob.File {
		guard.Release(ctx)
		return nil, nil, invalidOp(op)
	}
	file, err := b.AsFile()
	if err != nil {
		guard.Release(ctx)
		return nil, nil, err
	}
	return guard, file, nil
}

// ReadFile reads from the file blob id at offset into buf, returning the
// number of bytes read.
func (f *FS) ReadFile(ctx context.Context, id blockstore.Id, offset uint64, buf []byte) (int, error) {
	guard, file, err := f.loadFile(ctx, "read", id)
	if err != nil {
		return 0, err
	}
	defer guard.Release(ctx)
	return file.ReadAt(ctx, offset, buf)
}

// WriteFile writes p into the file blob id at offset.
func (f *FS) WriteFile(ctx context.Context, id blockstore.Id, offset uint64, p []byte) error {
	guard, file, err := f.loadFile(ctx, "write", id)
	if err != nil {
		return err
	}
	defer guard.Release(ctx)
	return file.WriteAt(ctx, offset, p)
}

// Truncate resizes the file blob id to newSize.
func (f *FS) Truncate(ctx context.Context, id blockstore.Id, newSize uint64) error {
	guard, file, err := f.loadFile(ctx, "truncate", id)
	if err != nil {
		return err
	}
	defer guard.Release(ctx)
	return file.Truncate(ctx, newSize)
}

// Size returns the file blob's current size.
func (f *FS) Size(ctx context.Context, id blockstore.Id) (uint64, error) {
	guard, file, err := f.loadFile(ctx, "stat", id)
	if err != nil {
		return 0, err
	}
	defer guard.Release(ctx)
	return file.Size(ctx)
}

// Fsync flushes the file blob and, if parentId is non-nil, its parent
// directory blob: flush-if-cached on the file blob and its parent
// directory.
func (f *FS) Fsync(ctx context.Context, id blockstore.Id, parentId *blockstore.Id) error {
	if err := f.concurrent.FlushIfCached(ctx, id); err != nil {
		return err
	}
	if parentId != nil {
		if err := f.concurrent.FlushIfCached(ctx, *parentId); err != nil {
			return err
		}
	}
	return nil
}
