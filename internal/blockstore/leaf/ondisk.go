package leaf

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// shardPrefixLen controls how many hex characters of the block id are used
// as the sharding directory name, matching the two-level sharding common to
// content-addressed on-disk stores (keeps any single directory from growing
// past a few thousand entries at realistic block counts).
const shardPrefixLen = 2

// OnDisk is a leaf store that keeps one file per block under a root
// directory, sharded by the first bytes of the block id. Stores are made
// atomic by writing to a temp file and renaming it into place
// (github.com/google/renameio), so a crash mid-write never leaves a
// half-written block visible under its final name.
type OnDisk struct {
	root string

	// numBlocksHint caches the last observed block count so NumBlocks
	// doesn't have to re-walk the tree on every call; it's set by the full
	// scan in NewOnDisk and adjusted by TryCreate, by Store when it creates
	// a new block, and by Remove.
	numBlocksHint int64
}

var _ Store = (*OnDisk)(nil)

// NewOnDisk opens (creating if necessary) an on-disk leaf store rooted at
// dir.
func NewOnDisk(dir string) (*OnDisk, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, xerrors.Errorf("creating block store root %s: %w", dir, err)
	}
	s := &OnDisk{root: dir}
	n, err := s.countBlocks()
	if err != nil {
		return nil, err
	}
	s.numBlocksHint = int64(n)
	return s, nil
}

// Root returns the directory this store keeps its block files under.
func (s *OnDisk) Root() string { return s.root }

func (s *OnDisk) shardDir(id blockstore.Id) string {
	hex := id.String()
	return filepath.Join(s.root, hex[:shardPrefixLen])
}

func (s *OnDisk) path(id blockstore.Id) string {
	return filepath.Join(s.shardDir(id), id.String())
}

func (s *OnDisk) Exists(ctx context.Context, id blockstore.Id) (bool, error) {
	_, err := os.Stat(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("stat %s: %w", id, err)
	}
	return true, nil
}

func (s *OnDisk) Load(ctx context.Context, id blockstore.Id) ([]byte, bool, error) {
	data, err := ioutil.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("loading block %s: %w", id, err)
	}
	return data, true, nil
}

func (s *OnDisk) TryCreate(ctx context.Context, id blockstore.Id, data []byte) (blockstore.TryCreateResult, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return 0, err
	}
	if exists {
		return blockstore.AlreadyExists, nil
	}
	if err := s.writeAtomic(id, data); err != nil {
		return 0, err
	}
	atomic.AddInt64(&s.numBlocksHint, 1)
	return blockstore.Created, nil
}

func (s *OnDisk) Store(ctx context.Context, id blockstore.Id, data []byte) error {
	existed, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if err := s.writeAtomic(id, data); err != nil {
		return err
	}
	if !existed {
		atomic.AddInt64(&s.numBlocksHint, 1)
	}
	return nil
}

func (s *OnDisk) writeAtomic(id blockstore.Id, data []byte) error {
	dir := s.shardDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return xerrors.Errorf("creating shard dir %s: %w", dir, err)
	}
	// renameio.WriteFile writes to a temp file in the same directory and
	// renames it into place, so concurrent loaders never observe a partial
	// block even across a power loss between write and rename. The rename
	// itself only lands in the shard directory's entry once that directory
	// is fsynced, so without syncDir a crash right after rename can still
	// lose the new name on some filesystems.
	if err := renameio.WriteFile(s.path(id), data, 0600); err != nil {
		return xerrors.Errorf("writing block %s: %w", id, err)
	}
	if err := syncDir(dir); err != nil {
		return xerrors.Errorf("syncing shard dir %s: %w", dir, err)
	}
	return nil
}

// syncDir fsyncs a directory's inode so a preceding create/rename/unlink
// within it is durable across a crash, not just the file it touched.
// os.File.Sync doesn't expose this for directories on all platforms, so
// this opens the directory with unix.Open/O_DIRECTORY directly.
func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}

func (s *OnDisk) Remove(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return blockstore.NotFound, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("removing block %s: %w", id, err)
	}
	if err := syncDir(s.shardDir(id)); err != nil {
		return 0, xerrors.Errorf("syncing shard dir after remove: %w", err)
	}
	atomic.AddInt64(&s.numBlocksHint, -1)
	return blockstore.Removed, nil
}

func (s *OnDisk) countBlocks() (int, error) {
	n := 0
	it, err := s.AllBlocks(context.Background())
	if err != nil {
		return 0, err
	}
	for {
		_, ok, err := it()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

func (s *OnDisk) NumBlocks(ctx context.Context) (uint64, error) {
	// Counts only blocks durable on the backend, not cached-dirty-but
	// -unflushed ones held by a caching layer above us.
	n := atomic.LoadInt64(&s.numBlocksHint)
	if n < 0 {
		n = 0
	}
	return uint64(n), nil
}

func (s *OnDisk) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	shards, err := ioutil.ReadDir(s.root)
	if err != nil {
		return nil, xerrors.Errorf("listing %s: %w", s.root, err)
	}
	var ids []blockstore.Id
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := ioutil.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, xerrors.Errorf("listing shard %s: %w", shard.Name(), err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			id, err := blockstore.ParseId(entry.Name())
			if err != nil {
				continue // not a block file; ignore stray files
			}
			ids = append(ids, id)
		}
	}
	i := 0
	return func() (blockstore.Id, bool, error) {
		if i >= len(ids) {
			return blockstore.Id{}, false, nil
		}
		id := ids[i]
		i++
		return id, true, nil
	}, nil
}

func (s *OnDisk) EstimateNumFreeBytes(ctx context.Context) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		return 0, xerrors.Errorf("statfs %s: %w", s.root, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func (s *OnDisk) BlockSizeFromPhysicalBlockSize(physical uint64) (uint64, error) {
	return physical, nil
}
