// Command cryfsd wires the full storage stack together against an
// on-disk basedir and exposes the FS layer for a smoke test. The
// interactive CLI (argument parsing, password prompts, the FUSE bridge)
// is out of scope here; this binary only proves the stack links up end
// to end, the way an integration test exercises the core without going
// through a real mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cryfs-go/cryfs/internal/blob"
	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/caching"
	"github.com/cryfs-go/cryfs/internal/blockstore/compress"
	"github.com/cryfs-go/cryfs/internal/blockstore/encrypt"
	"github.com/cryfs-go/cryfs/internal/blockstore/integrity"
	"github.com/cryfs-go/cryfs/internal/blockstore/leaf"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
	"github.com/cryfs-go/cryfs/internal/cachingblob"
	"github.com/cryfs-go/cryfs/internal/clog"
	"github.com/cryfs-go/cryfs/internal/concurrentblob"
	"github.com/cryfs-go/cryfs/internal/cryptocipher"
	"github.com/cryfs-go/cryfs/internal/fs"
	"github.com/cryfs-go/cryfs/internal/integrityjournal"
	"github.com/cryfs-go/cryfs/internal/node"
	"github.com/cryfs-go/cryfs/internal/oninterrupt"
	"github.com/cryfs-go/cryfs/internal/runtimeconfig"
	"github.com/cryfs-go/cryfs/internal/tree"
	"golang.org/x/sys/unix"
)

const physicalBlockSize = 32768

// Stack is every layer of the storage stack for one opened filesystem,
// kept together so callers can flush and close it as a unit.
type Stack struct {
	Journal    *integrityjournal.Journal
	FS         *fs.FS
	CachingBlb *cachingblob.Store
	Concurrent *concurrentblob.Store
	Compressed *compress.Store
	lockFile   *os.File
}

// Close releases resources Open acquired outside the decorator chain
// itself: the compressor's background goroutines and, in single-client
// mode, the advisory basedir lock.
func (s *Stack) Close() error {
	if s.lockFile != nil {
		s.lockFile.Close()
	}
	return s.Compressed.Close()
}

// lockSingleClient takes an exclusive, non-blocking advisory lock on
// basedir so a second cryfsd process can't mount the same filesystem
// concurrently while single-client mode is relying on there being only one
// writer. The lock is released when the returned file is closed.
func lockSingleClient(basedir string) (*os.File, error) {
	f, err := os.OpenFile(basedir+"/.cryfs.lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening single-client lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("basedir is already locked by another process in single-client mode")
		}
		return nil, fmt.Errorf("locking basedir: %w", err)
	}
	return f, nil
}

// Open assembles the decorator chain in dependency order:
// leaf -> compress -> encrypt -> integrity -> caching -> locking -> node
// -> tree -> blob -> concurrentblob -> cachingblob, then reads the root blob
// id from basedir's .rootid marker file, creating a root blob if the marker
// can't be read.
func Open(ctx context.Context, basedir, journalPath string, encryptionKey []byte, cfg *runtimeconfig.Config) (*Stack, error) {
	var lockFile *os.File
	if cfg.SingleClientMode {
		f, err := lockSingleClient(basedir)
		if err != nil {
			return nil, err
		}
		lockFile = f
	}

	onDisk, err := leaf.NewOnDisk(basedir)
	if err != nil {
		return nil, fmt.Errorf("opening basedir: %w", err)
	}

	compressed, err := compress.New(onDisk)
	if err != nil {
		return nil, fmt.Errorf("setting up compression: %w", err)
	}

	cipher, err := cryptocipher.Lookup(cryptocipher.Name(cfg.DefaultCipher))
	if err != nil {
		return nil, err
	}
	encrypted, err := encrypt.New(compressed, cipher, encryptionKey)
	if err != nil {
		return nil, err
	}

	journal, err := integrityjournal.LoadOrCreate(journalPath)
	if err != nil {
		return nil, fmt.Errorf("opening integrity journal: %w", err)
	}
	integrityStore := integrity.New(encrypted, journal)
	integrityStore.AllowIntegrityViolations = cfg.AllowIntegrityViolations
	integrityStore.OnViolation = func(v *integrity.ViolationError) {
		clog.Component("integrity").Warn().
			Str("block_id", v.Id.String()).
			Str("kind", v.Kind.String()).
			Msg("integrity violation")
	}
	if cfg.SingleClientMode {
		myClientId := journal.MyClientId()
		integrityStore.ExclusiveClientId = &myClientId
	}

	cachingStore := caching.New(integrityStore, cfg.BlockCacheEntries)
	lockingStore := locking.New(cachingStore)

	usableSize, err := onDisk.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
	if err != nil {
		return nil, err
	}
	nodeStore := node.NewStore(lockingStore, int(usableSize), cfg.RemoveParallelism)
	treeStore := tree.NewStore(nodeStore)
	blobStore := blob.NewStore(treeStore)
	concurrentStore := concurrentblob.NewStore(blobStore)
	cacheStore := cachingblob.New(concurrentStore, cfg.BlobCacheEntryAge)

	rootId, err := rootBlobId(ctx, onDisk, blobStore)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rootAttr := fs.Attr{Mode: 0755, Atime: now, Mtime: now, Ctime: now}
	fsLayer := fs.New(concurrentStore, cacheStore, rootId, rootAttr)

	return &Stack{
		Journal:    journal,
		FS:         fsLayer,
		CachingBlb: cacheStore,
		Concurrent: concurrentStore,
		Compressed: compressed,
		lockFile:   lockFile,
	}, nil
}

// rootBlobId returns the root directory blob id recorded in the basedir's
// `.rootid` marker file, or creates a fresh root blob if that marker can't
// be read (a brand-new filesystem). The
// actual root blob id belongs in the config file (internal/cryconfig);
// this smoke test keeps a `.rootid` marker file instead, since wiring a
// full cryconfig-backed mkfs flow is outside what this entry point needs
// to prove.
func rootBlobId(ctx context.Context, onDisk *leaf.OnDisk, blobStore *blob.Store) (blockstore.Id, error) {
	marker := onDisk.Root() + "/.rootid"
	if data, err := os.ReadFile(marker); err == nil {
		return blockstore.ParseId(string(data))
	}

	root, err := blobStore.Create(ctx, blob.Dir, blockstore.Id{})
	if err != nil {
		return blockstore.Id{}, err
	}
	if err := os.WriteFile(marker, []byte(root.Id().String()), 0600); err != nil {
		return blockstore.Id{}, err
	}
	return root.Id(), nil
}

func main() {
	basedir := flag.String("basedir", "", "encrypted block storage directory")
	foreground := flag.Bool("foreground", false, "run in the foreground instead of daemonizing (daemonizing is unimplemented; always foreground)")
	flag.Parse()
	_ = foreground

	if *basedir == "" {
		fmt.Fprintln(os.Stderr, "usage: cryfsd -basedir DIR")
		os.Exit(10)
	}

	cfg, err := runtimeconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading runtime config:", err)
		os.Exit(10)
	}
	clog.Init(clog.Config{Level: clog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	key := make([]byte, 32)
	journalPath := *basedir + "/.integrity-journal"
	stack, err := Open(context.Background(), *basedir, journalPath, key, cfg)
	if err != nil {
		clog.Logger.Error().Err(err).Msg("failed to open filesystem")
		os.Exit(19)
	}
	defer stack.Journal.Save()
	defer stack.Close()

	// A SIGINT mid-write must not lose the integrity journal's record of
	// the highest block version this client has seen.
	oninterrupt.Register(func() {
		if err := stack.Journal.Save(); err != nil {
			clog.Logger.Error().Err(err).Msg("failed to save integrity journal on interrupt")
		}
	})

	clog.Logger.Info().Str("root", stack.FS.RootId().String()).Msg("filesystem ready")
}
