// Package blob implements BlobStore: a thin typed adaptor over a tree of
// nodes. A blob is a file, directory, or symlink; its root
// blob carries a 19-byte header (format version, type, parent blob id)
// ahead of the type-specific body.
package blob

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sort"
	"time"

	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/tree"
)

// FormatVersion is the blob header's constant format-version field.
const FormatVersion uint16 = 1

// headerSize is 2 (format version) + 1 (type) + 16 (parent blob id) bytes.
const headerSize = 2 + 1 + blockstore.IdSize

// Type identifies a blob's kind, stored as the header's type byte.
type Type uint8

const (
	File Type = iota
	Dir
	Symlink
)

// ErrWrongFormatVersion is returned by Load on a header version mismatch.
type ErrWrongFormatVersion struct{ Got uint16 }

func (e *ErrWrongFormatVersion) Error() string {
	return xerrors.Errorf("blob: unexpected format version %d, expected %d", e.Got, FormatVersion).Error()
}

// ErrWrongBlobType is returned by AsFile/AsDir/AsSymlink when called on a
// blob of a different type.
type ErrWrongBlobType struct {
	Want, Got Type
}

func (e *ErrWrongBlobType) Error() string {
	return xerrors.Errorf("blob: expected type %d, got %d", e.Want, e.Got).Error()
}

// Store is BlobStore.
type Store struct {
	trees *tree.Store
}

func NewStore(trees *tree.Store) *Store {
	return &Store{trees: trees}
}

// Blob is a loaded blob: header fields plus the underlying tree.
type Blob struct {
	store  *Store
	tree   *tree.Tree
	blobId blockstore.Id

	blobType Type
	parentId blockstore.Id
}

func (b *Blob) Id() blockstore.Id       { return b.blobId }
func (b *Blob) Type() Type              { return b.blobType }
func (b *Blob) ParentId() blockstore.Id { return b.parentId }

func headerBytes(blobType Type, parentId blockstore.Id) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:2], FormatVersion)
	h[2] = byte(blobType)
	copy(h[3:headerSize], parentId[:])
	return h
}

// Create creates a new blob of the given type with an empty body and
// returns it.
func (s *Store) Create(ctx context.Context, blobType Type, parentId blockstore.Id) (*Blob, error) {
	root, err := s.trees.NewLeaf(ctx, headerBytes(blobType, parentId))
	if err != nil {
		return nil, err
	}
	return &Blob{store: s, tree: s.trees.Load(root), blobId: root, blobType: blobType, parentId: parentId}, nil
}

// Load loads the blob rooted at id, or ok=false if it doesn't exist.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (*Blob, bool, error) {
	t := s.trees.Load(id)
	header := make([]byte, headerSize)
	n, err := t.ReadAt(ctx, 0, header)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if n < headerSize {
		return nil, false, xerrors.Errorf("blob %s: truncated header", id)
	}
	version := binary.LittleEndian.Uint16(header[0:2])
	if version != FormatVersion {
		return nil, false, &ErrWrongFormatVersion{Got: version}
	}
	blobType := Type(header[2])
	parentId, err := blockstore.IdFromBytes(header[3:headerSize])
	if err != nil {
		return nil, false, err
	}
	return &Blob{store: s, tree: t, blobId: id, blobType: blobType, parentId: parentId}, true, nil
}

// Remove deletes every node of the blob's tree.
func (s *Store) Remove(ctx context.Context, b *Blob) error {
	return b.tree.Remove(ctx)
}

// AllBlocks streams every block id backing this one blob's tree.
func (b *Blob) AllBlocks(ctx context.Context) (func() (blockstore.Id, bool, error), error) {
	return b.store.trees.AllNodesInSubtree(ctx, b.blobId)
}

// SetParent rewrites only the header's parent-blob-id slot, leaving type
// and body untouched.
func (b *Blob) SetParent(ctx context.Context, parentId blockstore.Id) error {
	var buf [blockstore.IdSize]byte
	copy(buf[:], parentId[:])
	if err := b.tree.WriteAt(ctx, 3, buf[:]); err != nil {
		return err
	}
	b.parentId = parentId
	return nil
}

// Flush flushes the tree's dirty nodes. For directory blobs it goes through
// Dir.Flush on a fresh view from AsDir; that view has not loaded the entry
// list, so only the tree is flushed, and entries buffered in another Dir
// view are written only by that view's own Flush. File and Symlink write
// through on every call, so a plain tree flush is enough for them.
func (b *Blob) Flush(ctx context.Context) error {
	if b.blobType == Dir {
		d, err := b.AsDir()
		if err != nil {
			return err
		}
		return d.Flush(ctx)
	}
	return b.tree.Flush(ctx)
}

// LstatSize returns the body size a stat(2) call should report: total tree
// size minus the header, for files and symlinks; for directories, the
// serialized entry-list size (same quantity, since the directory body is
// the tree's payload past the header).
func (b *Blob) LstatSize(ctx context.Context) (uint64, error) {
	total, err := b.tree.NumBytes(ctx)
	if err != nil {
		return 0, err
	}
	if total < headerSize {
		return 0, nil
	}
	return total - headerSize, nil
}

func (b *Blob) requireType(want Type) error {
	if b.blobType != want {
		return &ErrWrongBlobType{Want: want, Got: b.blobType}
	}
	return nil
}

// File is a Blob known to hold raw file bytes.
type File struct{ *Blob }

func (b *Blob) AsFile() (*File, error) {
	if err := b.requireType(File); err != nil {
		return nil, err
	}
	return &File{b}, nil
}

func (f *File) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	return f.tree.ReadAt(ctx, headerSize+offset, buf)
}

func (f *File) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	return f.tree.WriteAt(ctx, headerSize+offset, p)
}

func (f *File) Truncate(ctx context.Context, newSize uint64) error {
	return f.tree.Resize(ctx, headerSize+newSize)
}

func (f *File) Size(ctx context.Context) (uint64, error) { return f.LstatSize(ctx) }

// Symlink is a Blob known to hold a UTF-8 target path with no trailing NUL.
type Symlink struct{ *Blob }

func (b *Blob) AsSymlink() (*Symlink, error) {
	if err := b.requireType(Symlink); err != nil {
		return nil, err
	}
	return &Symlink{b}, nil
}

func (s *Symlink) Target(ctx context.Context) (string, error) {
	size, err := s.LstatSize(ctx)
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	if _, err := s.tree.ReadAt(ctx, headerSize, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s *Symlink) SetTarget(ctx context.Context, target string) error {
	if err := s.tree.Resize(ctx, uint64(headerSize+len(target))); err != nil {
		return err
	}
	return s.tree.WriteAt(ctx, headerSize, []byte(target))
}

// DirEntry is one entry in a directory blob's sorted entry list.
type DirEntry struct {
	Type    Type
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Name    string
	ChildId blockstore.Id
}

// entryOnDiskSize is 1 (type) + 4*3 (mode/uid/gid) + 8*3 (times, unix nanos)
// + len(name) + 1 (NUL) + 16 (child id).
func entryOnDiskSize(name string) int {
	return 1 + 4 + 4 + 4 + 8 + 8 + 8 + len(name) + 1 + blockstore.IdSize
}

// Dir is a Blob known to hold a sorted DirEntry list. Entries are parsed
// lazily on first access and re-serialized as a whole on Flush.
type Dir struct {
	*Blob
	loaded  bool
	entries []DirEntry
}

func (b *Blob) AsDir() (*Dir, error) {
	if err := b.requireType(Dir); err != nil {
		return nil, err
	}
	return &Dir{Blob: b}, nil
}

func (d *Dir) ensureLoaded(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	size, err := d.LstatSize(ctx)
	if err != nil {
		return err
	}
	body := make([]byte, size)
	if _, err := d.tree.ReadAt(ctx, headerSize, body); err != nil {
		return err
	}
	entries, err := parseEntries(body)
	if err != nil {
		return err
	}
	d.entries = entries
	d.loaded = true
	return nil
}

func parseEntries(body []byte) ([]DirEntry, error) {
	if len(body) < 8 {
		if len(body) == 0 {
			return nil, nil
		}
		return nil, xerrors.New("dir: truncated entry count")
	}
	count := binary.LittleEndian.Uint64(body[0:8])
	r := bytes.NewReader(body[8:])
	entries := make([]DirEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e DirEntry
		entryType, err := r.ReadByte()
		if err != nil {
			return nil, xerrors.Errorf("dir entry %d: %w", i, err)
		}
		e.Type = Type(entryType)
		var mode, uidv, gidv uint32
		var atime, mtime, ctime int64
		if err := binary.Read(r, binary.LittleEndian, &mode); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &uidv); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &gidv); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &atime); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &mtime); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &ctime); err != nil {
			return nil, err
		}
		e.Mode, e.Uid, e.Gid = mode, uidv, gidv
		e.Atime = time.Unix(0, atime)
		e.Mtime = time.Unix(0, mtime)
		e.Ctime = time.Unix(0, ctime)
		name, err := readNulTerminated(r)
		if err != nil {
			return nil, xerrors.Errorf("dir entry %d name: %w", i, err)
		}
		e.Name = name
		var idBytes [blockstore.IdSize]byte
		if _, err := io.ReadFull(r, idBytes[:]); err != nil {
			return nil, xerrors.Errorf("dir entry %d child id: %w", i, err)
		}
		id, err := blockstore.IdFromBytes(idBytes[:])
		if err != nil {
			return nil, err
		}
		e.ChildId = id
		entries = append(entries, e)
	}
	return entries, nil
}

func readNulTerminated(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

func serializeEntries(entries []DirEntry) []byte {
	ws := &writerseeker.WriterSeeker{}
	binary.Write(ws, binary.LittleEndian, uint64(len(entries)))
	for _, e := range entries {
		ws.Write([]byte{byte(e.Type)})
		binary.Write(ws, binary.LittleEndian, e.Mode)
		binary.Write(ws, binary.LittleEndian, e.Uid)
		binary.Write(ws, binary.LittleEndian, e.Gid)
		binary.Write(ws, binary.LittleEndian, e.Atime.UnixNano())
		binary.Write(ws, binary.LittleEndian, e.Mtime.UnixNano())
		binary.Write(ws, binary.LittleEndian, e.Ctime.UnixNano())
		ws.Write([]byte(e.Name))
		ws.Write([]byte{0})
		ws.Write(e.ChildId[:])
	}
	out, _ := io.ReadAll(ws.Reader())
	return out
}

func entryLess(a, b DirEntry) bool { return a.Name < b.Name }

// Lookup does a binary search for name, since entries are kept sorted.
func (d *Dir) Lookup(ctx context.Context, name string) (DirEntry, bool, error) {
	if err := d.ensureLoaded(ctx); err != nil {
		return DirEntry{}, false, err
	}
	idx, found := slices.BinarySearchFunc(d.entries, DirEntry{Name: name}, func(a, b DirEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return DirEntry{}, false, nil
	}
	return d.entries[idx], true, nil
}

// Entries returns the directory's entries, sorted by name.
func (d *Dir) Entries(ctx context.Context) ([]DirEntry, error) {
	if err := d.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(d.entries))
	copy(out, d.entries)
	return out, nil
}

// AddEntry inserts a new entry, keeping the list sorted. It errors if an
// entry with the same name already exists.
func (d *Dir) AddEntry(ctx context.Context, e DirEntry) error {
	if err := d.ensureLoaded(ctx); err != nil {
		return err
	}
	if _, found, err := d.Lookup(ctx, e.Name); err != nil {
		return err
	} else if found {
		return xerrors.Errorf("dir: entry %q already exists", e.Name)
	}
	idx := sort.Search(len(d.entries), func(i int) bool { return !entryLess(d.entries[i], e) })
	d.entries = append(d.entries, DirEntry{})
	copy(d.entries[idx+1:], d.entries[idx:])
	d.entries[idx] = e
	return nil
}

// RemoveEntry deletes the entry named name, if present.
func (d *Dir) RemoveEntry(ctx context.Context, name string) error {
	if err := d.ensureLoaded(ctx); err != nil {
		return err
	}
	idx, found := slices.BinarySearchFunc(d.entries, DirEntry{Name: name}, func(a, b DirEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return xerrors.Errorf("dir: entry %q not found", name)
	}
	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
	return nil
}

// Flush re-serializes the entry list (if it was loaded/mutated) and writes
// it to the underlying tree.
func (d *Dir) Flush(ctx context.Context) error {
	if !d.loaded {
		return d.tree.Flush(ctx)
	}
	serialized := serializeEntries(d.entries)
	if err := d.tree.Resize(ctx, uint64(headerSize+len(serialized))); err != nil {
		return err
	}
	if err := d.tree.WriteAt(ctx, headerSize, serialized); err != nil {
		return err
	}
	return d.tree.Flush(ctx)
}
