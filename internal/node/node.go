// Package node implements NodeStore: parsing and serializing one block as a
// tree node. A node is either a leaf (raw payload bytes) or an inner node
// (a list of child block ids); the header's depth byte tells load which
// one it is.
package node

import (
	"context"
	"encoding/binary"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/blockstore/locking"
)

// FormatVersion is the node header's constant format-version field.
const FormatVersion uint16 = 1

// MaxDepth is the deepest an inner node may be; depth 0 is always a leaf.
const MaxDepth = 10

// headerSize is 2 (format version) + 1 (reserved) + 1 (depth) + 4 (size
// field) bytes.
const headerSize = 2 + 1 + 1 + 4

// ErrWrongFormatVersion is returned by Load when the header's format
// version doesn't match FormatVersion.
type ErrWrongFormatVersion struct{ Got uint16 }

func (e *ErrWrongFormatVersion) Error() string {
	return xerrors.Errorf("node: unexpected format version %d, expected %d", e.Got, FormatVersion).Error()
}

// ErrUnexpectedDepthField is returned when the header's depth byte is
// greater than MaxDepth.
type ErrUnexpectedDepthField struct{ Got uint8 }

func (e *ErrUnexpectedDepthField) Error() string {
	return xerrors.Errorf("node: depth field %d exceeds max depth %d", e.Got, MaxDepth).Error()
}

// ErrInnerNodeHasZeroChildren is returned when an inner node's child_count
// field is zero.
var ErrInnerNodeHasZeroChildren = xerrors.New("node: inner node has zero children")

// ErrInnerNodeHasTooManyChildren is returned when an inner node's
// child_count exceeds the store's configured fan-out.
type ErrInnerNodeHasTooManyChildren struct{ Got, Max int }

func (e *ErrInnerNodeHasTooManyChildren) Error() string {
	return xerrors.Errorf("node: inner node has %d children, max is %d", e.Got, e.Max).Error()
}

// ErrLeafBytesExceedMax is returned when a leaf's bytes-used field exceeds
// the store's configured max_bytes_per_leaf.
type ErrLeafBytesExceedMax struct{ Got, Max int }

func (e *ErrLeafBytesExceedMax) Error() string {
	return xerrors.Errorf("node: leaf has %d bytes used, max is %d", e.Got, e.Max).Error()
}

// Node is either a *LeafNode or an *InnerNode.
type Node interface {
	Id() blockstore.Id
	Depth() uint8
}

// LeafNode holds raw payload bytes, up to the store's max_bytes_per_leaf.
type LeafNode struct {
	store *Store
	guard *locking.BlockGuard
}

func (n *LeafNode) Id() blockstore.Id { return n.guard.Id() }
func (n *LeafNode) Depth() uint8      { return 0 }

// Data returns the leaf's current payload (bytes-used bytes, not the full
// padded block).
func (n *LeafNode) Data() ([]byte, error) {
	raw, err := n.guard.Data()
	if err != nil {
		return nil, err
	}
	used := binary.LittleEndian.Uint32(raw[4:headerSize])
	return raw[headerSize : headerSize+int(used)], nil
}

// Resize changes the leaf's bytes-used field in place, zero-padding on
// growth. newSize must not exceed the store's max_bytes_per_leaf.
func (n *LeafNode) Resize(ctx context.Context, newSize int) error {
	if newSize > n.store.MaxBytesPerLeaf() {
		return &ErrLeafBytesExceedMax{Got: newSize, Max: n.store.MaxBytesPerLeaf()}
	}
	raw, err := n.guard.DataMut()
	if err != nil {
		return err
	}
	needed := headerSize + newSize
	if needed > len(raw) {
		if err := n.guard.Resize(needed); err != nil {
			return err
		}
		raw, err = n.guard.DataMut()
		if err != nil {
			return err
		}
	}
	if used := int(binary.LittleEndian.Uint32(raw[4:headerSize])); newSize > used {
		clear(raw[headerSize+used : headerSize+newSize])
	}
	binary.LittleEndian.PutUint32(raw[4:headerSize], uint32(newSize))
	return nil
}

// Write writes p into the leaf's payload starting at offset, growing
// bytes-used if needed.
func (n *LeafNode) Write(ctx context.Context, offset int, p []byte) error {
	raw, err := n.guard.Data()
	if err != nil {
		return err
	}
	used := int(binary.LittleEndian.Uint32(raw[4:headerSize]))
	if need := offset + len(p); need > used {
		if err := n.Resize(ctx, need); err != nil {
			return err
		}
	}
	mutable, err := n.guard.DataMut()
	if err != nil {
		return err
	}
	copy(mutable[headerSize+offset:], p)
	return nil
}

func (n *LeafNode) Flush(ctx context.Context) error { return n.guard.Flush(ctx) }
func (n *LeafNode) Release(ctx context.Context) error { return n.guard.Release(ctx) }

// InnerNode holds a list of child block ids, one level above its children's
// depth.
type InnerNode struct {
	store *Store
	guard *locking.BlockGuard
	depth uint8
}

func (n *InnerNode) Id() blockstore.Id { return n.guard.Id() }
func (n *InnerNode) Depth() uint8      { return n.depth }

// Children returns the node's child block ids, in order.
func (n *InnerNode) Children() ([]blockstore.Id, error) {
	raw, err := n.guard.Data()
	if err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(raw[4:headerSize]))
	children := make([]blockstore.Id, count)
	for i := 0; i < count; i++ {
		start := headerSize + i*blockstore.IdSize
		id, err := blockstore.IdFromBytes(raw[start : start+blockstore.IdSize])
		if err != nil {
			return nil, err
		}
		children[i] = id
	}
	return children, nil
}

func (n *InnerNode) writeChildren(ctx context.Context, children []blockstore.Id) error {
	needed := headerSize + len(children)*blockstore.IdSize
	if err := n.guard.Resize(needed); err != nil {
		return err
	}
	raw, err := n.guard.DataMut()
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[4:headerSize], uint32(len(children)))
	for i, id := range children {
		start := headerSize + i*blockstore.IdSize
		copy(raw[start:start+blockstore.IdSize], id[:])
	}
	return nil
}

// AddChild appends id to the node's child list.
func (n *InnerNode) AddChild(ctx context.Context, id blockstore.Id) error {
	children, err := n.Children()
	if err != nil {
		return err
	}
	if len(children) >= n.store.MaxChildrenPerInnerNode() {
		return &ErrInnerNodeHasTooManyChildren{Got: len(children) + 1, Max: n.store.MaxChildrenPerInnerNode()}
	}
	return n.writeChildren(ctx, append(children, id))
}

// ShrinkChildren truncates the child list down to n entries.
func (n *InnerNode) ShrinkChildren(ctx context.Context, newCount int) error {
	children, err := n.Children()
	if err != nil {
		return err
	}
	if newCount <= 0 || newCount > len(children) {
		return ErrInnerNodeHasZeroChildren
	}
	return n.writeChildren(ctx, children[:newCount])
}

func (n *InnerNode) Flush(ctx context.Context) error   { return n.guard.Flush(ctx) }
func (n *InnerNode) Release(ctx context.Context) error { return n.guard.Release(ctx) }

// Store is NodeStore: it creates and loads nodes, and enforces the layout
// invariants on every load.
type Store struct {
	locking *locking.Store

	maxChildrenPerInnerNode int
	maxBytesPerLeaf         int

	// removeParallelism bounds how many sibling subtrees RemoveSubtree
	// removes concurrently.
	removeParallelism int
}

// NewStore derives a NodeStore's fan-out and leaf capacity from the usable
// (post-decoration) block size: max_children_per_inner_node is however
// many 16-byte ids fit after the header, and max_bytes_per_leaf is
// whatever's left for raw payload.
func NewStore(locking *locking.Store, usableBlockSize int, removeParallelism int) *Store {
	if removeParallelism <= 0 {
		removeParallelism = 8
	}
	return &Store{
		locking:                 locking,
		maxChildrenPerInnerNode: (usableBlockSize - headerSize) / blockstore.IdSize,
		maxBytesPerLeaf:         usableBlockSize - headerSize,
		removeParallelism:       removeParallelism,
	}
}

func (s *Store) MaxChildrenPerInnerNode() int { return s.maxChildrenPerInnerNode }
func (s *Store) MaxBytesPerLeaf() int         { return s.maxBytesPerLeaf }

func leafHeader(used int) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:2], FormatVersion)
	h[2] = 0 // reserved
	h[3] = 0 // depth
	binary.LittleEndian.PutUint32(h[4:headerSize], uint32(used))
	return h
}

func innerHeader(depth uint8, childCount int) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(h[0:2], FormatVersion)
	h[2] = 0 // reserved
	h[3] = depth
	binary.LittleEndian.PutUint32(h[4:headerSize], uint32(childCount))
	return h
}

// CreateLeaf creates a new leaf node containing data.
func (s *Store) CreateLeaf(ctx context.Context, data []byte) (*LeafNode, error) {
	if len(data) > s.maxBytesPerLeaf {
		return nil, &ErrLeafBytesExceedMax{Got: len(data), Max: s.maxBytesPerLeaf}
	}
	block := append(leafHeader(len(data)), data...)
	guard, err := s.locking.Create(ctx, block)
	if err != nil {
		return nil, err
	}
	return &LeafNode{store: s, guard: guard}, nil
}

// CreateInner creates a new inner node at depth one above its children,
// which must all share the same depth.
func (s *Store) CreateInner(ctx context.Context, depth uint8, children []blockstore.Id) (*InnerNode, error) {
	if depth == 0 || depth > MaxDepth {
		return nil, &ErrUnexpectedDepthField{Got: depth}
	}
	if len(children) == 0 {
		return nil, ErrInnerNodeHasZeroChildren
	}
	if len(children) > s.maxChildrenPerInnerNode {
		return nil, &ErrInnerNodeHasTooManyChildren{Got: len(children), Max: s.maxChildrenPerInnerNode}
	}
	block := innerHeader(depth, len(children))
	for _, id := range children {
		block = append(block, id[:]...)
	}
	guard, err := s.locking.Create(ctx, block)
	if err != nil {
		return nil, err
	}
	return &InnerNode{store: s, guard: guard, depth: depth}, nil
}

// OverwriteAsLeaf replaces id's block content in place with a fresh leaf
// node carrying data, keeping id itself unchanged. Used by the tree layer
// to collapse a root down to a child's content without changing the blob
// id, since a blob's id equals its root node's block id.
func (s *Store) OverwriteAsLeaf(ctx context.Context, id blockstore.Id, data []byte) error {
	if len(data) > s.maxBytesPerLeaf {
		return &ErrLeafBytesExceedMax{Got: len(data), Max: s.maxBytesPerLeaf}
	}
	block := append(leafHeader(len(data)), data...)
	_, err := s.locking.Overwrite(ctx, id, block)
	return err
}

// OverwriteAsInner replaces id's block content in place with a fresh inner
// node at depth with the given children, keeping id itself unchanged.
func (s *Store) OverwriteAsInner(ctx context.Context, id blockstore.Id, depth uint8, children []blockstore.Id) error {
	if depth == 0 || depth > MaxDepth {
		return &ErrUnexpectedDepthField{Got: depth}
	}
	if len(children) == 0 {
		return ErrInnerNodeHasZeroChildren
	}
	if len(children) > s.maxChildrenPerInnerNode {
		return &ErrInnerNodeHasTooManyChildren{Got: len(children), Max: s.maxChildrenPerInnerNode}
	}
	block := innerHeader(depth, len(children))
	for _, id := range children {
		block = append(block, id[:]...)
	}
	_, err := s.locking.Overwrite(ctx, id, block)
	return err
}

// RemoveBlock removes exactly the block id, without touching anything it
// may reference. Used when a node's children have already been adopted by
// another node and only the now-empty shell needs to go away.
func (s *Store) RemoveBlock(ctx context.Context, id blockstore.Id) (blockstore.RemoveResult, error) {
	return s.locking.Remove(ctx, id)
}

// Load dispatches on the header's depth byte and returns a *LeafNode or
// *InnerNode as Node.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (Node, bool, error) {
	guard, ok, err := s.locking.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	raw, err := guard.Data()
	if err != nil {
		return nil, false, err
	}
	if len(raw) < headerSize {
		return nil, false, xerrors.Errorf("node %s: truncated header", id)
	}
	version := binary.LittleEndian.Uint16(raw[0:2])
	if version != FormatVersion {
		return nil, false, &ErrWrongFormatVersion{Got: version}
	}
	depth := raw[3]
	if depth > MaxDepth {
		return nil, false, &ErrUnexpectedDepthField{Got: depth}
	}
	if depth == 0 {
		used := int(binary.LittleEndian.Uint32(raw[4:headerSize]))
		if used > s.maxBytesPerLeaf {
			return nil, false, &ErrLeafBytesExceedMax{Got: used, Max: s.maxBytesPerLeaf}
		}
		return &LeafNode{store: s, guard: guard}, true, nil
	}
	count := int(binary.LittleEndian.Uint32(raw[4:headerSize]))
	if count == 0 {
		return nil, false, ErrInnerNodeHasZeroChildren
	}
	if count > s.maxChildrenPerInnerNode {
		return nil, false, &ErrInnerNodeHasTooManyChildren{Got: count, Max: s.maxChildrenPerInnerNode}
	}
	return &InnerNode{store: s, guard: guard, depth: depth}, true, nil
}

// RemoveSubtree recursively removes every node reachable from root,
// removing sibling subtrees concurrently (bounded by removeParallelism)
// before removing root itself.
func (s *Store) RemoveSubtree(ctx context.Context, root blockstore.Id) error {
	n, ok, err := s.Load(ctx, root)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if inner, isInner := n.(*InnerNode); isInner {
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return err
		}
		if err := inner.Release(ctx); err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.removeParallelism)
		for _, child := range children {
			child := child
			g.Go(func() error { return s.RemoveSubtree(gctx, child) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		leaf := n.(*LeafNode)
		if err := leaf.Release(ctx); err != nil {
			return err
		}
	}
	_, err = s.locking.Remove(ctx, root)
	return err
}

// AllNodesInSubtree lazily streams every descendant of root, root included,
// in pre-order.
func (s *Store) AllNodesInSubtree(ctx context.Context, root blockstore.Id) (func() (blockstore.Id, bool, error), error) {
	var stack []blockstore.Id
	stack = append(stack, root)
	return func() (blockstore.Id, bool, error) {
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n, ok, err := s.Load(ctx, id)
			if err != nil {
				return blockstore.Id{}, false, err
			}
			if !ok {
				continue
			}
			if inner, isInner := n.(*InnerNode); isInner {
				children, err := inner.Children()
				if err != nil {
					inner.Release(ctx)
					return blockstore.Id{}, false, err
				}
				if err := inner.Release(ctx); err != nil {
					return blockstore.Id{}, false, err
				}
				for i := len(children) - 1; i >= 0; i-- {
					stack = append(stack, children[i])
				}
			} else {
				if err := n.(*LeafNode).Release(ctx); err != nil {
					return blockstore.Id{}, false, err
				}
			}
			return id, true, nil
		}
		return blockstore.Id{}, false, nil
	}, nil
}
