// Package tree implements TreeStore: it assembles nodes into left-max-data
// balanced trees that back one blob each. The size cache's three states
// mirror a data-tree-store size cache design: SizeUnknown,
// RootIsInnerNodeAndNumLeavesKnown, NumBytesKnown.
package tree

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
	"github.com/cryfs-go/cryfs/internal/node"
)

// ErrOverflow is returned from size arithmetic that would overflow.
var ErrOverflow = xerrors.New("tree: size arithmetic overflow")

// Store is TreeStore; it only needs a NodeStore, since a tree is nothing
// but nodes laid out left-max-data.
type Store struct {
	nodes *node.Store
}

func NewStore(nodes *node.Store) *Store {
	return &Store{nodes: nodes}
}

func (s *Store) bytesPerChildAtDepth(depth uint8) uint64 {
	n := uint64(1)
	for i := uint8(0); i < depth-1; i++ {
		n *= uint64(s.nodes.MaxChildrenPerInnerNode())
	}
	return n * uint64(s.nodes.MaxBytesPerLeaf())
}

// sizeCacheState mirrors SizeCache from the original Rust implementation.
type sizeCacheState int

const (
	sizeUnknown sizeCacheState = iota
	rootIsInnerAndNumLeavesKnown
	numBytesKnown
)

type sizeCache struct {
	state             sizeCacheState
	numLeaves         uint64
	rightmostLeafId   blockstore.Id
	rightmostLeafSize uint32
}

// Tree is a handle onto one loaded blob's tree, rooted at a fixed block id
// (the BlobId). It owns the progressively-refined size cache; create one
// per concurrently-accessed blob (the concurrentblob layer owns that
// lifetime) rather than sharing it across callers.
type Tree struct {
	store  *Store
	rootId blockstore.Id

	mu        sync.Mutex
	sizeCache sizeCache
}

// Load wraps an existing tree rooted at rootId. It does not touch the
// backend; the root is (re-)loaded lazily by each operation.
func (s *Store) Load(rootId blockstore.Id) *Tree {
	return &Tree{store: s, rootId: rootId}
}

// NewLeaf creates a brand new single-leaf tree containing data and returns
// its root block id.
func (s *Store) NewLeaf(ctx context.Context, data []byte) (blockstore.Id, error) {
	leaf, err := s.nodes.CreateLeaf(ctx, data)
	if err != nil {
		return blockstore.Id{}, err
	}
	id := leaf.Id()
	if err := leaf.Release(ctx); err != nil {
		return blockstore.Id{}, err
	}
	return id, nil
}

// AllNodesInSubtree streams every block id of the tree rooted at rootId.
func (s *Store) AllNodesInSubtree(ctx context.Context, rootId blockstore.Id) (func() (blockstore.Id, bool, error), error) {
	return s.nodes.AllNodesInSubtree(ctx, rootId)
}

func (t *Tree) RootId() blockstore.Id { return t.rootId }

// calculateNumLeavesAndRightmostLeaf walks down the rightmost spine,
// counting leaves of each full (non-rightmost) child subtree along the way,
// per the left-max-data tree definition.
func (s *Store) calculateNumLeavesAndRightmostLeaf(ctx context.Context, root node.Node) (uint64, blockstore.Id, error) {
	n := root
	numLeaves := uint64(0)
	for {
		inner, isInner := n.(*node.InnerNode)
		if !isInner {
			return numLeaves + 1, n.Id(), nil
		}
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return 0, blockstore.Id{}, err
		}
		leavesPerFullChild := uint64(1)
		for i := uint8(0); i < inner.Depth()-1; i++ {
			leavesPerFullChild *= uint64(s.nodes.MaxChildrenPerInnerNode())
		}
		numLeaves += uint64(len(children)-1) * leavesPerFullChild
		last := children[len(children)-1]
		if err := inner.Release(ctx); err != nil {
			return 0, blockstore.Id{}, err
		}
		nextNode, ok, err := s.nodes.Load(ctx, last)
		if err != nil {
			return 0, blockstore.Id{}, err
		}
		if !ok {
			return 0, blockstore.Id{}, xerrors.Errorf("tree: child %s referenced but missing", last)
		}
		n = nextNode
	}
}

func leafSize(ctx context.Context, leaf *node.LeafNode) (uint32, error) {
	data, err := leaf.Data()
	if err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

// getOrCalculateNumBytes implements SizeCache::get_or_calculate_num_bytes.
func (t *Tree) getOrCalculateNumBytes(ctx context.Context) (uint64, error) {
	combine := func(numLeaves uint64, rightmostLeafBytes uint32) (uint64, error) {
		if numLeaves == 0 {
			return 0, xerrors.New("tree: zero leaves")
		}
		left := (numLeaves - 1) * uint64(t.store.nodes.MaxBytesPerLeaf())
		total := left + uint64(rightmostLeafBytes)
		if total < left {
			return 0, ErrOverflow
		}
		return total, nil
	}

	switch t.sizeCache.state {
	case numBytesKnown:
		return combine(t.sizeCache.numLeaves, t.sizeCache.rightmostLeafSize)
	case rootIsInnerAndNumLeavesKnown:
		leafNode, ok, err := t.store.nodes.Load(ctx, t.sizeCache.rightmostLeafId)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, xerrors.Errorf("tree: rightmost leaf %s missing", t.sizeCache.rightmostLeafId)
		}
		leaf := leafNode.(*node.LeafNode)
		sz, err := leafSize(ctx, leaf)
		if err != nil {
			leaf.Release(ctx)
			return 0, err
		}
		if err := leaf.Release(ctx); err != nil {
			return 0, err
		}
		t.sizeCache = sizeCache{state: numBytesKnown, numLeaves: t.sizeCache.numLeaves, rightmostLeafSize: sz}
		return combine(t.sizeCache.numLeaves, sz)
	default: // sizeUnknown
		root, ok, err := t.store.nodes.Load(ctx, t.rootId)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, xerrors.Errorf("tree: root %s missing", t.rootId)
		}
		if leaf, isLeaf := root.(*node.LeafNode); isLeaf {
			sz, err := leafSize(ctx, leaf)
			if err != nil {
				leaf.Release(ctx)
				return 0, err
			}
			if err := leaf.Release(ctx); err != nil {
				return 0, err
			}
			t.sizeCache = sizeCache{state: numBytesKnown, numLeaves: 1, rightmostLeafSize: sz}
			return combine(1, sz)
		}
		numLeaves, rightmostId, err := t.store.calculateNumLeavesAndRightmostLeaf(ctx, root)
		if err != nil {
			return 0, err
		}
		leafNode, ok, err := t.store.nodes.Load(ctx, rightmostId)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, xerrors.Errorf("tree: rightmost leaf %s missing", rightmostId)
		}
		leaf := leafNode.(*node.LeafNode)
		sz, err := leafSize(ctx, leaf)
		if err != nil {
			leaf.Release(ctx)
			return 0, err
		}
		if err := leaf.Release(ctx); err != nil {
			return 0, err
		}
		t.sizeCache = sizeCache{state: numBytesKnown, numLeaves: numLeaves, rightmostLeafSize: sz}
		return combine(numLeaves, sz)
	}
}

// NumBytes returns the tree's total logical size.
func (t *Tree) NumBytes(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCalculateNumBytes(ctx)
}

// updateCache directly installs a NumBytesKnown cache entry, avoiding a
// re-walk after a write we already know the resulting shape of.
func (t *Tree) updateCache(numLeaves uint64, totalNumBytes uint64) error {
	maxBytesPerLeaf := uint64(t.store.nodes.MaxBytesPerLeaf())
	leftBytes := (numLeaves - 1) * maxBytesPerLeaf
	if totalNumBytes < leftBytes {
		return xerrors.Errorf("tree: cache update inconsistent: total %d < left-subtree bytes %d", totalNumBytes, leftBytes)
	}
	t.sizeCache = sizeCache{
		state:             numBytesKnown,
		numLeaves:         numLeaves,
		rightmostLeafSize: uint32(totalNumBytes - leftBytes),
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at offset. Callers are expected to
// have already bounds-checked against NumBytes; reading past the tree's
// logical size returns however many bytes were actually available.
func (t *Tree) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	root, ok, err := t.store.nodes.Load(ctx, t.rootId)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xerrors.Errorf("tree: root %s missing", t.rootId)
	}
	return t.store.readAt(ctx, root, offset, buf)
}

func (s *Store) readAt(ctx context.Context, n node.Node, offset uint64, buf []byte) (int, error) {
	if leaf, isLeaf := n.(*node.LeafNode); isLeaf {
		defer leaf.Release(ctx)
		data, err := leaf.Data()
		if err != nil {
			return 0, err
		}
		if offset >= uint64(len(data)) {
			return 0, nil
		}
		return copy(buf, data[offset:]), nil
	}
	inner := n.(*node.InnerNode)
	defer inner.Release(ctx)
	children, err := inner.Children()
	if err != nil {
		return 0, err
	}
	perChild := s.bytesPerChildAtDepth(inner.Depth())
	pos := 0
	for pos < len(buf) {
		absOffset := offset + uint64(pos)
		childIdx := int(absOffset / perChild)
		if childIdx >= len(children) {
			break
		}
		childOffset := absOffset % perChild
		toRead := perChild - childOffset
		if remaining := uint64(len(buf) - pos); toRead > remaining {
			toRead = remaining
		}
		childNode, ok, err := s.nodes.Load(ctx, children[childIdx])
		if err != nil {
			return pos, err
		}
		if !ok {
			return pos, xerrors.Errorf("tree: child %s missing", children[childIdx])
		}
		n, err := s.readAt(ctx, childNode, childOffset, buf[pos:int(uint64(pos)+toRead)])
		pos += n
		if err != nil {
			return pos, err
		}
		if uint64(n) < toRead {
			break
		}
	}
	return pos, nil
}

// WriteAt writes p at offset, growing the tree first (case 4, "grow past
// leaf capacity") if offset+len(p) exceeds the current size.
func (t *Tree) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	needed := offset + uint64(len(p))
	if needed < offset {
		return ErrOverflow
	}
	current, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	if needed > current {
		if err := t.resizeLocked(ctx, needed); err != nil {
			return err
		}
	}
	root, ok, err := t.store.nodes.Load(ctx, t.rootId)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: root %s missing", t.rootId)
	}
	written, err := t.store.writeAt(ctx, root, offset, p)
	if err != nil {
		return err
	}
	if written != len(p) {
		return xerrors.Errorf("tree: short write %d of %d bytes", written, len(p))
	}
	return nil
}

func (s *Store) writeAt(ctx context.Context, n node.Node, offset uint64, p []byte) (int, error) {
	if leaf, isLeaf := n.(*node.LeafNode); isLeaf {
		defer leaf.Release(ctx)
		if err := leaf.Write(ctx, int(offset), p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	inner := n.(*node.InnerNode)
	defer inner.Release(ctx)
	children, err := inner.Children()
	if err != nil {
		return 0, err
	}
	perChild := s.bytesPerChildAtDepth(inner.Depth())
	pos := 0
	for pos < len(p) {
		absOffset := offset + uint64(pos)
		childIdx := int(absOffset / perChild)
		if childIdx >= len(children) {
			return pos, xerrors.New("tree: write past tree capacity, resize should have grown it first")
		}
		childOffset := absOffset % perChild
		toWrite := perChild - childOffset
		if remaining := uint64(len(p) - pos); toWrite > remaining {
			toWrite = remaining
		}
		childNode, ok, err := s.nodes.Load(ctx, children[childIdx])
		if err != nil {
			return pos, err
		}
		if !ok {
			return pos, xerrors.Errorf("tree: child %s missing", children[childIdx])
		}
		n, err := s.writeAt(ctx, childNode, childOffset, p[pos:int(uint64(pos)+toWrite)])
		pos += n
		if err != nil {
			return pos, err
		}
	}
	return pos, nil
}

// Resize changes the tree's logical size to newSize, implementing all four
// grow/shrink cases.
func (t *Tree) Resize(ctx context.Context, newSize uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resizeLocked(ctx, newSize)
}

func (t *Tree) resizeLocked(ctx context.Context, newSize uint64) error {
	current, err := t.getOrCalculateNumBytes(ctx)
	if err != nil {
		return err
	}
	if newSize == current {
		return nil
	}
	if newSize < current {
		return t.shrink(ctx, newSize)
	}
	return t.grow(ctx, newSize)
}

func (t *Tree) shrink(ctx context.Context, newSize uint64) error {
	maxBytesPerLeaf := uint64(t.store.nodes.MaxBytesPerLeaf())
	newNumLeaves := newSize/maxBytesPerLeaf + 1
	if newSize > 0 && newSize%maxBytesPerLeaf == 0 {
		newNumLeaves = newSize / maxBytesPerLeaf
	}
	if newNumLeaves < 1 {
		newNumLeaves = 1
	}

	if newNumLeaves == t.sizeCache.numLeaves || (t.sizeCache.state != numBytesKnown && newNumLeaves == 1) {
		// Case 1: shrink within the same rightmost leaf.
		return t.resizeRightmostLeaf(ctx, newSize, newNumLeaves)
	}

	// Case 2: shrink across leaves. Remove whole rightmost leaf subtrees
	// (and, underneath them, whatever inner spine only served them) until
	// newNumLeaves remain, then adjust the new rightmost leaf's size and
	// possibly collapse the root.
	if err := t.removeRightmostLeaves(ctx, newNumLeaves); err != nil {
		return err
	}
	return t.resizeRightmostLeaf(ctx, newSize, newNumLeaves)
}

// resizeRightmostLeaf sets the size of the tree's current rightmost leaf,
// after the leaf count has already been made to match newNumLeaves.
func (t *Tree) resizeRightmostLeaf(ctx context.Context, newSize uint64, newNumLeaves uint64) error {
	maxBytesPerLeaf := uint64(t.store.nodes.MaxBytesPerLeaf())
	leftBytes := (newNumLeaves - 1) * maxBytesPerLeaf
	if newSize < leftBytes {
		return xerrors.Errorf("tree: inconsistent resize target %d with %d leading leaves", newSize, newNumLeaves)
	}
	rightmostBytes := newSize - leftBytes

	rightmostId, err := t.findRightmostLeafId(ctx)
	if err != nil {
		return err
	}
	leafNode, ok, err := t.store.nodes.Load(ctx, rightmostId)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: rightmost leaf %s missing", rightmostId)
	}
	leaf := leafNode.(*node.LeafNode)
	if err := leaf.Resize(ctx, int(rightmostBytes)); err != nil {
		leaf.Release(ctx)
		return err
	}
	if err := leaf.Release(ctx); err != nil {
		return err
	}
	return t.updateCache(newNumLeaves, newSize)
}

func (t *Tree) findRightmostLeafId(ctx context.Context) (blockstore.Id, error) {
	if t.sizeCache.state != sizeUnknown && t.sizeCache.rightmostLeafId != (blockstore.Id{}) {
		return t.sizeCache.rightmostLeafId, nil
	}
	root, ok, err := t.store.nodes.Load(ctx, t.rootId)
	if err != nil {
		return blockstore.Id{}, err
	}
	if !ok {
		return blockstore.Id{}, xerrors.Errorf("tree: root %s missing", t.rootId)
	}
	if leaf, isLeaf := root.(*node.LeafNode); isLeaf {
		id := leaf.Id()
		leaf.Release(ctx)
		return id, nil
	}
	_, rightmostId, err := t.store.calculateNumLeavesAndRightmostLeaf(ctx, root)
	return rightmostId, err
}

// removeRightmostLeaves shrinks the tree's leaf count down to target by
// post-order-removing whole rightmost subtrees, then collapsing the root if
// it ends up with a single child.
func (t *Tree) removeRightmostLeaves(ctx context.Context, target uint64) error {
	for {
		root, ok, err := t.store.nodes.Load(ctx, t.rootId)
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.Errorf("tree: root %s missing", t.rootId)
		}
		inner, isInner := root.(*node.InnerNode)
		if !isInner {
			root.(*node.LeafNode).Release(ctx)
			return nil // a single leaf can't shrink its leaf count further
		}
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return err
		}
		leavesPerFullChild := uint64(1)
		for i := uint8(0); i < inner.Depth()-1; i++ {
			leavesPerFullChild *= uint64(t.store.nodes.MaxChildrenPerInnerNode())
		}
		numFullChildren := uint64(len(children) - 1)
		leavesInFullChildren := numFullChildren * leavesPerFullChild

		if leavesInFullChildren >= target {
			// Whole last child can go; drop it and keep recursing at this
			// same depth until the remaining full children match target.
			last := children[len(children)-1]
			if err := inner.Release(ctx); err != nil {
				return err
			}
			if err := t.store.removeSubtreeByStore(ctx, last); err != nil {
				return err
			}
			newChildren := children[:len(children)-1]
			if len(newChildren) == 1 {
				if err := t.collapseRootToChild(ctx, newChildren[0]); err != nil {
					return err
				}
				continue
			}
			if err := t.shrinkInnerChildren(ctx, t.rootId, len(newChildren)); err != nil {
				return err
			}
			continue
		}

		// target leaves fall inside the rightmost child's subtree: descend
		// and keep only the structure needed to reach target from there.
		last := children[len(children)-1]
		if err := inner.Release(ctx); err != nil {
			return err
		}
		remaining := target - leavesInFullChildren
		if err := t.removeRightmostLeavesIn(ctx, last, inner.Depth()-1, remaining); err != nil {
			return err
		}
		return nil
	}
}

func (t *Tree) removeRightmostLeavesIn(ctx context.Context, id blockstore.Id, depth uint8, target uint64) error {
	n, ok, err := t.store.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: node %s missing", id)
	}
	if _, isLeaf := n.(*node.LeafNode); isLeaf {
		n.(*node.LeafNode).Release(ctx)
		return nil // target==1 here; nothing structural to remove
	}
	inner := n.(*node.InnerNode)
	children, err := inner.Children()
	if err != nil {
		inner.Release(ctx)
		return err
	}
	leavesPerFullChild := uint64(1)
	for i := uint8(0); i < depth-1; i++ {
		leavesPerFullChild *= uint64(t.store.nodes.MaxChildrenPerInnerNode())
	}
	for uint64(len(children)-1)*leavesPerFullChild >= target {
		last := children[len(children)-1]
		if err := t.store.removeSubtreeByStore(ctx, last); err != nil {
			inner.Release(ctx)
			return err
		}
		children = children[:len(children)-1]
	}
	if err := inner.ShrinkChildren(ctx, len(children)); err != nil {
		inner.Release(ctx)
		return err
	}
	if err := inner.Release(ctx); err != nil {
		return err
	}
	remaining := target - uint64(len(children)-1)*leavesPerFullChild
	return t.removeRightmostLeavesIn(ctx, children[len(children)-1], depth-1, remaining)
}

func (t *Tree) shrinkInnerChildren(ctx context.Context, id blockstore.Id, newCount int) error {
	n, ok, err := t.store.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: node %s missing", id)
	}
	inner := n.(*node.InnerNode)
	if err := inner.ShrinkChildren(ctx, newCount); err != nil {
		inner.Release(ctx)
		return err
	}
	return inner.Release(ctx)
}

// collapseRootToChild replaces the root's content with child's, keeping the
// root's block id (and therefore the BlobId) stable while reducing depth by
// one, then removes the now-unreferenced child block.
func (t *Tree) collapseRootToChild(ctx context.Context, childId blockstore.Id) error {
	if err := t.store.overwriteNode(ctx, t.rootId, childId); err != nil {
		return err
	}
	return nil
}

func (s *Store) removeSubtreeByStore(ctx context.Context, id blockstore.Id) error {
	return s.RemoveSubtree(ctx, id)
}

// grow implements cases 3 and 4: enlarge the rightmost leaf if it still has
// spare capacity, then append new leaves and, if needed, grow the tree
// upward by adding inner-node spines above the current root.
func (t *Tree) grow(ctx context.Context, newSize uint64) error {
	maxBytesPerLeaf := uint64(t.store.nodes.MaxBytesPerLeaf())

	for {
		current, err := t.getOrCalculateNumBytes(ctx)
		if err != nil {
			return err
		}
		if current >= newSize {
			return nil
		}
		numLeaves := t.sizeCache.numLeaves
		maxLeavesAtCurrentDepth, err := t.maxLeavesAtRootDepth(ctx)
		if err != nil {
			return err
		}

		if numLeaves < maxLeavesAtCurrentDepth {
			// Case 3/4 without growing upward: fill the rightmost leaf to
			// capacity and/or append a new sibling leaf.
			spaceInRightmostLeaf := maxBytesPerLeaf - (current - (numLeaves-1)*maxBytesPerLeaf)
			target := current + spaceInRightmostLeaf
			if target > newSize {
				target = newSize
			}
			if err := t.resizeRightmostLeaf(ctx, target, numLeaves); err != nil {
				return err
			}
			if target == newSize {
				return nil
			}
			if err := t.appendLeafToRightmostParent(ctx); err != nil {
				return err
			}
			if err := t.updateCache(numLeaves+1, current+spaceInRightmostLeaf); err != nil {
				return err
			}
			continue
		}

		// Tree is already full at its current depth: grow upward by one
		// level, keeping the root's block id fixed (a blob's id equals its
		// root node's block id, and must not change across a resize).
		if err := t.growUpward(ctx); err != nil {
			return err
		}
	}
}

func (t *Tree) maxLeavesAtRootDepth(ctx context.Context) (uint64, error) {
	root, ok, err := t.store.nodes.Load(ctx, t.rootId)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xerrors.Errorf("tree: root %s missing", t.rootId)
	}
	defer func() {
		if leaf, isLeaf := root.(*node.LeafNode); isLeaf {
			leaf.Release(ctx)
		} else {
			root.(*node.InnerNode).Release(ctx)
		}
	}()
	if _, isLeaf := root.(*node.LeafNode); isLeaf {
		return 1, nil
	}
	depth := root.(*node.InnerNode).Depth()
	max := uint64(1)
	for i := uint8(0); i < depth; i++ {
		max *= uint64(t.store.nodes.MaxChildrenPerInnerNode())
	}
	return max, nil
}

// appendLeafToRightmostParent creates a new empty leaf and links it as a
// new rightmost child of the inner node that currently holds the rightmost
// leaf. Assumes the caller already confirmed there's room (numLeaves <
// maxLeavesAtCurrentDepth).
func (t *Tree) appendLeafToRightmostParent(ctx context.Context) error {
	newLeaf, err := t.store.nodes.CreateLeaf(ctx, nil)
	if err != nil {
		return err
	}
	newLeafId := newLeaf.Id()
	if err := newLeaf.Release(ctx); err != nil {
		return err
	}

	parentId, err := t.findParentOfRightmostLeaf(ctx)
	if err != nil {
		return err
	}
	parentNode, ok, err := t.store.nodes.Load(ctx, parentId)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: parent %s missing", parentId)
	}
	parent := parentNode.(*node.InnerNode)
	if err := parent.AddChild(ctx, newLeafId); err != nil {
		parent.Release(ctx)
		return err
	}
	return parent.Release(ctx)
}

// findParentOfRightmostLeaf descends the rightmost spine, stopping one
// level above the leaf.
func (t *Tree) findParentOfRightmostLeaf(ctx context.Context) (blockstore.Id, error) {
	id := t.rootId
	for {
		n, ok, err := t.store.nodes.Load(ctx, id)
		if err != nil {
			return blockstore.Id{}, err
		}
		if !ok {
			return blockstore.Id{}, xerrors.Errorf("tree: node %s missing", id)
		}
		inner := n.(*node.InnerNode)
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return blockstore.Id{}, err
		}
		last := children[len(children)-1]
		if err := inner.Release(ctx); err != nil {
			return blockstore.Id{}, err
		}
		childNode, ok, err := t.store.nodes.Load(ctx, last)
		if err != nil {
			return blockstore.Id{}, err
		}
		if !ok {
			return blockstore.Id{}, xerrors.Errorf("tree: node %s missing", last)
		}
		if _, isLeaf := childNode.(*node.LeafNode); isLeaf {
			childNode.(*node.LeafNode).Release(ctx)
			return id, nil
		}
		childNode.(*node.InnerNode).Release(ctx)
		id = last
	}
}

// growUpward duplicates the root's current content into a new block, then
// overwrites the root block (keeping its id, hence the BlobId, stable) with
// a fresh inner node at depth+1 whose sole child is that copy plus a fresh
// sibling leaf.
func (t *Tree) growUpward(ctx context.Context) error {
	root, ok, err := t.store.nodes.Load(ctx, t.rootId)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: root %s missing", t.rootId)
	}
	var oldDepth uint8
	var rawCopy []byte
	if leaf, isLeaf := root.(*node.LeafNode); isLeaf {
		oldDepth = 0
		data, err := leaf.Data()
		if err != nil {
			leaf.Release(ctx)
			return err
		}
		rawCopy = append([]byte(nil), data...)
		if err := leaf.Release(ctx); err != nil {
			return err
		}
	} else {
		inner := root.(*node.InnerNode)
		oldDepth = inner.Depth()
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return err
		}
		if err := inner.Release(ctx); err != nil {
			return err
		}
		copiedInner, err := t.store.nodes.CreateInner(ctx, oldDepth, children)
		if err != nil {
			return err
		}
		newId := copiedInner.Id()
		if err := copiedInner.Release(ctx); err != nil {
			return err
		}
		return t.finishGrowUpward(ctx, oldDepth, newId)
	}

	copiedLeaf, err := t.store.nodes.CreateLeaf(ctx, rawCopy)
	if err != nil {
		return err
	}
	newId := copiedLeaf.Id()
	if err := copiedLeaf.Release(ctx); err != nil {
		return err
	}
	return t.finishGrowUpward(ctx, oldDepth, newId)
}

func (t *Tree) finishGrowUpward(ctx context.Context, oldDepth uint8, copyOfOldRootId blockstore.Id) error {
	newSibling, err := t.store.nodes.CreateLeaf(ctx, nil)
	if err != nil {
		return err
	}
	newSiblingId := newSibling.Id()
	if err := newSibling.Release(ctx); err != nil {
		return err
	}
	return t.store.overwriteNodeAsInner(ctx, t.rootId, oldDepth+1, []blockstore.Id{copyOfOldRootId, newSiblingId})
}

// overwriteNode replaces id's content with a bit-for-bit copy of src's
// content, preserving id. Used to collapse the root down to a single
// child's content while keeping the BlobId stable.
func (s *Store) overwriteNode(ctx context.Context, id, src blockstore.Id) error {
	n, ok, err := s.nodes.Load(ctx, src)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("tree: node %s missing", src)
	}
	if leaf, isLeaf := n.(*node.LeafNode); isLeaf {
		data, err := leaf.Data()
		if err != nil {
			leaf.Release(ctx)
			return err
		}
		dataCopy := append([]byte(nil), data...)
		if err := leaf.Release(ctx); err != nil {
			return err
		}
		if err := s.overwriteNodeAsLeaf(ctx, id, dataCopy); err != nil {
			return err
		}
	} else {
		inner := n.(*node.InnerNode)
		children, err := inner.Children()
		if err != nil {
			inner.Release(ctx)
			return err
		}
		depth := inner.Depth()
		if err := inner.Release(ctx); err != nil {
			return err
		}
		if err := s.overwriteNodeAsInner(ctx, id, depth, children); err != nil {
			return err
		}
	}
	// src's children (if any) were adopted by id above; only the now-empty
	// src shell itself needs removing.
	_, err = s.nodes.RemoveBlock(ctx, src)
	return err
}

func (s *Store) overwriteNodeAsLeaf(ctx context.Context, id blockstore.Id, data []byte) error {
	return s.nodes.OverwriteAsLeaf(ctx, id, data)
}

func (s *Store) overwriteNodeAsInner(ctx context.Context, id blockstore.Id, depth uint8, children []blockstore.Id) error {
	return s.nodes.OverwriteAsInner(ctx, id, depth, children)
}

// Flush writes back every dirty node in the subtree rooted at the tree's
// root.
func (t *Tree) Flush(ctx context.Context) error {
	it, err := t.store.nodes.AllNodesInSubtree(ctx, t.rootId)
	if err != nil {
		return err
	}
	for {
		id, ok, err := it()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := t.store.flushOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) flushOne(ctx context.Context, id blockstore.Id) error {
	n, ok, err := s.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if leaf, isLeaf := n.(*node.LeafNode); isLeaf {
		if err := leaf.Flush(ctx); err != nil {
			leaf.Release(ctx)
			return err
		}
		return leaf.Release(ctx)
	}
	inner := n.(*node.InnerNode)
	if err := inner.Flush(ctx); err != nil {
		inner.Release(ctx)
		return err
	}
	return inner.Release(ctx)
}

// Remove post-order removes every node in the tree.
func (t *Tree) Remove(ctx context.Context) error {
	return t.store.RemoveSubtree(ctx, t.rootId)
}

func (s *Store) RemoveSubtree(ctx context.Context, root blockstore.Id) error {
	return s.nodes.RemoveSubtree(ctx, root)
}
