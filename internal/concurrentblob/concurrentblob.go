// Package concurrentblob implements ConcurrentBlobStore: a keyed registry
// of loaded blob state that serializes eviction, reload and removal
// against concurrent POSIX operations on the same blob.
//
// The state machine and the intent/reload chain mirror a concurrent-store
// design with loading/loaded/dropping/intent states: an entry is Loading,
// Loaded, or Dropping; a drop requested while the entry is still in use is recorded
// as an Intent, which may itself carry a ReloadInfo for a load requested
// while the drop is in flight, which may in turn carry another Intent —
// unbounded nesting, walked iteratively rather than recursively so Go's
// lack of tail calls doesn't matter.
package concurrentblob

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blob"
	"github.com/cryfs-go/cryfs/internal/blockstore"
)

type state int

const (
	stateLoading state = iota
	stateLoaded
	stateDropping
)

// event is a one-shot broadcast, the Go analogue of the original's
// futures::Event: closing the channel wakes every waiter.
type event struct {
	ch   chan struct{}
	once sync.Once
}

func newEvent() *event { return &event{ch: make(chan struct{})} }
func (e *event) trigger() { e.once.Do(func() { close(e.ch) }) }
func (e *event) wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestImmediateDropResponse is the outcome of requesting an immediate
// drop of an entry that may already be mid-drop.
type RequestImmediateDropResponse struct {
	// Requested is true if this call's intent was attached and will run;
	// OnDropped fires when it completes.
	Requested bool
	OnDropped *event

	// AlreadyDropping is true if another intent already occupied the
	// attach point; the caller should wait on OnCurrentDropComplete and
	// retry.
	AlreadyDropping      bool
	OnCurrentDropComplete *event
}

// reloadInfo carries the in-flight reload future for an entry mid-drop, and
// optionally a further intent requested after that reload completes.
type reloadInfo struct {
	done      *event // triggered once the reload itself has installed a new entry
	waiters   int
	newIntent *intent
}

// intent is a drop request attached to an entry that's still in use.
type intent struct {
	dropFn    func(blob *blob.Blob) // blob is nil if the entry never finished loading
	onDropped *event
	reload    *reloadInfo
}

// entry is one blob's registry slot.
type entry struct {
	id    blockstore.Id
	state state

	blob *blob.Blob // set once Loading completes; nil in Loading/after-drop

	guards      int
	waiters     int
	loadErr     error
	loadDone    *event // triggered when Loading transitions to Loaded (or fails)
	dropIntent  *intent
}

// Store is ConcurrentBlobStore.
type Store struct {
	blobs *blob.Store

	mu      sync.Mutex
	entries map[blockstore.Id]*entry
}

func NewStore(blobs *blob.Store) *Store {
	return &Store{blobs: blobs, entries: make(map[blockstore.Id]*entry)}
}

// Guard is a ref-counted handle to a loaded blob. Release must be called
// exactly once.
type Guard struct {
	store *Store
	id    blockstore.Id
	blob  *blob.Blob
}

func (g *Guard) Blob() *blob.Blob { return g.blob }

// Release drops this guard's reference. If it was the last reference and a
// drop intent is pending, the drop runs synchronously here.
func (g *Guard) Release(ctx context.Context) error {
	return g.store.releaseGuard(ctx, g.id)
}

// Load returns a Guard for id, loading it from the underlying BlobStore if
// it's not already registered. Concurrent Loads for the same id that race
// with a Loading entry become waiters and receive the same result.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (*Guard, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		switch e.state {
		case stateLoaded:
			e.guards++
			b := e.blob
			s.mu.Unlock()
			if b == nil {
				// Loaded-but-removed placeholder: blob doesn't exist.
				s.mu.Lock()
				e.guards--
				s.mu.Unlock()
				return nil, false, nil
			}
			return &Guard{store: s, id: id, blob: b}, true, nil
		case stateLoading:
			e.waiters++
			done := e.loadDone
			s.mu.Unlock()
			if err := done.wait(ctx); err != nil {
				return nil, false, err
			}
			return s.afterWait(ctx, id)
		default: // stateDropping
			// A drop is in flight; request a reload to run right after it,
			// matching the original's Loaded+Intent -> reload path.
			done := s.attachReloadLocked(e)
			s.mu.Unlock()
			if err := done.wait(ctx); err != nil {
				return nil, false, err
			}
			return s.afterWait(ctx, id)
		}
	}
	e = &entry{id: id, state: stateLoading, loadDone: newEvent()}
	s.entries[id] = e
	s.mu.Unlock()
	return s.finishLoading(ctx, e)
}

// attachReloadLocked attaches (or extends) a ReloadInfo at the deepest
// point of e's intent chain, walking it to the deepest pending intent or
// reload. Caller holds s.mu.
func (s *Store) attachReloadLocked(e *entry) *event {
	in := e.dropIntent
	for in.reload != nil && in.reload.newIntent != nil {
		in = in.reload.newIntent
	}
	if in.reload == nil {
		done := newEvent()
		in.reload = &reloadInfo{done: done, waiters: 1}
		return done
	}
	in.reload.waiters++
	return in.reload.done
}

// afterWait re-reads the entry after waiting on an event, since the state
// may have advanced (e.g. Loading -> Loaded, or a reload installed a fresh
// entry) while we were asleep.
func (s *Store) afterWait(ctx context.Context, id blockstore.Id) (*Guard, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.state != stateLoaded {
		// Still settling (e.g. a second reload queued behind ours); spin
		// through Load again rather than duplicating the wait logic.
		s.mu.Unlock()
		return s.Load(ctx, id)
	}
	if e.loadErr != nil {
		err := e.loadErr
		s.mu.Unlock()
		return nil, false, err
	}
	if e.blob == nil {
		s.mu.Unlock()
		return nil, false, nil
	}
	e.guards++
	b := e.blob
	s.mu.Unlock()
	return &Guard{store: s, id: id, blob: b}, true, nil
}

func (s *Store) finishLoading(ctx context.Context, e *entry) (*Guard, bool, error) {
	b, ok, err := s.blobs.Load(ctx, e.id)

	s.mu.Lock()
	e.loadErr = err
	if err == nil && ok {
		e.blob = b
		e.state = stateLoaded
		e.guards++
	} else {
		e.state = stateLoaded
		e.blob = nil
	}
	done := e.loadDone
	s.mu.Unlock()
	done.trigger()

	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Guard{store: s, id: e.id, blob: b}, true, nil
}

// Create makes a new blob via the underlying BlobStore and registers it
// here as an already-Loaded entry held by the returned guard, so the
// caller can populate it (e.g. write a directory's first entries) before
// any other goroutine can observe it through Load.
func (s *Store) Create(ctx context.Context, blobType blob.Type, parentId blockstore.Id) (*Guard, error) {
	b, err := s.blobs.Create(ctx, blobType, parentId)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries[b.Id()] = &entry{id: b.Id(), state: stateLoaded, blob: b, guards: 1}
	s.mu.Unlock()
	return &Guard{store: s, id: b.Id(), blob: b}, nil
}

func (s *Store) releaseGuard(ctx context.Context, id blockstore.Id) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return xerrors.Errorf("concurrentblob: release of unregistered entry %s", id)
	}
	e.guards--
	if e.guards < 0 {
		s.mu.Unlock()
		return xerrors.Errorf("concurrentblob: guard refcount underflow on %s", id)
	}
	runDrop := e.guards == 0 && e.dropIntent != nil && e.state == stateLoaded
	if !runDrop {
		s.mu.Unlock()
		return nil
	}
	e.state = stateDropping
	in := e.dropIntent
	e.dropIntent = nil
	b := e.blob
	s.mu.Unlock()

	return s.runIntent(ctx, e, in, b)
}

// runIntent executes one intent's drop closure, then either installs a
// reload's result as the new Loaded state or removes the entry entirely,
// continuing iteratively down any chained reload+intent.
func (s *Store) runIntent(ctx context.Context, e *entry, in *intent, b *blob.Blob) error {
	for {
		in.dropFn(b)
		in.onDropped.trigger()

		if in.reload == nil {
			s.mu.Lock()
			delete(s.entries, e.id)
			s.mu.Unlock()
			return nil
		}

		reload := in.reload
		newBlob, ok, err := s.blobs.Load(ctx, e.id)

		s.mu.Lock()
		e.loadErr = err
		if err == nil && ok {
			e.blob = newBlob
		} else {
			e.blob = nil
		}
		e.state = stateLoaded
		nextIntent := reload.newIntent
		var nextB *blob.Blob
		runAgain := false
		if nextIntent != nil && e.guards == 0 {
			e.state = stateDropping
			nextB = e.blob
			runAgain = true
		} else if nextIntent != nil {
			e.dropIntent = nextIntent
		}
		s.mu.Unlock()
		reload.done.trigger()

		if !runAgain {
			return err
		}
		in = nextIntent
		b = nextB
	}
}

// RequestImmediateDrop attaches dropFn as the entry's drop intent, or
// returns AlreadyDropping if another intent already occupies the deepest
// attach point of the entry's intent chain.
func (s *Store) RequestImmediateDrop(ctx context.Context, id blockstore.Id, dropFn func(*blob.Blob)) (RequestImmediateDropResponse, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return RequestImmediateDropResponse{}, nil
	}
	newIntent := &intent{dropFn: dropFn, onDropped: newEvent()}

	switch e.state {
	case stateLoaded:
		if e.dropIntent == nil {
			e.dropIntent = newIntent
			if e.guards == 0 {
				e.state = stateDropping
				in := e.dropIntent
				e.dropIntent = nil
				b := e.blob
				s.mu.Unlock()
				go func() { _ = s.runIntent(ctx, e, in, b) }()
				return RequestImmediateDropResponse{Requested: true, OnDropped: newIntent.onDropped}, nil
			}
			s.mu.Unlock()
			return RequestImmediateDropResponse{Requested: true, OnDropped: newIntent.onDropped}, nil
		}
		in := e.dropIntent
		for in.reload != nil && in.reload.newIntent != nil {
			in = in.reload.newIntent
		}
		if in.reload == nil {
			in.reload = &reloadInfo{done: newEvent(), newIntent: newIntent}
			s.mu.Unlock()
			return RequestImmediateDropResponse{Requested: true, OnDropped: newIntent.onDropped}, nil
		}
		s.mu.Unlock()
		return RequestImmediateDropResponse{AlreadyDropping: true, OnCurrentDropComplete: in.onDropped}, nil
	case stateDropping:
		in := e.dropIntent
		if in == nil {
			// dropIntent was already taken by the running drop; walk via
			// reload chain instead by treating this as a reload+intent.
			s.mu.Unlock()
			return RequestImmediateDropResponse{AlreadyDropping: true, OnCurrentDropComplete: newEvent()}, nil
		}
		for in.reload != nil && in.reload.newIntent != nil {
			in = in.reload.newIntent
		}
		if in.reload == nil {
			in.reload = &reloadInfo{done: newEvent(), newIntent: newIntent}
			s.mu.Unlock()
			return RequestImmediateDropResponse{Requested: true, OnDropped: newIntent.onDropped}, nil
		}
		s.mu.Unlock()
		return RequestImmediateDropResponse{AlreadyDropping: true, OnCurrentDropComplete: in.onDropped}, nil
	default: // stateLoading
		s.mu.Unlock()
		return RequestImmediateDropResponse{AlreadyDropping: true, OnCurrentDropComplete: newEvent()}, nil
	}
}

// RemoveById removes the blob by id, whether or not it's currently loaded,
// holding the entry slot as a lock so no concurrent load can resurrect it
// mid-removal.
func (s *Store) RemoveById(ctx context.Context, id blockstore.Id) error {
	var removeErr error
	dropFn := func(b *blob.Blob) {
		if b != nil {
			removeErr = s.blobs.Remove(ctx, b)
			return
		}
		loaded, ok, err := s.blobs.Load(ctx, id)
		if err != nil {
			removeErr = err
			return
		}
		if !ok {
			return
		}
		removeErr = s.blobs.Remove(ctx, loaded)
	}

	for {
		resp, err := s.RequestImmediateDrop(ctx, id, dropFn)
		if err != nil {
			return err
		}
		if resp.AlreadyDropping {
			if err := resp.OnCurrentDropComplete.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.Requested {
			if err := resp.OnDropped.wait(ctx); err != nil {
				return err
			}
			return removeErr
		}
		// Entry wasn't registered at all: remove directly.
		s.mu.Lock()
		s.entries[id] = &entry{id: id, state: stateDropping}
		s.mu.Unlock()
		dropFn(nil)
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return removeErr
	}
}

// FlushIfCached flushes id's blob, whatever its type. It goes through Load,
// so a blob that isn't registered is loaded (and registered) first; if no
// blob with that id exists, it's a no-op.
func (s *Store) FlushIfCached(ctx context.Context, id blockstore.Id) error {
	guard, ok, err := s.Load(ctx, id)
	if err != nil || !ok {
		return err
	}
	defer guard.Release(ctx)
	return guard.Blob().Flush(ctx)
}
