package store

import (
	"errors"
	"fmt"
	"sort"
)

// sortKeys orders object keys by table then instance so notification
// payloads are deterministic.
func sortKeys(keys []ObjectKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Instance < keys[j].Instance
	})
}

// ErrNoCommittedSessions is returned by PopUndo when nothing can be
// reverted.
var ErrNoCommittedSessions = errors.New("no committed undo sessions to pop")

// defaultMaxUndoDepth bounds how many committed sessions are retained, and
// therefore how far back PopUndo can rewind the store.
const defaultMaxUndoDepth = 1024

// =============================================================================

// undoState is one frame of reversible deltas: the prior values of
// modified rows, removed rows, the keys of created rows, and the instance
// counters as they stood when the frame opened.
type undoState struct {
	oldValues       map[ObjectKey]Object
	removed         map[ObjectKey]Object
	newIDs          map[ObjectKey]struct{}
	oldNextInstance map[ObjectType]uint64
}

func newUndoState() *undoState {
	return &undoState{
		oldValues:       make(map[ObjectKey]Object),
		removed:         make(map[ObjectKey]Object),
		newIDs:          make(map[ObjectKey]struct{}),
		oldNextInstance: make(map[ObjectType]uint64),
	}
}

// =============================================================================

// UndoDB owns the session stack over the store. Sessions nest LIFO: a
// child session must resolve (merge, commit, or undo) before its parent.
// Mutating the store with no active session and recording enabled is an
// internal invariant violation and panics.
type UndoDB struct {
	store    *Store
	stack    []*undoState
	active   int
	maxSize  int
	disabled bool
}

func newUndoDB(s *Store) *UndoDB {
	return &UndoDB{
		store:   s,
		maxSize: defaultMaxUndoDepth,
	}
}

// Size returns the number of frames on the stack, committed and active.
func (db *UndoDB) Size() int {
	return len(db.stack)
}

// MaxSize returns the bounded depth of retained committed frames.
func (db *UndoDB) MaxSize() int {
	return db.maxSize
}

// SetMaxSize adjusts the bounded depth. The proposal evaluator lifts the
// cap for the duration of a nested session.
func (db *UndoDB) SetMaxSize(n int) {
	db.maxSize = n
}

// Disable turns off delta recording. Only genesis initialisation runs with
// recording off; nothing before the first session is ever rewound.
func (db *UndoDB) Disable() {
	db.disabled = true
}

// Enable turns delta recording back on.
func (db *UndoDB) Enable() {
	db.disabled = false
}

// Enabled reports whether mutations are being recorded.
func (db *UndoDB) Enabled() bool {
	return !db.disabled
}

// =============================================================================

// StartSession pushes a new frame and returns its handle. The default
// disposition is rollback: callers defer session.Undo() immediately, and
// Undo becomes a no-op after Merge or Commit.
func (db *UndoDB) StartSession() *Session {
	if db.disabled {
		return &Session{}
	}

	// Trim committed frames beyond the retained depth.
	for len(db.stack) > db.maxSize && len(db.stack) > db.active {
		db.stack = db.stack[1:]
	}

	state := newUndoState()
	db.stack = append(db.stack, state)
	db.active++

	return &Session{db: db, state: state}
}

// PopUndo discards the single most recent committed frame, reverting its
// changes. Used by pop_block to unwind the head block's effects.
func (db *UndoDB) PopUndo() error {
	if db.active != 0 {
		return fmt.Errorf("pop undo with %d active sessions", db.active)
	}
	if len(db.stack) == 0 {
		return ErrNoCommittedSessions
	}

	top := db.stack[len(db.stack)-1]
	db.stack = db.stack[:len(db.stack)-1]
	db.applyUndo(top)

	return nil
}

// applyUndo reverses one frame: created rows are erased, modified rows are
// restored, removed rows are reinserted, instance counters rewind. The raw
// primitives keep the secondary indices consistent.
func (db *UndoDB) applyUndo(state *undoState) {
	for key := range state.newIDs {
		db.store.eraseRaw(key)
	}
	for _, old := range state.oldValues {
		db.store.replaceRaw(old)
	}
	for _, old := range state.removed {
		db.store.insertRaw(old)
	}
	for t, n := range state.oldNextInstance {
		db.store.nextInstance[t] = n
	}
}

// TouchedTop reports the keys the top frame has changed (created or
// modified) and removed. The block engine reads it just before committing
// a block session to aggregate the per-block changed-objects notification.
func (db *UndoDB) TouchedTop() (changed []ObjectKey, removed []ObjectKey) {
	if len(db.stack) == 0 {
		return nil, nil
	}
	top := db.stack[len(db.stack)-1]

	for key := range top.newIDs {
		changed = append(changed, key)
	}
	for key := range top.oldValues {
		changed = append(changed, key)
	}
	for key := range top.removed {
		removed = append(removed, key)
	}

	sortKeys(changed)
	sortKeys(removed)
	return changed, removed
}

// =============================================================================
// Recording hooks, called by the store's mutators. Each hook records into
// the top frame only; merges fold frames together later.

func (db *UndoDB) top() *undoState {
	if db.disabled {
		return nil
	}
	if len(db.stack) == 0 {
		panic("store: mutation outside an active undo session")
	}
	return db.stack[len(db.stack)-1]
}

func (db *UndoDB) onCreate(key ObjectKey, t ObjectType, priorNextInstance uint64) {
	state := db.top()
	if state == nil {
		return
	}
	if _, recorded := state.oldNextInstance[t]; !recorded {
		state.oldNextInstance[t] = priorNextInstance
	}
	state.newIDs[key] = struct{}{}
}

func (db *UndoDB) onModify(key ObjectKey, old Object) {
	state := db.top()
	if state == nil {
		return
	}
	if _, created := state.newIDs[key]; created {
		return
	}
	if _, recorded := state.oldValues[key]; recorded {
		return
	}
	state.oldValues[key] = old
}

func (db *UndoDB) onRemove(key ObjectKey, current Object) {
	state := db.top()
	if state == nil {
		return
	}
	if _, created := state.newIDs[key]; created {
		delete(state.newIDs, key)
		return
	}
	if old, recorded := state.oldValues[key]; recorded {
		state.removed[key] = old
		delete(state.oldValues, key)
		return
	}
	if _, recorded := state.removed[key]; recorded {
		return
	}
	state.removed[key] = current
}

// =============================================================================

// Session is the handle to one undo frame. Exactly one of Undo, Merge, or
// Commit takes effect; the others become no-ops. A session constructed
// while recording is disabled does nothing at all.
type Session struct {
	db    *UndoDB
	state *undoState
	done  bool
}

// Undo rolls the frame's deltas back and pops it. This is the default
// disposition: defer it right after StartSession.
func (s *Session) Undo() {
	if s.done || s.db == nil {
		return
	}
	s.done = true

	db := s.db
	if len(db.stack) == 0 || db.stack[len(db.stack)-1] != s.state {
		panic("store: undo of a session that is not on top of the stack")
	}

	db.stack = db.stack[:len(db.stack)-1]
	db.active--
	db.applyUndo(s.state)
}

// Merge folds the frame's deltas into the frame below, so undoing the
// parent undoes both. With no frame below the deltas become permanent.
func (s *Session) Merge() {
	if s.done || s.db == nil {
		return
	}
	s.done = true

	db := s.db
	if len(db.stack) == 0 || db.stack[len(db.stack)-1] != s.state {
		panic("store: merge of a session that is not on top of the stack")
	}

	db.stack = db.stack[:len(db.stack)-1]
	db.active--

	if len(db.stack) == 0 {
		return
	}
	mergeInto(db.stack[len(db.stack)-1], s.state)
}

// Commit makes the frame permanent but keeps it on the stack so PopUndo
// can still revert it later.
func (s *Session) Commit() {
	if s.done || s.db == nil {
		return
	}
	s.done = true
	s.db.active--
}

// mergeInto folds child deltas into the parent frame. The result must
// equal the effect of the mutations having occurred directly in the
// parent, which is what makes sessions LIFO-compatible.
func mergeInto(parent *undoState, child *undoState) {
	for key, old := range child.oldValues {
		if _, created := parent.newIDs[key]; created {
			continue
		}
		if _, recorded := parent.oldValues[key]; recorded {
			continue
		}
		parent.oldValues[key] = old
	}

	for key := range child.newIDs {
		if old, removed := parent.removed[key]; removed {
			// Removed then recreated nets out to a modify.
			delete(parent.removed, key)
			parent.oldValues[key] = old
			continue
		}
		parent.newIDs[key] = struct{}{}
	}

	for key, old := range child.removed {
		if _, created := parent.newIDs[key]; created {
			delete(parent.newIDs, key)
			continue
		}
		if prior, recorded := parent.oldValues[key]; recorded {
			parent.removed[key] = prior
			delete(parent.oldValues, key)
			continue
		}
		parent.removed[key] = old
	}

	for t, n := range child.oldNextInstance {
		if _, recorded := parent.oldNextInstance[t]; !recorded {
			parent.oldNextInstance[t] = n
		}
	}
}
