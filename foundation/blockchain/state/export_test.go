package state

// PendingSessionActive exposes whether the pending undo session exists,
// so tests can check the pool/session invariant from the outside.
func (s *State) PendingSessionActive() bool {
	return s.pendingTxSession != nil
}
