package state

import (
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// SlotTime returns the wall time of the specified future production slot.
// Slot zero is "before genesis" and maps to time zero. Slot one is the
// first slot after the head block; block timestamps must land exactly on a
// slot boundary.
func (s *State) SlotTime(slot uint32) uint32 {
	if slot == 0 {
		return 0
	}

	interval := uint32(s.gpo().Parameters.BlockInterval)
	dgp := s.dgp()

	if dgp.HeadBlockNumber == 0 {
		// Before the first block, slot one is one interval past genesis.
		return dgp.Time + slot*interval
	}

	// Head timestamps always sit on a slot boundary, so the next slots
	// step from head time directly.
	return dgp.Time + slot*interval
}

// SlotAtTime returns which production slot the specified time falls in,
// or zero when the time is at or before the head block.
func (s *State) SlotAtTime(when uint32) uint32 {
	firstSlotTime := s.SlotTime(1)
	if when < firstSlotTime {
		return 0
	}

	interval := uint32(s.gpo().Parameters.BlockInterval)
	return (when-firstSlotTime)/interval + 1
}

// ScheduledWitness returns the witness that may produce a block in the
// specified future slot. The schedule is a deterministic function of the
// active witness set and the absolute slot number; no wall clock input.
func (s *State) ScheduledWitness(slot uint32) types.WitnessID {
	dgp := s.dgp()
	witnesses := s.gpo().ActiveWitnesses

	aslot := dgp.CurrentAslot + uint64(slot)
	return witnesses[aslot%uint64(len(witnesses))]
}

// =============================================================================

// updateWitnessSchedule recomputes the active witness rotation. It runs at
// maintenance boundaries and is a pure function of the global and dynamic
// property objects.
func (s *State) updateWitnessSchedule() error {
	witnesses := s.db.Witnesses()

	ids := make([]types.WitnessID, 0, len(witnesses))
	for _, w := range witnesses {
		ids = append(ids, w.ID)
	}

	return s.db.ModifyGlobalProperties(func(gpo *store.GlobalPropertyObject) {
		gpo.ActiveWitnesses = ids
	})
}
