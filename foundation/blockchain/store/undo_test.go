package store_test

import (
	"bytes"
	"testing"

	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// seedStore builds a store with two accounts and a balance, created with
// recording off the way genesis initialisation runs.
func seedStore(t *testing.T) *store.Store {
	t.Helper()

	s := store.New()
	s.UndoDB().Disable()

	if _, err := s.Create(&store.AssetObject{Symbol: "CORE", Precision: 5}); err != nil {
		t.Fatalf("\t%s\tShould be able to create the core asset: %v", failed, err)
	}
	if _, err := s.Create(&store.AccountObject{Name: "alice", Owner: auth(), Active: auth()}); err != nil {
		t.Fatalf("\t%s\tShould be able to create alice: %v", failed, err)
	}
	if _, err := s.Create(&store.AccountObject{Name: "bob", Owner: auth(), Active: auth()}); err != nil {
		t.Fatalf("\t%s\tShould be able to create bob: %v", failed, err)
	}
	if err := s.AdjustBalance(0, 0, 1000); err != nil {
		t.Fatalf("\t%s\tShould be able to seed alice's balance: %v", failed, err)
	}

	s.UndoDB().Enable()
	return s
}

func auth() types.Authority {
	return types.Authority{Threshold: 1, KeyAuths: []types.KeyWeight{{Key: [33]byte{1}, Weight: 1}}}
}

// =============================================================================

func Test_SessionUndoRestoresState(t *testing.T) {
	t.Log("Given the need to roll a session's mutations back.")
	{
		t.Logf("\tTest 0:\tWhen mutating every way inside one session.")
		{
			s := seedStore(t)
			before := s.Serialize()

			session := s.UndoDB().StartSession()

			if err := s.AdjustBalance(0, 0, -250); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to modify a balance: %v", failed, err)
			}
			if _, err := s.Create(&store.AccountObject{Name: "carol", Owner: auth(), Active: auth()}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create an account: %v", failed, err)
			}
			alice, err := s.Account(0)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to look alice up: %v", failed, err)
			}
			if err := s.Remove(alice.Key()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to remove alice: %v", failed, err)
			}

			session.Undo()

			after := s.Serialize()
			if !bytes.Equal(before, after) {
				t.Errorf("\t%s\tTest 0:\tShould restore a byte identical store.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore a byte identical store.", success)
			}

			if s.FindAccountByName("alice") == nil {
				t.Errorf("\t%s\tTest 0:\tShould restore the secondary name index.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore the secondary name index.", success)
			}
			if s.FindAccountByName("carol") != nil {
				t.Errorf("\t%s\tTest 0:\tShould remove the created account from the name index.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould remove the created account from the name index.", success)
			}
		}
	}
}

func Test_SessionMergeIsLIFOCompatible(t *testing.T) {
	t.Log("Given the need for merged sessions to behave as one.")
	{
		t.Logf("\tTest 0:\tWhen merging a child into its parent and undoing the parent.")
		{
			s := seedStore(t)
			before := s.Serialize()

			parent := s.UndoDB().StartSession()
			if err := s.AdjustBalance(0, 0, -100); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to modify in the parent: %v", failed, err)
			}

			child := s.UndoDB().StartSession()
			if err := s.AdjustBalance(0, 0, -100); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to modify in the child: %v", failed, err)
			}
			if _, err := s.Create(&store.AccountObject{Name: "carol", Owner: auth(), Active: auth()}); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create in the child: %v", failed, err)
			}
			child.Merge()

			if got := s.Balance(0, 0); got != 800 {
				t.Fatalf("\t%s\tTest 0:\tShould see both deductions after merge, got %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould see both deductions after merge.", success)

			parent.Undo()

			if !bytes.Equal(before, s.Serialize()) {
				t.Errorf("\t%s\tTest 0:\tShould restore a byte identical store after the parent undo.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould restore a byte identical store after the parent undo.", success)
			}
		}

		t.Logf("\tTest 1:\tWhen a child removes what the parent created.")
		{
			s := seedStore(t)
			before := s.Serialize()

			parent := s.UndoDB().StartSession()
			obj, err := s.Create(&store.AccountObject{Name: "carol", Owner: auth(), Active: auth()})
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to create in the parent: %v", failed, err)
			}

			child := s.UndoDB().StartSession()
			if err := s.Remove(obj.Key()); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to remove in the child: %v", failed, err)
			}
			child.Merge()
			parent.Undo()

			if !bytes.Equal(before, s.Serialize()) {
				t.Errorf("\t%s\tTest 1:\tShould restore a byte identical store.", failed)
			} else {
				t.Logf("\t%s\tTest 1:\tShould restore a byte identical store.", success)
			}
		}
	}
}

func Test_CommitAndPopUndo(t *testing.T) {
	t.Log("Given the need to revert committed sessions with pop undo.")
	{
		t.Logf("\tTest 0:\tWhen committing two sessions and popping one.")
		{
			s := seedStore(t)
			before := s.Serialize()

			first := s.UndoDB().StartSession()
			if err := s.AdjustBalance(0, 0, -100); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to modify in session one: %v", failed, err)
			}
			first.Commit()
			afterFirst := s.Serialize()

			second := s.UndoDB().StartSession()
			if err := s.AdjustBalance(0, 0, -200); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to modify in session two: %v", failed, err)
			}
			second.Commit()

			if err := s.UndoDB().PopUndo(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to pop the latest commit: %v", failed, err)
			}
			if !bytes.Equal(afterFirst, s.Serialize()) {
				t.Errorf("\t%s\tTest 0:\tShould be back at the first commit's state.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould be back at the first commit's state.", success)
			}

			if err := s.UndoDB().PopUndo(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to pop the first commit: %v", failed, err)
			}
			if !bytes.Equal(before, s.Serialize()) {
				t.Errorf("\t%s\tTest 0:\tShould be back at the seed state.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould be back at the seed state.", success)
			}

			if err := s.UndoDB().PopUndo(); err == nil {
				t.Errorf("\t%s\tTest 0:\tShould refuse to pop past the stack.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould refuse to pop past the stack.", success)
			}
		}
	}
}

func Test_MutationOutsideSessionPanics(t *testing.T) {
	t.Log("Given the rule that mutations require an active session.")
	{
		t.Logf("\tTest 0:\tWhen modifying with no session open.")
		{
			s := seedStore(t)

			defer func() {
				if r := recover(); r == nil {
					t.Errorf("\t%s\tTest 0:\tShould panic on a mutation outside a session.", failed)
				} else {
					t.Logf("\t%s\tTest 0:\tShould panic on a mutation outside a session.", success)
				}
			}()

			s.AdjustBalance(0, 0, -1)
		}
	}
}

func Test_InstanceCountersRewind(t *testing.T) {
	t.Log("Given the need for created ids to rewind with their session.")
	{
		t.Logf("\tTest 0:\tWhen undoing a create.")
		{
			s := seedStore(t)

			session := s.UndoDB().StartSession()
			obj, err := s.Create(&store.AccountObject{Name: "carol", Owner: auth(), Active: auth()})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create: %v", failed, err)
			}
			firstID := obj.Key().Instance
			session.Undo()

			session = s.UndoDB().StartSession()
			defer session.Undo()
			obj, err = s.Create(&store.AccountObject{Name: "dave", Owner: auth(), Active: auth()})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create again: %v", failed, err)
			}

			if obj.Key().Instance != firstID {
				t.Errorf("\t%s\tTest 0:\tShould reuse the rewound instance id, got %d exp %d.", failed, obj.Key().Instance, firstID)
			} else {
				t.Logf("\t%s\tTest 0:\tShould reuse the rewound instance id.", success)
			}
		}
	}
}
