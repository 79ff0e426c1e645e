package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stakeforge/blockchain/foundation/blockchain/merkle"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// payload is simple hashable test data.
type payload struct {
	value string
}

func (p payload) Hash() ([]byte, error) {
	hash := sha256.Sum256([]byte(p.value))
	return hash[:], nil
}

func (p payload) Equals(other payload) bool {
	return p.value == other.value
}

// =============================================================================

func Test_Tree(t *testing.T) {
	tt := []struct {
		name   string
		values []string
	}{
		{"single", []string{"a"}},
		{"even", []string{"a", "b", "c", "d"}},
		{"odd", []string{"a", "b", "c"}},
	}

	t.Log("Given the need to build merkle trees over transaction sets.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling the %q leaf set.", testID, tst.name)
			{
				f := func(t *testing.T) {
					var values []payload
					for _, v := range tst.values {
						values = append(values, payload{value: v})
					}

					tree, err := merkle.NewTree(values)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to build the tree: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to build the tree.", success, testID)

					if len(tree.MerkleRoot()) == 0 {
						t.Fatalf("\t%s\tTest %d:\tShould have a non empty root.", failed, testID)
					}

					// The same values must always produce the same root.
					again, err := merkle.NewTree(values)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to rebuild the tree: %v", failed, testID, err)
					}
					if !bytes.Equal(tree.MerkleRoot(), again.MerkleRoot()) {
						t.Errorf("\t%s\tTest %d:\tShould compute a deterministic root.", failed, testID)
					} else {
						t.Logf("\t%s\tTest %d:\tShould compute a deterministic root.", success, testID)
					}

					if got := tree.Values(); len(got) != len(values) {
						t.Errorf("\t%s\tTest %d:\tShould return the original values, got %d exp %d.", failed, testID, len(got), len(values))
					} else {
						t.Logf("\t%s\tTest %d:\tShould return the original values.", success, testID)
					}

					for _, v := range values {
						if _, _, err := tree.Proof(v); err != nil {
							t.Errorf("\t%s\tTest %d:\tShould produce a proof for %q: %v", failed, testID, v.value, err)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould produce a proof for every value.", success, testID)
				}

				t.Run(fmt.Sprintf("%d-%s", testID, tst.name), f)
			}
		}
	}
}

func Test_TreeRejectsEmpty(t *testing.T) {
	t.Log("Given the rule that a tree needs content.")
	{
		t.Logf("\tTest 0:\tWhen building over no values.")
		{
			if _, err := merkle.NewTree([]payload{}); err == nil {
				t.Errorf("\t%s\tTest 0:\tShould refuse an empty leaf set.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould refuse an empty leaf set.", success)
			}
		}
	}
}

func Test_RootChangesWithContent(t *testing.T) {
	t.Log("Given the need for the root to commit to the content.")
	{
		t.Logf("\tTest 0:\tWhen one leaf changes.")
		{
			one, err := merkle.NewTree([]payload{{"a"}, {"b"}})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the first tree: %v", failed, err)
			}
			two, err := merkle.NewTree([]payload{{"a"}, {"c"}})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the second tree: %v", failed, err)
			}

			if bytes.Equal(one.MerkleRoot(), two.MerkleRoot()) {
				t.Errorf("\t%s\tTest 0:\tShould compute different roots for different content.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould compute different roots for different content.", success)
			}
		}
	}
}
