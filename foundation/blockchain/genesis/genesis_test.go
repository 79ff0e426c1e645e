package genesis_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stakeforge/blockchain/foundation/blockchain/genesis"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func Test_LoadSave(t *testing.T) {
	t.Log("Given the need to round-trip the genesis file.")
	{
		t.Logf("\tTest 0:\tWhen saving and reloading a genesis.")
		{
			gen := genesis.Genesis{
				Date:       time.Unix(1700000000, 0).UTC(),
				ChainLabel: "test-chain",
				Parameters: genesis.Parameters{
					BlockInterval:              5,
					MaintenanceInterval:        86400,
					MaximumBlockSize:           1 << 20,
					MaximumTimeUntilExpiration: 3600,
					MaximumAuthorityDepth:      3,
					MaximumProposalLifetime:    86400,
				},
				Accounts: []genesis.Account{
					{Name: "alice", OwnerKey: "0x" + repeat("ab", 33), ActiveKey: "0x" + repeat("cd", 33)},
				},
				Assets:    []genesis.Asset{{Symbol: "CORE", Precision: 5}},
				Witnesses: []genesis.Witness{{Account: "alice", SigningKey: "0x" + repeat("ef", 33)}},
				Balances:  map[string]map[string]int64{"alice": {"CORE": 1000}},
			}

			path := filepath.Join(t.TempDir(), "genesis.json")
			if err := genesis.Save(path, gen); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to save the genesis: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to save the genesis.", success)

			loaded, err := genesis.Load(path)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to load the genesis: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to load the genesis.", success)

			if loaded.ChainID() != gen.ChainID() {
				t.Errorf("\t%s\tTest 0:\tShould derive the same chain id after the round trip.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould derive the same chain id after the round trip.", success)
			}

			if loaded.Balances["alice"]["CORE"] != 1000 {
				t.Errorf("\t%s\tTest 0:\tShould preserve the balances.", failed)
			} else {
				t.Logf("\t%s\tTest 0:\tShould preserve the balances.", success)
			}
		}
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
