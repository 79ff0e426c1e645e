// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"os"
	"time"

	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Account seeds one account at genesis. Keys are hex encoded compressed
// public keys.
type Account struct {
	Name      string `json:"name"`
	OwnerKey  string `json:"owner_key"`
	ActiveKey string `json:"active_key"`
}

// Witness seeds one block producer at genesis, bound to one of the
// genesis accounts by name.
type Witness struct {
	Account    string `json:"account"`
	SigningKey string `json:"signing_key"`
}

// Asset seeds one tradeable asset at genesis.
type Asset struct {
	Symbol    string `json:"symbol"`
	Precision uint8  `json:"precision"`
}

// Parameters are the consensus parameters the chain starts with.
type Parameters struct {
	BlockInterval              uint8  `json:"block_interval"`                // Seconds between block production slots.
	MaintenanceInterval        uint32 `json:"maintenance_interval"`          // Seconds between maintenance boundaries.
	MaximumBlockSize           uint32 `json:"maximum_block_size"`            // Bytes; one byte over is rejected.
	MaximumTimeUntilExpiration uint32 `json:"maximum_time_until_expiration"` // Seconds a transaction may live past head time.
	MaximumAuthorityDepth      uint8  `json:"maximum_authority_depth"`       // Levels the authority walk may recurse.
	MaximumProposalLifetime    uint32 `json:"maximum_proposal_lifetime"`     // Seconds a proposal may wait for approvals.
}

// Genesis represents the genesis file.
type Genesis struct {
	Date       time.Time                   `json:"date"`
	ChainLabel string                      `json:"chain_label"` // Hashed into the chain id that binds signatures to this network.
	Parameters Parameters                  `json:"parameters"`
	Accounts   []Account                   `json:"accounts"`
	Assets     []Asset                     `json:"assets"`
	Witnesses  []Witness                   `json:"witnesses"`
	Balances   map[string]map[string]int64 `json:"balances"` // account name -> asset symbol -> amount
}

// ChainID derives the chain id from the genesis content, so two networks
// with different genesis files can never validate each other's signatures.
func (g Genesis) ChainID() types.ChainID {
	data, err := json.Marshal(g)
	if err != nil {
		return types.ChainID{}
	}
	return types.ChainID(signature.Hash(data))
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Save writes the genesis file to disk.
func Save(path string, genesis Genesis) error {
	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
