// Package precompute runs the independent per-transaction validation work
// of a block on a worker pool: structural checks, transaction ids, and
// signature key recovery, plus the block's signee and merkle root. Results
// are memoised on the transaction and block values, so the serial apply
// path finds them ready and pays O(1) for those checks.
package precompute

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Options selects which work to perform. The chain state derives these
// from its skip flags: skipped checks are skipped here too.
type Options struct {
	Validate          bool
	ComputeIDs        bool
	RecoverSignatures bool
	RecoverSignee     bool
	ComputeMerkle     bool
}

// EverythingOn enables all precompute work.
func EverythingOn() Options {
	return Options{
		Validate:          true,
		ComputeIDs:        true,
		RecoverSignatures: true,
		RecoverSignee:     true,
		ComputeMerkle:     true,
	}
}

// =============================================================================

// Join is the handle to an in-flight precompute. Joining happens on the
// serialising thread before block application begins. The work is
// advisory: abandoning a join just makes the serial path redo it.
type Join struct {
	group *errgroup.Group
}

// Wait blocks until the precompute completes and returns the first
// validation failure, if any.
func (j *Join) Wait() error {
	if j == nil || j.group == nil {
		return nil
	}
	return j.group.Wait()
}

// =============================================================================

// Pool fans precompute work out over a bounded number of workers. Workers
// operate on immutable inputs and write only to the memoised fields of
// those inputs; they never touch the object store.
type Pool struct {
	parallelism int
	chainID     types.ChainID
}

// New constructs a pool. A parallelism of zero means one worker per CPU.
func New(parallelism int, chainID types.ChainID) *Pool {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Pool{parallelism: parallelism, chainID: chainID}
}

// SubmitBlock starts precompute for a whole block: the transactions are
// split into ceil(N/P) chunks processed concurrently, and the block's
// signee recovery and merkle root run alongside them.
func (p *Pool) SubmitBlock(ctx context.Context, block *types.Block, opts Options) *Join {
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(p.parallelism + 2)

	if n := len(block.Transactions); n > 0 {
		chunk := (n + p.parallelism - 1) / p.parallelism
		for base := 0; base < n; base += chunk {
			end := base + chunk
			if end > n {
				end = n
			}
			txs := block.Transactions[base:end]
			group.Go(func() error {
				return p.precomputeTransactions(txs, opts)
			})
		}
	}

	if opts.RecoverSignee {
		group.Go(func() error {
			_, err := block.Signee(p.chainID)
			return err
		})
	}
	if opts.ComputeMerkle {
		group.Go(func() error {
			_, err := block.CalculateMerkleRoot()
			return err
		})
	}

	return &Join{group: group}
}

// SubmitTransaction starts precompute for a single pending transaction on
// one background worker. The next push of that transaction consumes the
// memoised results.
func (p *Pool) SubmitTransaction(ctx context.Context, tx *types.SignedTransaction, opts Options) *Join {
	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.precomputeOne(tx, opts)
	})
	return &Join{group: group}
}

// =============================================================================

func (p *Pool) precomputeTransactions(txs []*types.ProcessedTransaction, opts Options) error {
	for _, ptx := range txs {
		if err := p.precomputeOne(ptx.SignedTransaction, opts); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) precomputeOne(tx *types.SignedTransaction, opts Options) error {
	if opts.Validate {
		if err := tx.Validate(); err != nil {
			return err
		}
	}
	if opts.ComputeIDs {
		tx.ID()
	}
	if opts.RecoverSignatures {
		if _, err := tx.SignatureKeys(p.chainID); err != nil {
			return err
		}
	}
	return nil
}
