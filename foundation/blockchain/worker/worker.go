// Package worker implements block production for a configured witness. A
// single goroutine watches the slot clock and asks the chain state to
// generate a block whenever the local witness owns the current slot.
package worker

import (
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"github.com/stakeforge/blockchain/foundation/blockchain/forkdb"
	"github.com/stakeforge/blockchain/foundation/blockchain/state"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// tickInterval is how often the production loop checks the slot clock. It
// is intentionally finer than the block interval so a slot is never missed
// by more than a fraction of a second.
const tickInterval = 250 * time.Millisecond

// =============================================================================

// Worker manages the block production workflow for one witness.
type Worker struct {
	state      *state.State
	witnessID  types.WitnessID
	signingKey *ecdsa.PrivateKey
	evHandler  state.EventHandler
	wg         sync.WaitGroup
	shut       chan struct{}

	lastSlotTime uint32
}

// Run constructs a worker and starts the production loop.
func Run(st *state.State, witnessID types.WitnessID, signingKey *ecdsa.PrivateKey, evHandler state.EventHandler) *Worker {
	w := Worker{
		state:      st,
		witnessID:  witnessID,
		signingKey: signingKey,
		evHandler:  evHandler,
		shut:       make(chan struct{}),
	}

	w.wg.Add(1)
	go w.productionOperations()

	return &w
}

// Shutdown terminates the goroutine performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	close(w.shut)
	w.wg.Wait()
}

// =============================================================================

// productionOperations watches the slot clock.
func (w *Worker) productionOperations() {
	w.evHandler("worker: productionOperations: G started")
	defer w.evHandler("worker: productionOperations: G completed")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.maybeProduce()
		case <-w.shut:
			w.evHandler("worker: productionOperations: received shut signal")
			return
		}
	}
}

// maybeProduce generates a block when the wall clock has entered a slot
// assigned to the local witness.
func (w *Worker) maybeProduce() {
	now := uint32(time.Now().UTC().Unix())

	slot := w.state.SlotAtTime(now)
	if slot == 0 {
		return
	}

	slotTime := w.state.SlotTime(slot)
	if slotTime == w.lastSlotTime {
		return
	}
	if w.state.ScheduledWitness(slot) != w.witnessID {
		return
	}

	w.lastSlotTime = slotTime

	block, err := w.state.GenerateBlock(slotTime, w.witnessID, w.signingKey, state.SkipNothing)
	if err != nil {
		if errors.Is(err, forkdb.ErrDuplicateBlock) {
			return
		}
		w.evHandler("worker: maybeProduce: ERROR: %s", err)
		return
	}

	w.evHandler("worker: maybeProduce: produced block: num[%d] blk[%s] txs[%d]", block.BlockNum(), block.ID(), len(block.Transactions))
}
