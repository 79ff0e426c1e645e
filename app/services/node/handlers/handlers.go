// Package handlers binds the public and debug HTTP surfaces of the node.
package handlers

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stakeforge/blockchain/foundation/blockchain/state"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
	"github.com/stakeforge/blockchain/foundation/events"
	"github.com/stakeforge/blockchain/foundation/metrics"
)

// MuxConfig contains all the mandatory dependencies for the handlers.
type MuxConfig struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// PublicMux constructs the mux for the public API.
func PublicMux(cfg MuxConfig) http.Handler {
	mux := httptreemux.NewContextMux()

	hdl := handlers{
		log:      cfg.Log,
		state:    cfg.State,
		evts:     cfg.Evts,
		validate: validator.New(),
	}

	mux.Handler(http.MethodGet, "/v1/node/status", http.HandlerFunc(hdl.status))
	mux.Handler(http.MethodGet, "/v1/blocks/:num", http.HandlerFunc(hdl.blockByNumber))
	mux.Handler(http.MethodGet, "/v1/accounts/:name", http.HandlerFunc(hdl.accountByName))
	mux.Handler(http.MethodPost, "/v1/tx/submit", http.HandlerFunc(hdl.submitTransaction))
	mux.Handler(http.MethodGet, "/v1/events", http.HandlerFunc(hdl.eventStream))

	return mux
}

// DebugMux constructs the mux for the debug API.
func DebugMux(mtr *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/metrics", mtr.Handler())
	return mux
}

// =============================================================================

type handlers struct {
	log      *zap.SugaredLogger
	state    *state.State
	evts     *events.Events
	validate *validator.Validate
}

func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	status := struct {
		HeadBlockNum  uint32 `json:"head_block_num"`
		HeadBlockID   string `json:"head_block_id"`
		HeadBlockTime uint32 `json:"head_block_time"`
		PendingCount  int    `json:"pending_count"`
	}{
		HeadBlockNum:  h.state.HeadBlockNum(),
		HeadBlockID:   h.state.HeadBlockID().String(),
		HeadBlockTime: h.state.HeadTime(),
		PendingCount:  len(h.state.PendingTransactions()),
	}

	respond(w, http.StatusOK, status)
}

func (h handlers) blockByNumber(w http.ResponseWriter, r *http.Request) {
	params := httptreemux.ContextParams(r.Context())

	num, err := strconv.ParseUint(params["num"], 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "block number must be numeric")
		return
	}

	block, err := h.state.FetchBlockByNumber(uint32(num))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if block == nil {
		respondError(w, http.StatusNotFound, "block not found")
		return
	}

	resp := struct {
		ID           string `json:"id"`
		Num          uint32 `json:"num"`
		Previous     string `json:"previous"`
		Timestamp    uint32 `json:"timestamp"`
		Witness      uint64 `json:"witness"`
		Transactions int    `json:"transactions"`
		Raw          string `json:"raw"`
	}{
		ID:           block.ID().String(),
		Num:          block.BlockNum(),
		Previous:     block.Previous.String(),
		Timestamp:    block.Timestamp,
		Witness:      uint64(block.Witness),
		Transactions: len(block.Transactions),
		Raw:          hex.EncodeToString(block.Marshal()),
	}

	respond(w, http.StatusOK, resp)
}

func (h handlers) accountByName(w http.ResponseWriter, r *http.Request) {
	params := httptreemux.ContextParams(r.Context())

	account := h.state.Store().FindAccountByName(params["name"])
	if account == nil {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}

	balances := make(map[string]int64)
	for _, asset := range []string{"CORE", "USD", "BTC"} {
		if a := h.state.Store().FindAssetBySymbol(asset); a != nil {
			balances[asset] = h.state.Store().Balance(account.ID, a.ID)
		}
	}

	resp := struct {
		ID       uint64           `json:"id"`
		Name     string           `json:"name"`
		Balances map[string]int64 `json:"balances"`
	}{
		ID:       uint64(account.ID),
		Name:     account.Name,
		Balances: balances,
	}

	respond(w, http.StatusOK, resp)
}

// submitTx is the payload for submitting a signed transaction, carried as
// the hex of its binary wire form.
type submitTx struct {
	TxHex string `json:"tx_hex" validate:"required,hexadecimal"`
}

func (h handlers) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var payload submitTx
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := hex.DecodeString(payload.TxHex)
	if err != nil {
		respondError(w, http.StatusBadRequest, "tx_hex is not valid hex")
		return
	}

	tx, err := types.UnmarshalSignedTransaction(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Run the expensive per-transaction work off the serialising lock; the
	// push below consumes the memoised results.
	if err := h.state.PrecomputeTransaction(r.Context(), tx).Wait(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ptx, err := h.state.PushTransaction(tx, state.SkipNothing)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := struct {
		TxID    string `json:"tx_id"`
		Results int    `json:"results"`
	}{
		TxID:    ptx.ID().String(),
		Results: len(ptx.OperationResults),
	}

	respond(w, http.StatusOK, resp)
}

// =============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventStream upgrades to a websocket and forwards chain events until the
// client disconnects.
func (h handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Infow("events", "status", "upgrade failed", "ERROR", err)
		return
	}
	defer conn.Close()

	id, ch := h.evts.Acquire()
	defer h.evts.Release(id)

	h.log.Infow("events", "status", "subscriber connected", "id", id)
	defer h.log.Infow("events", "status", "subscriber disconnected", "id", id)

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
}

// =============================================================================

func respond(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, msg string) {
	respond(w, statusCode, struct {
		Error string `json:"error"`
	}{Error: msg})
}
