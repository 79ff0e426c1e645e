// Package marketdata publishes order and balance updates to a UDP
// subscriber. It is a read-only observer downstream of block application:
// it owns its socket, its subscriber registration, and its asset
// whitelist, and it never blocks the chain state.
package marketdata

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/stakeforge/blockchain/foundation/blockchain/state"
	"github.com/stakeforge/blockchain/foundation/blockchain/store"
	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// The wire message types.
const (
	msgOrders   byte = 1
	msgBook     byte = 2
	msgBalances byte = 3
)

// bookDepth is how many levels of each book side a publish carries.
const bookDepth = 5

// maxDatagram bounds every published message.
const maxDatagram = 320

// Config represents the configuration required to start the publisher.
type Config struct {
	ListenAddr string
	Assets     []string
	State      *state.State
	EvHandler  state.EventHandler
}

// Publisher owns the UDP socket and the single subscriber registration.
// A subscriber datagram carries the account id to watch; each applied
// limit order create triggers an orders, book, and balances publish.
type Publisher struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	client    *net.UDPAddr
	account   types.AccountID
	canSend   bool
	assets    []string
	state     *state.State
	evHandler state.EventHandler
	wg        sync.WaitGroup
	shut      chan struct{}
}

// New binds the socket, starts the subscriber listener, and registers the
// publisher with the chain state's applied operation notifications.
func New(cfg Config) (*Publisher, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind market data socket: %w", err)
	}

	p := Publisher{
		conn:      conn,
		assets:    cfg.Assets,
		state:     cfg.State,
		evHandler: ev,
		shut:      make(chan struct{}),
	}

	p.wg.Add(1)
	go p.listen()

	cfg.State.SubscribeAppliedOperation(p.onAppliedOperation)

	return &p, nil
}

// Shutdown closes the socket and stops the listener.
func (p *Publisher) Shutdown() {
	close(p.shut)
	p.conn.Close()
	p.wg.Wait()
}

// listen records each subscriber datagram: the client address and the
// account id carried in the payload.
func (p *Publisher) listen() {
	defer p.wg.Done()

	buffer := make([]byte, 1024)
	for {
		n, from, err := p.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-p.shut:
				return
			default:
				p.evHandler("marketdata: listen: read: %s", err)
				continue
			}
		}
		if n < 8 {
			p.evHandler("marketdata: listen: short subscribe datagram: %d bytes", n)
			continue
		}

		account := types.AccountID(binary.LittleEndian.Uint64(buffer[:8]))

		p.mu.Lock()
		p.client = from
		p.account = account
		p.canSend = true
		p.mu.Unlock()

		p.evHandler("marketdata: listen: subscribed: account[%d] client[%s]", account, from)
	}
}

// =============================================================================

// onAppliedOperation inspects each applied operation for limit order
// creates. The market snapshot is taken during the callback, while the
// referenced state is valid; the sends happen on their own goroutine so
// block application never waits on the network.
func (p *Publisher) onAppliedOperation(entry state.AppliedOperation) {
	op, ok := entry.Op.(*types.LimitOrderCreateOperation)
	if !ok {
		return
	}

	p.mu.Lock()
	canSend := p.canSend
	account := p.account
	p.mu.Unlock()
	if !canSend {
		return
	}

	orders := packOrders(op)
	book := p.packBook(op)
	balances := p.packBalances(account)

	go func() {
		p.send(orders)
		p.send(book)
		p.send(balances)
	}()
}

// send delivers one datagram to the registered subscriber.
func (p *Publisher) send(payload []byte) {
	if payload == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canSend {
		return
	}

	if _, err := p.conn.WriteToUDP(payload, p.client); err != nil {
		p.evHandler("marketdata: send: %s", err)
	}
}

// =============================================================================
// Wire packing. All fields are little-endian.

// packOrders encodes message type 1: the orders a create produced.
func packOrders(op *types.LimitOrderCreateOperation) []byte {
	buf := make([]byte, 1, maxDatagram)
	buf[0] = msgOrders

	buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Seller))
	buf = binary.LittleEndian.AppendUint32(buf, 1)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(op.AmountToSell.AssetID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(op.AmountToSell.Amount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(op.MinToReceive.AssetID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(op.MinToReceive.Amount))

	return buf
}

// packBook encodes message type 2: the top levels of both sides of the
// order's market.
func (p *Publisher) packBook(op *types.LimitOrderCreateOperation) []byte {
	db := p.state.Store()

	base, quote := op.AmountToSell.AssetID, op.MinToReceive.AssetID
	baseAsset, err := db.Asset(base)
	if err != nil {
		return nil
	}
	quoteAsset, err := db.Asset(quote)
	if err != nil {
		return nil
	}

	buf := make([]byte, 1, maxDatagram)
	buf[0] = msgBook
	buf = appendString(buf, baseAsset.Symbol)
	buf = appendString(buf, quoteAsset.Symbol)

	buf = appendBookSide(buf, db.LimitOrdersSelling(quote, base))
	buf = appendBookSide(buf, db.LimitOrdersSelling(base, quote))

	return buf
}

// appendBookSide encodes one side of the book: count then price ratio and
// both amounts per level.
func appendBookSide(buf []byte, orders []*store.LimitOrderObject) []byte {
	count := len(orders)
	if count > bookDepth {
		count = bookDepth
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	for _, order := range orders[:count] {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(order.SellPrice.Base.Amount))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(order.SellPrice.Quote.Amount))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(order.ForSale))
	}
	return buf
}

// packBalances encodes message type 3: the subscribed account's balance
// across the configured asset whitelist.
func (p *Publisher) packBalances(account types.AccountID) []byte {
	db := p.state.Store()

	buf := make([]byte, 1, maxDatagram)
	buf[0] = msgBalances

	var entries []byte
	var count uint32
	for _, symbol := range p.assets {
		asset := db.FindAssetBySymbol(symbol)
		if asset == nil {
			continue
		}
		entries = appendString(entries, symbol)
		entries = binary.LittleEndian.AppendUint64(entries, uint64(db.Balance(account, asset.ID)))
		count++
	}

	buf = binary.LittleEndian.AppendUint32(buf, count)
	return append(buf, entries...)
}

// appendString encodes a length-prefixed string.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
