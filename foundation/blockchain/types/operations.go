package types

import (
	"errors"
	"fmt"

	"github.com/stakeforge/blockchain/foundation/blockchain/signature"
)

// OpTag is the stable wire tag of an operation variant. The tag set is
// frozen per protocol version; adding a tag is a protocol change.
type OpTag uint16

// The closed operation set. FillOrder is virtual: it is never carried in a
// transaction, only produced by the order matching engine.
const (
	OpTransfer OpTag = iota
	OpLimitOrderCreate
	OpLimitOrderCancel
	OpAccountCreate
	OpAccountUpdate
	OpWitnessUpdate
	OpProposalCreate
	OpFillOrder
)

// ErrUnknownOperation is returned when decoding meets a tag outside the
// frozen set.
var ErrUnknownOperation = errors.New("unknown operation tag")

// =============================================================================

// Operation is one variant of the closed, versioned operation set. Tag
// dispatch replaces open polymorphism so the set stays frozen per protocol
// version.
type Operation interface {
	Tag() OpTag

	// Validate performs static, stateless checks on the operation.
	Validate() error

	// Authorities appends the accounts whose active (or owner) authority
	// must sign for this operation.
	Authorities(active *[]AccountID, owner *[]AccountID)

	marshalBody(enc *Encoder)
	unmarshalBody(dec *Decoder)
}

// operationMakers is the frozen constructor table indexed by tag.
var operationMakers = [...]func() Operation{
	OpTransfer:         func() Operation { return &TransferOperation{} },
	OpLimitOrderCreate: func() Operation { return &LimitOrderCreateOperation{} },
	OpLimitOrderCancel: func() Operation { return &LimitOrderCancelOperation{} },
	OpAccountCreate:    func() Operation { return &AccountCreateOperation{} },
	OpAccountUpdate:    func() Operation { return &AccountUpdateOperation{} },
	OpWitnessUpdate:    func() Operation { return &WitnessUpdateOperation{} },
	OpProposalCreate:   func() Operation { return &ProposalCreateOperation{} },
	OpFillOrder:        func() Operation { return &FillOrderOperation{} },
}

// OperationCount is the number of tags in the frozen set.
const OperationCount = len(operationMakers)

// MarshalOperation appends the tagged wire form of the operation.
func MarshalOperation(enc *Encoder, op Operation) {
	enc.WriteUint16(uint16(op.Tag()))
	op.marshalBody(enc)
}

// UnmarshalOperation consumes one tagged operation.
func UnmarshalOperation(dec *Decoder) (Operation, error) {
	tag := OpTag(dec.ReadUint16())
	if dec.Err() != nil {
		return nil, dec.Err()
	}
	if int(tag) >= OperationCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, tag)
	}

	op := operationMakers[tag]()
	op.unmarshalBody(dec)
	if dec.Err() != nil {
		return nil, dec.Err()
	}

	return op, nil
}

// =============================================================================

// TransferOperation moves an amount of an asset between two accounts.
type TransferOperation struct {
	Fee    AssetAmount
	From   AccountID
	To     AccountID
	Amount AssetAmount
}

// Tag returns the operation's wire tag.
func (op *TransferOperation) Tag() OpTag { return OpTransfer }

// Validate performs static checks on the transfer.
func (op *TransferOperation) Validate() error {
	if op.Amount.Amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", op.Amount.Amount)
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	if op.From == op.To {
		return errors.New("transfer from an account to itself")
	}
	return nil
}

// Authorities reports the transfer requires the sender's active authority.
func (op *TransferOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.From)
}

func (op *TransferOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.From))
	enc.WriteUvarint(uint64(op.To))
	op.Amount.marshal(enc)
}

func (op *TransferOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.From = AccountID(dec.ReadUvarint())
	op.To = AccountID(dec.ReadUvarint())
	op.Amount.unmarshal(dec)
}

// =============================================================================

// LimitOrderCreateOperation places an order to sell one asset for another
// at a limit price. The order rests on the book until matched, cancelled,
// or expired.
type LimitOrderCreateOperation struct {
	Fee          AssetAmount
	Seller       AccountID
	AmountToSell AssetAmount
	MinToReceive AssetAmount
	Expiration   uint32
	FillOrKill   bool
}

// Tag returns the operation's wire tag.
func (op *LimitOrderCreateOperation) Tag() OpTag { return OpLimitOrderCreate }

// Validate performs static checks on the order.
func (op *LimitOrderCreateOperation) Validate() error {
	if op.AmountToSell.Amount <= 0 {
		return fmt.Errorf("amount to sell must be positive, got %d", op.AmountToSell.Amount)
	}
	if op.MinToReceive.Amount <= 0 {
		return fmt.Errorf("min to receive must be positive, got %d", op.MinToReceive.Amount)
	}
	if op.AmountToSell.AssetID == op.MinToReceive.AssetID {
		return errors.New("order must trade two distinct assets")
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	return nil
}

// Authorities reports the order requires the seller's active authority.
func (op *LimitOrderCreateOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.Seller)
}

// Market returns the order's market pair ordered (lower id, higher id).
func (op *LimitOrderCreateOperation) Market() (AssetID, AssetID) {
	a, b := op.AmountToSell.AssetID, op.MinToReceive.AssetID
	if a > b {
		a, b = b, a
	}
	return a, b
}

func (op *LimitOrderCreateOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.Seller))
	op.AmountToSell.marshal(enc)
	op.MinToReceive.marshal(enc)
	enc.WriteUint32(op.Expiration)
	enc.WriteBool(op.FillOrKill)
}

func (op *LimitOrderCreateOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.Seller = AccountID(dec.ReadUvarint())
	op.AmountToSell.unmarshal(dec)
	op.MinToReceive.unmarshal(dec)
	op.Expiration = dec.ReadUint32()
	op.FillOrKill = dec.ReadBool()
}

// =============================================================================

// LimitOrderCancelOperation removes a resting order and refunds the
// remaining balance to the seller.
type LimitOrderCancelOperation struct {
	Fee              AssetAmount
	FeePayingAccount AccountID
	Order            OrderID
}

// Tag returns the operation's wire tag.
func (op *LimitOrderCancelOperation) Tag() OpTag { return OpLimitOrderCancel }

// Validate performs static checks on the cancel.
func (op *LimitOrderCancelOperation) Validate() error {
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	return nil
}

// Authorities reports the cancel requires the fee payer's active authority.
func (op *LimitOrderCancelOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.FeePayingAccount)
}

func (op *LimitOrderCancelOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.FeePayingAccount))
	enc.WriteUvarint(uint64(op.Order))
}

func (op *LimitOrderCancelOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.FeePayingAccount = AccountID(dec.ReadUvarint())
	op.Order = OrderID(dec.ReadUvarint())
}

// =============================================================================

// AccountCreateOperation registers a new account with its starting owner
// and active authorities.
type AccountCreateOperation struct {
	Fee       AssetAmount
	Registrar AccountID
	Name      string
	Owner     Authority
	Active    Authority
}

// Tag returns the operation's wire tag.
func (op *AccountCreateOperation) Tag() OpTag { return OpAccountCreate }

// Validate performs static checks on the creation.
func (op *AccountCreateOperation) Validate() error {
	if op.Name == "" {
		return errors.New("account name must not be empty")
	}
	if len(op.Name) > 63 {
		return fmt.Errorf("account name too long: %d bytes", len(op.Name))
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	if err := op.Owner.Validate(); err != nil {
		return fmt.Errorf("owner authority: %w", err)
	}
	if err := op.Active.Validate(); err != nil {
		return fmt.Errorf("active authority: %w", err)
	}
	return nil
}

// Authorities reports the creation requires the registrar's active authority.
func (op *AccountCreateOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.Registrar)
}

func (op *AccountCreateOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.Registrar))
	enc.WriteString(op.Name)
	op.Owner.marshal(enc)
	op.Active.marshal(enc)
}

func (op *AccountCreateOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.Registrar = AccountID(dec.ReadUvarint())
	op.Name = dec.ReadString()
	op.Owner.unmarshal(dec)
	op.Active.unmarshal(dec)
}

// =============================================================================

// AccountUpdateOperation replaces an account's authorities. Updating the
// owner authority requires the owner authority to sign.
type AccountUpdateOperation struct {
	Fee     AssetAmount
	Account AccountID
	Owner   *Authority
	Active  *Authority
}

// Tag returns the operation's wire tag.
func (op *AccountUpdateOperation) Tag() OpTag { return OpAccountUpdate }

// Validate performs static checks on the update.
func (op *AccountUpdateOperation) Validate() error {
	if op.Owner == nil && op.Active == nil {
		return errors.New("account update changes nothing")
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	if op.Owner != nil {
		if err := op.Owner.Validate(); err != nil {
			return fmt.Errorf("owner authority: %w", err)
		}
	}
	if op.Active != nil {
		if err := op.Active.Validate(); err != nil {
			return fmt.Errorf("active authority: %w", err)
		}
	}
	return nil
}

// Authorities reports owner authority when the owner changes, active
// authority otherwise.
func (op *AccountUpdateOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	if op.Owner != nil {
		*owner = append(*owner, op.Account)
		return
	}
	*active = append(*active, op.Account)
}

func (op *AccountUpdateOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.Account))
	enc.WriteBool(op.Owner != nil)
	if op.Owner != nil {
		op.Owner.marshal(enc)
	}
	enc.WriteBool(op.Active != nil)
	if op.Active != nil {
		op.Active.marshal(enc)
	}
}

func (op *AccountUpdateOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.Account = AccountID(dec.ReadUvarint())
	op.Owner = nil
	if dec.ReadBool() {
		op.Owner = &Authority{}
		op.Owner.unmarshal(dec)
	}
	op.Active = nil
	if dec.ReadBool() {
		op.Active = &Authority{}
		op.Active.unmarshal(dec)
	}
}

// =============================================================================

// WitnessUpdateOperation rotates a witness's block signing key.
type WitnessUpdateOperation struct {
	Fee            AssetAmount
	Witness        WitnessID
	WitnessAccount AccountID
	NewSigningKey  signature.PublicKey
}

// Tag returns the operation's wire tag.
func (op *WitnessUpdateOperation) Tag() OpTag { return OpWitnessUpdate }

// Validate performs static checks on the update.
func (op *WitnessUpdateOperation) Validate() error {
	if op.NewSigningKey.IsZero() {
		return errors.New("new signing key must not be zero")
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	return nil
}

// Authorities reports the update requires the witness account's active
// authority.
func (op *WitnessUpdateOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.WitnessAccount)
}

func (op *WitnessUpdateOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.Witness))
	enc.WriteUvarint(uint64(op.WitnessAccount))
	enc.WriteRaw(op.NewSigningKey[:])
}

func (op *WitnessUpdateOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.Witness = WitnessID(dec.ReadUvarint())
	op.WitnessAccount = AccountID(dec.ReadUvarint())
	copy(op.NewSigningKey[:], dec.ReadRaw(len(op.NewSigningKey)))
}

// =============================================================================

// ProposalCreateOperation stores a transaction to be executed later, once
// every required authority has approved it. When the proposer alone
// satisfies all authorities the proposal executes immediately inside a
// nested undo session.
type ProposalCreateOperation struct {
	Fee              AssetAmount
	FeePayingAccount AccountID
	ProposedOps      []Operation
	ExpirationTime   uint32
}

// Tag returns the operation's wire tag.
func (op *ProposalCreateOperation) Tag() OpTag { return OpProposalCreate }

// Validate performs static checks on the proposal and its inner operations.
func (op *ProposalCreateOperation) Validate() error {
	if len(op.ProposedOps) == 0 {
		return errors.New("proposal contains no operations")
	}
	if op.Fee.Amount < 0 {
		return fmt.Errorf("fee must not be negative, got %d", op.Fee.Amount)
	}
	for i, inner := range op.ProposedOps {
		if inner.Tag() == OpProposalCreate {
			// Nested proposals are allowed; the nesting guard in the
			// evaluator bounds the recursion depth at apply time.
			continue
		}
		if inner.Tag() == OpFillOrder {
			return fmt.Errorf("operation %d: virtual operations cannot be proposed", i)
		}
		if err := inner.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Authorities reports the proposal itself requires only the fee payer's
// active authority. The inner operations' authorities are collected when
// the proposal executes.
func (op *ProposalCreateOperation) Authorities(active *[]AccountID, owner *[]AccountID) {
	*active = append(*active, op.FeePayingAccount)
}

func (op *ProposalCreateOperation) marshalBody(enc *Encoder) {
	op.Fee.marshal(enc)
	enc.WriteUvarint(uint64(op.FeePayingAccount))
	enc.WriteUvarint(uint64(len(op.ProposedOps)))
	for _, inner := range op.ProposedOps {
		MarshalOperation(enc, inner)
	}
	enc.WriteUint32(op.ExpirationTime)
}

func (op *ProposalCreateOperation) unmarshalBody(dec *Decoder) {
	op.Fee.unmarshal(dec)
	op.FeePayingAccount = AccountID(dec.ReadUvarint())
	n := dec.ReadCount()
	op.ProposedOps = nil
	for i := 0; i < n; i++ {
		inner, err := UnmarshalOperation(dec)
		if err != nil {
			return
		}
		op.ProposedOps = append(op.ProposedOps, inner)
	}
	op.ExpirationTime = dec.ReadUint32()
}

// =============================================================================

// FillOrderOperation records a (partial) fill of a resting order. It is
// produced by the matching engine as a virtual operation and never appears
// inside a transaction.
type FillOrderOperation struct {
	Order    OrderID
	Account  AccountID
	Pays     AssetAmount
	Receives AssetAmount
}

// Tag returns the operation's wire tag.
func (op *FillOrderOperation) Tag() OpTag { return OpFillOrder }

// Validate rejects the virtual operation inside a transaction.
func (op *FillOrderOperation) Validate() error {
	return errors.New("fill order is a virtual operation")
}

// Authorities reports no signing requirement; the operation is produced,
// never submitted.
func (op *FillOrderOperation) Authorities(active *[]AccountID, owner *[]AccountID) {}

func (op *FillOrderOperation) marshalBody(enc *Encoder) {
	enc.WriteUvarint(uint64(op.Order))
	enc.WriteUvarint(uint64(op.Account))
	op.Pays.marshal(enc)
	op.Receives.marshal(enc)
}

func (op *FillOrderOperation) unmarshalBody(dec *Decoder) {
	op.Order = OrderID(dec.ReadUvarint())
	op.Account = AccountID(dec.ReadUvarint())
	op.Pays.unmarshal(dec)
	op.Receives.unmarshal(dec)
}

// =============================================================================

// ResultKind discriminates the OperationResult variant.
type ResultKind uint8

// The operation result variants.
const (
	ResultVoid ResultKind = iota
	ResultObject
	ResultAsset
)

// OperationResult is what an evaluator produced for one operation: nothing,
// the id of a created object, or an asset amount.
type OperationResult struct {
	Kind   ResultKind
	Object uint64
	Amount AssetAmount
}

// ObjectResult constructs a result carrying a created object id.
func ObjectResult(instance uint64) OperationResult {
	return OperationResult{Kind: ResultObject, Object: instance}
}

// AssetResult constructs a result carrying an asset amount.
func AssetResult(amount AssetAmount) OperationResult {
	return OperationResult{Kind: ResultAsset, Amount: amount}
}

func (r OperationResult) marshal(enc *Encoder) {
	enc.WriteUint8(uint8(r.Kind))
	switch r.Kind {
	case ResultObject:
		enc.WriteUvarint(r.Object)
	case ResultAsset:
		r.Amount.marshal(enc)
	}
}

func (r *OperationResult) unmarshal(dec *Decoder) {
	r.Kind = ResultKind(dec.ReadUint8())
	switch r.Kind {
	case ResultObject:
		r.Object = dec.ReadUvarint()
	case ResultAsset:
		r.Amount.unmarshal(dec)
	}
}
