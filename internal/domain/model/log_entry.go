package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedEntry marks a log entry of a known type that lacks a field
	// its accounting rule needs. It is fatal for the check in progress.
	ErrMalformedEntry = errors.New("malformed log entry")
)

// EntryType is the string tag of a log entry.
type EntryType string

const (
	EntryCreateAccount      EntryType = "create_account"
	EntrySendOne            EntryType = "send_one"
	EntrySendMany           EntryType = "send_many"
	EntryBroadcast          EntryType = "broadcast"
	EntryRetrieveFunds      EntryType = "retrieve_funds"
	EntryCreateNode         EntryType = "create_node"
	EntryDividend           EntryType = "dividend"
	EntryNodeStarted        EntryType = "node_started"
	EntryBankProfit         EntryType = "bank_profit"
	EntryAccountCreated     EntryType = "account_created"
	EntryChangeAccountKey   EntryType = "change_account_key"
	EntryChangeNodeKey      EntryType = "change_node_key"
	EntrySetAccountStatus   EntryType = "set_account_status"
	EntryUnsetAccountStatus EntryType = "unset_account_status"
	EntrySetNodeStatus      EntryType = "set_node_status"
	EntryUnsetNodeStatus    EntryType = "unset_node_status"
)

// Sub-codes that split one entry type into request and response records.
const (
	TypeNoRetrieveFundsResponse = 8
	TypeNoRetrieveFundsRequest  = 32776
	TypeNoCreateNodeAccepted    = 7
	TypeNoCreateNodeRequest     = 32775
)

// Direction of a transfer-like entry relative to the queried account.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// EntryBody is the typed payload of a log entry. The set of implementations
// is closed; AmountOf switches over it.
type EntryBody interface {
	entryBody()
}

// TransferBody covers entries whose amount is the signed transfer value and
// whose sender pays sender_fee on the outgoing side.
type TransferBody struct {
	Amount    decimal.Decimal
	SenderFee decimal.Decimal
	Inout     Direction
}

// DividendBody is a periodic dividend credited to the account.
type DividendBody struct {
	Dividend decimal.Decimal
}

// NodeStartedBody reports the balance the node restored on startup, plus a
// dividend when one was paid at the same time.
type NodeStartedBody struct {
	AccountBalance decimal.Decimal
	Dividend       *decimal.Decimal
}

// BankProfitBody is a node's periodic profit record.
type BankProfitBody struct {
	Node         *int
	Profit       decimal.Decimal
	Fee          *decimal.Decimal
	ProfitShared *decimal.Decimal
	BlockID      string
}

// AccountCreatedBody reports the outcome of a remote account creation. A
// present amount is the refund of a failed request.
type AccountCreatedBody struct {
	Amount *decimal.Decimal
	Failed bool
}

// NodeRequestBody is an accepted create_node request with no immediate
// balance effect.
type NodeRequestBody struct{}

// NettedAmountBody carries an amount that already includes the sender fee.
type NettedAmountBody struct {
	Amount decimal.Decimal
}

// StatusChangeBody covers status bit and node key changes: only the sender
// pays, and only its fee.
type StatusChangeBody struct {
	Inout     Direction
	SenderFee decimal.Decimal
	Status    string
}

// UnknownBody is any (type, type_no) pair not in the classification table.
type UnknownBody struct{}

func (TransferBody) entryBody()       {}
func (DividendBody) entryBody()       {}
func (NodeStartedBody) entryBody()    {}
func (BankProfitBody) entryBody()     {}
func (AccountCreatedBody) entryBody() {}
func (NodeRequestBody) entryBody()    {}
func (NettedAmountBody) entryBody()   {}
func (StatusChangeBody) entryBody()   {}
func (UnknownBody) entryBody()        {}

// LogEntry is one immutable ledger event as seen from the queried account.
type LogEntry struct {
	Type   EntryType
	TypeNo int64
	Time   int64
	Body   EntryBody

	fields map[string]json.RawMessage
}

// NewLogEntry builds an entry from loose fields, going through the same
// decoding path as the wire format.
func NewLogEntry(fields map[string]any) (LogEntry, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return LogEntry{}, fmt.Errorf("marshal log entry: %w", err)
	}
	var e LogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return LogEntry{}, err
	}
	return e, nil
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: entry is not an object", ErrMalformedEntry)
	}

	decoded := LogEntry{fields: fields}
	typ, ok := scalarString(fields["type"])
	if !ok || typ == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEntry)
	}
	decoded.Type = EntryType(typ)

	if raw, ok := fields["type_no"]; ok {
		var n FlexInt
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("%w: %s type_no: %v", ErrMalformedEntry, typ, err)
		}
		decoded.TypeNo = int64(n)
	}

	rawTime, ok := fields["time"]
	if !ok {
		return fmt.Errorf("%w: %s missing time", ErrMalformedEntry, typ)
	}
	var ts FlexInt
	if err := json.Unmarshal(rawTime, &ts); err != nil {
		return fmt.Errorf("%w: %s time: %v", ErrMalformedEntry, typ, err)
	}
	decoded.Time = int64(ts)

	body, err := decoded.decodeBody()
	if err != nil {
		return fmt.Errorf("%w: %s/%d: %v", ErrMalformedEntry, typ, decoded.TypeNo, err)
	}
	decoded.Body = body

	*e = decoded
	return nil
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	if e.fields == nil {
		return json.Marshal(map[string]any{
			"type":    e.Type,
			"type_no": e.TypeNo,
			"time":    e.Time,
		})
	}
	return json.Marshal(e.fields)
}

func (e LogEntry) decodeBody() (EntryBody, error) {
	switch e.Type {
	case EntryCreateAccount, EntrySendOne, EntrySendMany, EntryBroadcast:
		return e.transferBody()

	case EntryRetrieveFunds:
		switch e.TypeNo {
		case TypeNoRetrieveFundsResponse:
			return e.transferBody()
		case TypeNoRetrieveFundsRequest:
			return e.nettedBody()
		}

	case EntryCreateNode:
		switch e.TypeNo {
		case TypeNoCreateNodeAccepted:
			return e.transferBody()
		case TypeNoCreateNodeRequest:
			return NodeRequestBody{}, nil
		}

	case EntryChangeAccountKey:
		return e.nettedBody()

	case EntryDividend:
		d, err := e.requiredDecimal("dividend")
		if err != nil {
			return nil, err
		}
		return DividendBody{Dividend: d}, nil

	case EntryNodeStarted:
		balance, err := e.requiredDecimal("account.balance")
		if err != nil {
			return nil, err
		}
		dividend, err := e.optionalDecimal("dividend")
		if err != nil {
			return nil, err
		}
		return NodeStartedBody{AccountBalance: balance, Dividend: dividend}, nil

	case EntryBankProfit:
		return e.bankProfitBody()

	case EntryAccountCreated:
		amount, err := e.optionalDecimal("amount")
		if err != nil {
			return nil, err
		}
		request, _ := e.Field("request")
		return AccountCreatedBody{Amount: amount, Failed: amount != nil || strings.EqualFold(request, "failed")}, nil

	case EntrySetAccountStatus, EntryUnsetAccountStatus,
		EntrySetNodeStatus, EntryUnsetNodeStatus, EntryChangeNodeKey:
		inout := e.direction()
		body := StatusChangeBody{Inout: inout}
		body.Status, _ = e.Field("status")
		if inout == DirectionOut {
			fee, err := e.requiredDecimal("sender_fee")
			if err != nil {
				return nil, err
			}
			body.SenderFee = fee
		}
		return body, nil
	}

	return UnknownBody{}, nil
}

func (e LogEntry) transferBody() (EntryBody, error) {
	amount, err := e.requiredDecimal("amount")
	if err != nil {
		return nil, err
	}
	body := TransferBody{Amount: amount, Inout: e.direction()}
	if body.Inout == DirectionOut {
		fee, err := e.requiredDecimal("sender_fee")
		if err != nil {
			return nil, err
		}
		body.SenderFee = fee
	}
	return body, nil
}

func (e LogEntry) nettedBody() (EntryBody, error) {
	amount, err := e.requiredDecimal("amount")
	if err != nil {
		return nil, err
	}
	return NettedAmountBody{Amount: amount}, nil
}

func (e LogEntry) bankProfitBody() (EntryBody, error) {
	profit, err := e.requiredDecimal("profit")
	if err != nil {
		return nil, err
	}
	body := BankProfitBody{Profit: profit}
	if body.Fee, err = e.optionalDecimal("fee"); err != nil {
		return nil, err
	}
	if body.ProfitShared, err = e.optionalDecimal("profit_shared"); err != nil {
		return nil, err
	}
	if raw, ok := e.fields["node"]; ok {
		var n FlexInt
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("node: %v", err)
		}
		node := int(n)
		body.Node = &node
	}
	body.BlockID, _ = e.Field("block_id")
	return body, nil
}

func (e LogEntry) direction() Direction {
	v, _ := e.Field("inout")
	return Direction(strings.ToLower(v))
}

func (e LogEntry) requiredDecimal(path string) (decimal.Decimal, error) {
	d, err := e.optionalDecimal(path)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, fmt.Errorf("missing %s", path)
	}
	return *d, nil
}

func (e LogEntry) optionalDecimal(path string) (*decimal.Decimal, error) {
	s, ok := e.Field(path)
	if !ok {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return &d, nil
}

// Field returns the scalar value at a dotted path ("amount",
// "account.balance") in the node's own textual rendering.
func (e LogEntry) Field(path string) (string, bool) {
	raw, ok := e.lookup(path)
	if !ok {
		return "", false
	}
	return scalarString(raw)
}

// Has reports whether the path is present, scalar or not.
func (e LogEntry) Has(path string) bool {
	_, ok := e.lookup(path)
	return ok
}

func (e LogEntry) lookup(path string) (json.RawMessage, bool) {
	fields := e.fields
	parts := strings.Split(path, ".")
	for i, part := range parts {
		raw, ok := fields[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				return nil, false
			}
			return raw, true
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, false
		}
		fields = nested
	}
	return nil, false
}
