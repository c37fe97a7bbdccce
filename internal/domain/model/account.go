package model

import (
	"github.com/shopspring/decimal"
)

// Account is the authoritative account snapshot returned by the node
// alongside every log query.
type Account struct {
	Address   Address         `json:"address"`
	Node      FlexInt         `json:"node"`
	ID        FlexInt         `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Status    string          `json:"status,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
	Msid      FlexInt         `json:"msid,omitempty"`
	Time      FlexInt         `json:"time,omitempty"`
}

// NodeID returns the account's node as an int.
func (a Account) NodeID() int {
	return int(a.Node)
}
