package fee

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Scale is the number of fractional digits the ledger keeps for amounts.
const Scale int32 = 11

// Constants is the fee table of the ledger. It is loaded once and never
// modified afterwards.
type Constants struct {
	MinTxFee                  decimal.Decimal `yaml:"min_tx_fee"`
	MinMultiTxPerRecipient    decimal.Decimal `yaml:"min_multi_tx_per_recipient"`
	LocalTransferCoefficient  decimal.Decimal `yaml:"local_transfer_coefficient"`
	RemoteTransferCoefficient decimal.Decimal `yaml:"remote_transfer_coefficient"`
	MultiTransferCoefficient  decimal.Decimal `yaml:"multi_transfer_coefficient"`
	BroadcastFeePerByte       decimal.Decimal `yaml:"broadcast_fee_per_byte"`
	BroadcastFreeBytes        int             `yaml:"broadcast_free_bytes"`
	CreateAccountFee          decimal.Decimal `yaml:"create_account_fee"`
	CreateRemoteAccountFee    decimal.Decimal `yaml:"create_remote_account_fee"`
	CreateNodeFee             decimal.Decimal `yaml:"create_node_fee"`
	ChangeAccountKeyFee       decimal.Decimal `yaml:"change_account_key_fee"`
	ChangeNodeKeyFee          decimal.Decimal `yaml:"change_node_key_fee"`
	AccountStatusFee          decimal.Decimal `yaml:"account_status_fee"`
	NodeStatusFee             decimal.Decimal `yaml:"node_status_fee"`
	RetrieveRequestFee        decimal.Decimal `yaml:"retrieve_request_fee"`
	RetrieveFeeRate           decimal.Decimal `yaml:"retrieve_fee_rate"`
	MinUserBalance            decimal.Decimal `yaml:"min_user_balance"`
	MinNodeBalance            decimal.Decimal `yaml:"min_node_balance"`
	MultiRecipientFloorCount  int             `yaml:"multi_recipient_floor_count"`
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultConstants returns the fee table of the reference ledger build.
func DefaultConstants() Constants {
	return Constants{
		MinTxFee:                  d("0.00000010000"),
		MinMultiTxPerRecipient:    d("0.00000001000"),
		LocalTransferCoefficient:  d("0.0005"),
		RemoteTransferCoefficient: d("0.0005"),
		MultiTransferCoefficient:  d("0.0005"),
		BroadcastFeePerByte:       d("0.00000010000"),
		BroadcastFreeBytes:        32,
		CreateAccountFee:          d("0.00010000000"),
		CreateRemoteAccountFee:    d("0.00100000000"),
		CreateNodeFee:             d("1000"),
		ChangeAccountKeyFee:       d("0.00000010000"),
		ChangeNodeKeyFee:          d("0.00000010000"),
		AccountStatusFee:          d("0.00000010000"),
		NodeStatusFee:             d("0.00000010000"),
		RetrieveRequestFee:        d("0.00000010000"),
		RetrieveFeeRate:           d("0.001"),
		MinUserBalance:            d("0.00020000000"),
		MinNodeBalance:            d("20000"),
		MultiRecipientFloorCount:  10,
	}
}

// LoadConstants returns the default table overridden by the non-empty
// entries of the YAML file at path. An empty path yields the defaults.
func LoadConstants(path string) (Constants, error) {
	c := DefaultConstants()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Constants{}, fmt.Errorf("read fee constants: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Constants{}, fmt.Errorf("parse fee constants %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Constants{}, fmt.Errorf("fee constants %s: %w", path, err)
	}
	return c, nil
}

func (c Constants) validate() error {
	for name, v := range map[string]decimal.Decimal{
		"min_tx_fee":                  c.MinTxFee,
		"min_multi_tx_per_recipient":  c.MinMultiTxPerRecipient,
		"local_transfer_coefficient":  c.LocalTransferCoefficient,
		"remote_transfer_coefficient": c.RemoteTransferCoefficient,
		"multi_transfer_coefficient":  c.MultiTransferCoefficient,
		"broadcast_fee_per_byte":      c.BroadcastFeePerByte,
		"retrieve_fee_rate":           c.RetrieveFeeRate,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.BroadcastFreeBytes < 0 {
		return fmt.Errorf("broadcast_free_bytes must not be negative")
	}
	if c.MultiRecipientFloorCount < 1 {
		return fmt.Errorf("multi_recipient_floor_count must be positive")
	}
	return nil
}
