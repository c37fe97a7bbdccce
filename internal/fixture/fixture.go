package fixture

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/ledgerclient"
	"gopkg.in/yaml.v3"
)

// ErrNoAccount is returned when no fixture account satisfies a lookup.
var ErrNoAccount = errors.New("no matching fixture account")

// Account is one funded test account and the key material needed to sign
// commands for it.
type Account struct {
	Address   model.Address `yaml:"address"`
	Secret    string        `yaml:"secret"`
	PublicKey string        `yaml:"public_key"`
	Roles     []string      `yaml:"roles"`
}

// Node returns the id of the node holding the account.
func (a Account) Node() int {
	n, _ := a.Address.Node()
	return n
}

// IsNode reports whether the account is its node's own (bank) account.
func (a Account) IsNode() bool {
	id, err := a.Address.UserID()
	return err == nil && id == 0
}

// HasRole reports whether the account carries the named role.
func (a Account) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Signer returns the credentials used to issue commands as this account.
func (a Account) Signer() ledgerclient.Signer {
	return ledgerclient.Signer{Address: a.Address, Secret: a.Secret}
}

type document struct {
	Accounts []Account `yaml:"accounts"`
}

// Set is an immutable collection of fixture accounts ordered by address.
type Set struct {
	accounts  []Account
	byAddress map[model.Address]int
}

// Load reads a YAML account list from path.
func Load(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	set, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fixtures %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates a YAML account list.
func Parse(raw []byte) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Accounts) == 0 {
		return nil, errors.New("no accounts")
	}

	set := &Set{byAddress: make(map[model.Address]int, len(doc.Accounts))}
	for i, acc := range doc.Accounts {
		addr, err := model.ParseAddress(string(acc.Address))
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if acc.Secret == "" {
			return nil, fmt.Errorf("account %s: missing secret", addr)
		}
		if _, dup := set.byAddress[addr]; dup {
			return nil, fmt.Errorf("account %s listed twice", addr)
		}
		acc.Address = addr
		set.byAddress[addr] = -1
		set.accounts = append(set.accounts, acc)
	}

	sort.Slice(set.accounts, func(i, j int) bool { return set.accounts[i].Address < set.accounts[j].Address })
	for i, acc := range set.accounts {
		set.byAddress[acc.Address] = i
	}
	return set, nil
}

// All returns every account in address order.
func (s *Set) All() []Account {
	return append([]Account(nil), s.accounts...)
}

// Addresses returns every account address in order.
func (s *Set) Addresses() []model.Address {
	out := make([]model.Address, len(s.accounts))
	for i, acc := range s.accounts {
		out[i] = acc.Address
	}
	return out
}

// Get looks an account up by address.
func (s *Set) Get(addr model.Address) (Account, bool) {
	i, ok := s.byAddress[addr]
	if !ok {
		return Account{}, false
	}
	return s.accounts[i], true
}

// OnNode returns the accounts held by node.
func (s *Set) OnNode(node int) []Account {
	var out []Account
	for _, acc := range s.accounts {
		if acc.Node() == node {
			out = append(out, acc)
		}
	}
	return out
}

// Nodes returns the ids of the nodes holding at least one account.
func (s *Set) Nodes() []int {
	var nodes []int
	for _, acc := range s.accounts {
		if n := acc.Node(); len(nodes) == 0 || nodes[len(nodes)-1] != n {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// SameNode returns the first user account other than addr on addr's node.
func (s *Set) SameNode(addr model.Address) (Account, error) {
	return s.find(addr, func(acc Account) bool { return model.SameNode(acc.Address, addr) })
}

// OtherNode returns the first user account on a node other than addr's.
func (s *Set) OtherNode(addr model.Address) (Account, error) {
	return s.find(addr, func(acc Account) bool { return !model.SameNode(acc.Address, addr) })
}

func (s *Set) find(addr model.Address, keep func(Account) bool) (Account, error) {
	for _, acc := range s.accounts {
		if acc.Address == addr || acc.IsNode() || !keep(acc) {
			continue
		}
		return acc, nil
	}
	return Account{}, fmt.Errorf("%w for %s", ErrNoAccount, addr)
}
