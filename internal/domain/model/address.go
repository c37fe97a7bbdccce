package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a ledger account address in NNNN-UUUUUUUU-CCCC form, where
// NNNN is the hex id of the node that owns the account.
type Address string

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{4})-([0-9A-Fa-f]{8})-([0-9A-Fa-f]{4}|XXXX)$`)

// ParseAddress validates the textual form of an address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !addressPattern.MatchString(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return Address(strings.ToUpper(s)), nil
}

func (a Address) String() string {
	return string(a)
}

// NodePrefix returns the 4-hex-digit partition prefix, or "" when the
// address is too short to carry one.
func (a Address) NodePrefix() string {
	if len(a) < 4 {
		return ""
	}
	return strings.ToUpper(string(a[:4]))
}

// Node returns the numeric node id encoded in the prefix.
func (a Address) Node() (int, error) {
	prefix := a.NodePrefix()
	if prefix == "" {
		return 0, fmt.Errorf("address %q has no node prefix", a)
	}
	n, err := strconv.ParseInt(prefix, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("address %q node prefix: %w", a, err)
	}
	return int(n), nil
}

// UserID returns the account number within its node.
func (a Address) UserID() (int64, error) {
	m := addressPattern.FindStringSubmatch(string(a))
	if m == nil {
		return 0, fmt.Errorf("invalid address %q", a)
	}
	return strconv.ParseInt(m[2], 16, 64)
}

// SameNode reports whether both addresses live in the same node.
func SameNode(a, b Address) bool {
	return a.NodePrefix() != "" && a.NodePrefix() == b.NodePrefix()
}

// NodeAddress returns the address of the node's own (bank) account.
func NodeAddress(node int) Address {
	return Address(fmt.Sprintf("%04X-00000000-XXXX", node))
}
