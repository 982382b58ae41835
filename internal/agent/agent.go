// Package agent handles validation and normalization of agent wallet
// addresses. Addresses are EVM-style 20-byte hex strings; the normalized
// (lower-case) form is the canonical identity everywhere in the engine.
package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// addressRegex matches 0x followed by exactly 40 hex characters.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrInvalidAddress is returned for anything that is not a 0x-prefixed
// 40-hex-character address.
var ErrInvalidAddress = errors.New("agent: invalid wallet address")

// Normalize validates an address and returns its canonical lower-case form.
func Normalize(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %q (expected 0x + 40 hex chars)", ErrInvalidAddress, address)
	}
	return strings.ToLower(addr), nil
}
