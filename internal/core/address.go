package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Solana addresses are base58 encoded 32-byte keys: 32 to 44 characters with
// no 0, O, I or l.
var validAddress = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// NormalizeAddress trims whitespace and common copy-paste wrappers
// "solana:ABC...", " ABC... " -> "ABC..."
func NormalizeAddress(input string) string {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(s, "solana:")
	return strings.Trim(s, "\"'")
}

// ValidateAddress checks that a token id looks like a Solana mint address
func ValidateAddress(address string) error {
	if address == "" {
		return WrapError(ErrInvalidToken, fmt.Errorf("address cannot be empty"))
	}
	if !validAddress.MatchString(address) {
		return WrapError(ErrInvalidToken, fmt.Errorf("not a base58 mint address: %s", address))
	}
	return nil
}

// NormalizeSymbol upper-cases a ticker and strips a leading "$"
// "$bonk" -> "BONK"
func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(symbol)
	s = strings.TrimPrefix(s, "$")
	return strings.ToUpper(s)
}
