package crypto

import (
	"fmt"
	"regexp"

	"github.com/hearthfed/hearth/internal/util"
)

// Certificate serials carry 160 bits of CSPRNG entropy, hex encoded.
const serialBytes = 20

var serialPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// NewSerial draws a fresh certificate serial.
func NewSerial() (string, error) {
	b, err := util.RandomBytes(serialBytes)
	if err != nil {
		return "", fmt.Errorf("generating serial: %w", err)
	}
	return util.HexEncode(b), nil
}

// ValidSerial reports whether s is a well-formed serial.
func ValidSerial(s string) bool {
	return serialPattern.MatchString(s)
}

// NewNonce draws a 32-byte key trial nonce, hex encoded.
func NewNonce() (string, error) {
	b, err := util.RandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return util.HexEncode(b), nil
}
