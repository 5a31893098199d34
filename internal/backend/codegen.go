// ABOUTME: Generated security-code suggestions for the Optional/Mandatory policies.
// ABOUTME: Uses crypto/rand; numeric unless the input is a keyboard.

package backend

import (
	"crypto/rand"
	"math/big"

	"github.com/halcyonos/devicelock/internal/store"
)

const (
	digits       = "0123456789"
	alphanumeric = "abcdefghjkmnpqrstuvwxyz23456789"
)

// GenerateCode produces a suggested security code honoring the policy's
// length bounds and input kind. The alphanumeric alphabet omits characters
// easily confused on a phone screen.
func GenerateCode(p store.Policy) (string, error) {
	length := p.MinimumLength
	if length < 4 {
		length = 4
	}
	if p.MaximumLength > 0 && length > p.MaximumLength {
		length = p.MaximumLength
	}

	alphabet := digits
	if p.InputIsKeyboard {
		alphabet = alphanumeric
	}

	code := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}
