package export

import (
	"crypto/rand"
	"math/big"
)

// DefaultPassword protects archives when no notification channel can
// deliver a generated password. It is publicly documented.
const DefaultPassword = "imputation@michigan"

const (
	passwordLength   = 16
	passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789!@#$%&*+=?"
)

// GeneratePassword returns a random archive password from a cryptographic
// source.
func GeneratePassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b), nil
}
