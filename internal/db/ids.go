package db

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/frisksitron/lobby-sub000/internal/constants"
)

// GenerateID returns a prefixed random identifier such as "usr_3f9c...".
func GenerateID(prefix string) (string, error) {
	var b [constants.IDRandomBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b[:]), nil
}
