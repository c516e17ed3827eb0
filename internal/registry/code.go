package registry

import (
	"crypto/rand"
	"encoding/base32"
)

const codeLength = 6

// codeEncoding drops the characters players misread aloud (I, O, 0, 1) in
// favor of the remaining digits, keeping every code character unambiguous.
var codeEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)

// generateCode builds a human-shareable game code.
func generateCode() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)

	return codeEncoding.EncodeToString(b)[:codeLength]
}
