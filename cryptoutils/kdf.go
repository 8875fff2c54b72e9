package cryptoutils

import (
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used for human-entered secrets.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveFromPassphrase stretches a low-entropy secret, such as a recovery key
// string, into seed material using Argon2id.
func DeriveFromPassphrase(secret []byte, salt []byte, length uint32) []byte {
	return argon2.IDKey(secret, append([]byte("OCTAGON-RECOVERY-"), salt...), argonTime, argonMemory, argonThreads, length)
}
