package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	b32 "github.com/multiformats/go-base32"
)

// Base32Alphabet omits I, O, 0 and 1 so strings survive being read aloud and
// retyped by hand.
const Base32Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// MaxChecksumSize is the largest checksum that fits in a SHA-256 digest
// prefix while leaving it a strict prefix.
const MaxChecksumSize = sha256.Size - 1

const printableGroupSize = 4

var (
	ErrInvalidBase32     = errors.New("invalid base32 string")
	ErrChecksumMismatch  = errors.New("base32 checksum mismatch")
	ErrInvalidChecksumSz = errors.New("invalid checksum size")
)

var base32Encoding = b32.NewEncoding(Base32Alphabet).WithPadding(b32.NoPadding)

// Base32 encodes data without padding.
func Base32(data []byte) string {
	return base32Encoding.EncodeToString(data)
}

// Unbase32 decodes a padding-free base32 string. Empty strings, lengths of
// 1, 3 or 6 modulo 8, characters outside the alphabet and non-zero trailing
// bits are all rejected.
func Unbase32(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidBase32)
	}

	switch len(s) % 8 {
	case 1, 3, 6:
		return nil, fmt.Errorf("%w: impossible length %d", ErrInvalidBase32, len(s))
	}

	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Base32Alphabet, s[i]) < 0 {
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidBase32, s[i], i)
		}
	}

	data, err := base32Encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase32, err)
	}

	if Base32(data) != s {
		return nil, fmt.Errorf("%w: non-canonical trailing bits", ErrInvalidBase32)
	}

	return data, nil
}

func checksum(data []byte, size int) []byte {
	digest := sha256.Sum256(data)
	return digest[:size]
}

// Printable encodes data followed by a checksumSize-byte SHA-256 prefix, and
// splits the result into dash-separated groups of four characters.
func Printable(data []byte, checksumSize int) (string, error) {
	if checksumSize < 0 || checksumSize > MaxChecksumSize {
		return "", fmt.Errorf("%w: %d", ErrInvalidChecksumSz, checksumSize)
	}

	payload := make([]byte, 0, len(data)+checksumSize)
	payload = append(payload, data...)
	payload = append(payload, checksum(data, checksumSize)...)

	encoded := Base32(payload)

	var sb strings.Builder
	for i := 0; i < len(encoded); i += printableGroupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+printableGroupSize, len(encoded))
		sb.WriteString(encoded[i:end])
	}

	return sb.String(), nil
}

// ParseBase32 reverses Printable. Dashes and surrounding whitespace are
// ignored and lower case is accepted.
func ParseBase32(s string, checksumSize int) ([]byte, error) {
	if checksumSize < 0 || checksumSize > MaxChecksumSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChecksumSz, checksumSize)
	}

	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if normalized == "" && checksumSize == 0 {
		return []byte{}, nil
	}

	raw, err := Unbase32(normalized)
	if err != nil {
		return nil, err
	}

	if len(raw) < checksumSize {
		return nil, fmt.Errorf("%w: shorter than checksum", ErrInvalidBase32)
	}

	data, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	if !bytes.Equal(sum, checksum(data, checksumSize)) {
		return nil, ErrChecksumMismatch
	}

	return data, nil
}

// PrintableGroups returns the number of dash-separated groups Printable
// produces for a payload of the given size.
func PrintableGroups(dataLen int, checksumSize int) int {
	chars := ((dataLen+checksumSize)*8 + 4) / 5
	return (chars + printableGroupSize - 1) / printableGroupSize
}
