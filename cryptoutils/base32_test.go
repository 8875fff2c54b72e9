package cryptoutils

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase32Vectors(t *testing.T) {
	require.Equal(t, "96", Base32([]byte{0xFF}))
	require.Equal(t, "W3XNGRCB", Base32([]byte{0xA6, 0x6A, 0xC3, 0x3C, 0x41}))

	decoded, err := Unbase32("W3XNGRCB")
	require.NoError(t, err)
	require.Equal(t, []byte{0xA6, 0x6A, 0xC3, 0x3C, 0x41}, decoded)
}

func TestBase32RoundTrip(t *testing.T) {
	for size := 1; size <= 80; size++ {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)

		decoded, err := Unbase32(Base32(data))
		require.NoError(t, err, "size %d", size)
		require.Equal(t, data, decoded, "size %d", size)
	}
}

func TestUnbase32Rejects(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"length 1 mod 8", "A"},
		{"length 3 mod 8", "AAA"},
		{"length 6 mod 8", "AAAAAA"},
		{"length 9", "AAAAAAAAA"},
		{"character I", "AI"},
		{"character O", "AO"},
		{"digit 0", "A0"},
		{"digit 1", "A1"},
		{"lower case", "aa"},
		{"non-zero trailing bits", "97"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unbase32(tc.input)
			require.ErrorIs(t, err, ErrInvalidBase32)
		})
	}
}

func TestPrintableVectors(t *testing.T) {
	testCases := []struct {
		name     string
		data     []byte
		checksum int
		expected string
	}{
		{"three zero bytes", []byte{0, 0, 0}, 0, "AAAA-A"},
		{"one zero byte", []byte{0x00}, 0, "AA"},
		{"empty", []byte{}, 0, ""},
		{"one zero byte with checksum", []byte{0x00}, 1, "ABZA"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			printable, err := Printable(tc.data, tc.checksum)
			require.NoError(t, err)
			require.Equal(t, tc.expected, printable)

			parsed, err := ParseBase32(printable, tc.checksum)
			require.NoError(t, err)
			require.Equal(t, tc.data, parsed)
		})
	}
}

func TestPrintableRoundTrip(t *testing.T) {
	for _, size := range []int{1, 7, 16, 32, 64, 72} {
		for _, checksumSize := range []int{0, 1, 3, 4, MaxChecksumSize} {
			data := make([]byte, size)
			_, err := rand.Read(data)
			require.NoError(t, err)

			printable, err := Printable(data, checksumSize)
			require.NoError(t, err)
			require.Len(t, strings.Split(printable, "-"), PrintableGroups(size, checksumSize))

			parsed, err := ParseBase32(printable, checksumSize)
			require.NoError(t, err)
			require.Equal(t, data, parsed)

			lower, err := ParseBase32(strings.ToLower(printable), checksumSize)
			require.NoError(t, err)
			require.Equal(t, data, lower)
		}
	}
}

func TestParseBase32Rejects(t *testing.T) {
	t.Run("empty with checksum", func(t *testing.T) {
		_, err := ParseBase32("", 1)
		require.Error(t, err)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		// ABZA carries the checksum for 0x00; ABZS flips its last bit.
		_, err := ParseBase32("ABZS", 1)
		require.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("checksum size out of range", func(t *testing.T) {
		_, err := ParseBase32("AAAA", 32)
		require.ErrorIs(t, err, ErrInvalidChecksumSz)

		_, err = Printable([]byte{1}, -1)
		require.ErrorIs(t, err, ErrInvalidChecksumSz)
	})

	t.Run("shorter than checksum", func(t *testing.T) {
		_, err := ParseBase32("AA", 2)
		require.Error(t, err)
	})
}

func TestPrintableGroupCounts(t *testing.T) {
	require.Equal(t, 14, PrintableGroups(32, 3))
	require.Equal(t, 30, PrintableGroups(72, 3))
	require.Equal(t, 7, PrintableGroups(16, 1))
	require.Equal(t, 8, PrintableGroups(16, 4))
}
