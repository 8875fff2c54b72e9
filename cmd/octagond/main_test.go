package main

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/stretchr/testify/require"
)

func TestParseAdminKeys(t *testing.T) {
	var pubs []string
	for range 2 {
		k, err := cryptoutils.GenerateKey()
		require.NoError(t, err)
		pubs = append(pubs, hex.EncodeToString(cryptoutils.PublicKeyBytes(k)))
	}

	lines := "# admins\n" + pubs[0] + "\n\n0x" + pubs[1] + "\n"
	keys, err := parseAdminKeys([]byte(lines))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, pubs[1], hex.EncodeToString(keys[1]))

	encoded, err := json.Marshal(pubs)
	require.NoError(t, err)
	keys, err = parseAdminKeys(encoded)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	_, err = parseAdminKeys([]byte("# nothing\n"))
	require.Error(t, err)

	_, err = parseAdminKeys([]byte(strings.Repeat("ab", 16)))
	require.Error(t, err)
}
