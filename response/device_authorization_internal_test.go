package response

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUserCode(t *testing.T) {
	const charset = "BCDFGHJKLMNPQRSTVWXZ"

	code, err := generateUserCode(8, charset, 4)
	require.NoError(t, err)
	require.Len(t, code, 9)
	assert.Equal(t, byte('-'), code[4])
	for _, r := range strings.ReplaceAll(code, "-", "") {
		assert.True(t, strings.ContainsRune(charset, r), "unexpected character %q", r)
	}

	code, err = generateUserCode(6, "0123456789", 0)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.NotContains(t, code, "-")

	_, err = generateUserCode(0, charset, 4)
	assert.Error(t, err)
	_, err = generateUserCode(8, "", 4)
	assert.Error(t, err)
}

func TestGenerateUserCode_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		code, err := generateUserCode(8, "BCDFGHJKLMNPQRSTVWXZ", 4)
		require.NoError(t, err)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}
