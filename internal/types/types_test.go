package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHash(t *testing.T) {
	h := strings.Repeat("AB", 32)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), NormalizeHash(h))
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), NormalizeHash("0x"+h))
	assert.Equal(t, "0xff", NormalizeHash("  0xFF "))
	assert.Equal(t, "", NormalizeHash(""))
}

func TestIsAddress(t *testing.T) {
	const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

	assert.True(t, IsAddress(alice))
	// 47 characters is also a valid SS58 length.
	assert.True(t, IsAddress(alice[:47]))

	assert.False(t, IsAddress(""))
	assert.False(t, IsAddress("hello"))
	assert.False(t, IsAddress(alice[:46]), "too short")
	assert.False(t, IsAddress(alice+"x"), "too long")
	// 0, O, I and l are not in the Base58 alphabet.
	assert.False(t, IsAddress(strings.Replace(alice, "5", "0", 1)))
	assert.False(t, IsAddress(strings.Replace(alice, "5", "l", 1)))
	// Hex strings must never pass.
	assert.False(t, IsAddress("0x"+strings.Repeat("ab", 23)))
}

func TestIsHash(t *testing.T) {
	assert.True(t, IsHash("0x"+strings.Repeat("0f", 32)))
	assert.False(t, IsHash(strings.Repeat("0f", 32)), "prefix required")
	assert.False(t, IsHash("0x"+strings.Repeat("0F", 32)), "uppercase must be normalized first")
	assert.False(t, IsHash("0x"+strings.Repeat("0f", 31)))
	assert.False(t, IsHash("0x"+strings.Repeat("0g", 32)))
	assert.False(t, IsHash(""))
}
