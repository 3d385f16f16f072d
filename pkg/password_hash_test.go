package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("sr")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.True(t, CheckSecretHash("sr", hash))
	assert.False(t, CheckSecretHash("rs", hash))

	// hashes produced with another cost still verify
	assert.True(t, CheckSecretHash("sr", "$2a$14$z8cd4yJpzP40Qh2F2BhiMO.sOm4YAIaf30pmUKLOaISojD9HnXgaG"))
	assert.True(t, CheckSecretHash("todo", "$2a$14$H5aVoE1YSTxBF63MLgBfo.u0W7vNcx5JQb7LUix.DicQv3WESnYuq"))
}

func TestCheckSecretHash_Empty(t *testing.T) {
	assert.False(t, CheckSecretHash("", "$2a$14$z8cd4yJpzP40Qh2F2BhiMO.sOm4YAIaf30pmUKLOaISojD9HnXgaG"))
	assert.False(t, CheckSecretHash("sr", ""))
}
