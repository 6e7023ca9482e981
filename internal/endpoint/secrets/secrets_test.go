package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	dErrors "onboarding/pkg/domain-errors"
)

func TestGenerateHashVerify(t *testing.T) {
	secret, err := Generate()
	require.NoError(t, err)
	assert.NotContains(t, secret, ".")
	assert.Len(t, secret, 43)

	hash, err := Hash(secret, bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, secret, hash)

	require.NoError(t, Verify(secret, hash))

	err = Verify("wrong", hash)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestHashRejectsEmptyAndOversized(t *testing.T) {
	_, err := Hash("", bcrypt.MinCost)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = Hash(strings.Repeat("x", 73), bcrypt.MinCost)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
