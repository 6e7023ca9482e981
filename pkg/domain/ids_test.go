package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "onboarding/pkg/domain-errors"
)

func TestParseMerchantID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MerchantID
		wantErr bool
	}{
		{"valid", "42", 42, false},
		{"surrounding whitespace", " 7 ", 7, false},
		{"zero", "0", 0, true},
		{"negative", "-3", 0, true},
		{"not a number", "abc", 0, true},
		{"empty", "", 0, true},
		{"overflow", "99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMerchantID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Identities come from token claims and queue payloads, so parsing has to
// reject anything that could smuggle whitespace or control bytes into audit
// records and SQL parameters.
func TestParseIdentity_TrustBoundary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "maker-a", false},
		{"email style", "checker.b@dfsp1", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"embedded space", "maker a", true},
		{"null byte", "maker\x00a", true},
		{"zero-width space", "maker\u200Ba", true},
		{"oversized", strings.Repeat("a", maxIdentityLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errActor := ParseActorID(tt.input)
			_, errTenant := ParseTenantID(tt.input)
			if tt.wantErr {
				assert.Error(t, errActor)
				assert.Error(t, errTenant)
				return
			}
			assert.NoError(t, errActor)
			assert.NoError(t, errTenant)
		})
	}
}

func TestParseCredentialID(t *testing.T) {
	_, err := ParseCredentialID(uuid.Nil.String())
	require.Error(t, err)

	u := uuid.New()
	got, err := ParseCredentialID(u.String())
	require.NoError(t, err)
	assert.Equal(t, CredentialID(u), got)
	assert.False(t, got.IsNil())
}
