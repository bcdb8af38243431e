package session

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDManagerRejectsEmptyKey(t *testing.T) {
	manager, err := NewIDManager("", testLogger())
	assert.Error(t, err)
	assert.Nil(t, manager)
}

func TestGenerateProducesValidatableToken(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)

	token, err := manager.Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	valid, err := manager.Validate(token)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestGenerateSetsIssuerAndAudience(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)
	token, err := manager.Generate()
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(token, &idClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return manager.signingKey, nil
	})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(*idClaims)
	require.True(t, ok)
	assert.Equal(t, issuer, claims.Issuer)
	require.Len(t, claims.Audience, 1)
	assert.Equal(t, issuer, claims.Audience[0])
}

func TestValidateRejectsWrongSigningKey(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)
	other, err := NewIDManager("different-key", testLogger())
	require.NoError(t, err)

	token, err := other.Generate()
	require.NoError(t, err)

	_, err = manager.Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)

	_, err = manager.Validate("not-a-jwt-token")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)
	manager.duration = 1 * time.Nanosecond

	token, err := manager.Generate()
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = manager.Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	manager, err := NewIDManager("test-key", testLogger())
	require.NoError(t, err)

	claims := idClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = manager.Validate(tokenString)
	assert.Error(t, err)
}
