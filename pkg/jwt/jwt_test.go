package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateAndValidateToken(t *testing.T) {
	manager := NewJWTManager("test-secret-key-for-testing-purposes", 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateToken(userID, "testuser")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "testuser", claims.Username)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := NewJWTManager("correct-secret", 15*time.Minute)
	other := NewJWTManager("wrong-secret", 15*time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "testuser")
	assert.NoError(t, err)

	claims, err := other.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", -time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "testuser")
	assert.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	claims, err := manager.ValidateToken("not.a.token")
	assert.Error(t, err)
	assert.Nil(t, claims)
}
