package auth

import (
	"testing"
	"time"

	coreerrors "planetchat/internal/core/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(&Config{Secret: "test-secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return a
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.GenerateToken("alice", "mobile")
	require.NoError(t, err)

	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "mobile", id.DeviceType)

	// 第二次走缓存，结果一致
	again, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id.UserID, again.UserID)
}

func TestAuthenticator_InvalidToken(t *testing.T) {
	a := newTestAuth(t)

	_, err := a.Verify("")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))

	_, err = a.Verify("not.a.token")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))

	// 换密钥签的令牌被拒
	other, err := NewAuthenticator(&Config{Secret: "other-secret"})
	require.NoError(t, err)
	token, err := other.GenerateToken("alice", "")
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	a := newTestAuth(t)
	past := time.Now().Add(-2 * time.Hour)
	a.now = func() time.Time { return past }
	token, err := a.GenerateToken("alice", "")
	require.NoError(t, err)
	a.now = time.Now

	_, err = a.Verify(token)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeTokenExpired))
}

func TestAuthenticator_RejectsNonHMAC(t *testing.T) {
	a := newTestAuth(t)

	// alg=none 被签名方法检查拒绝
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidToken))
}

func TestAuthenticator_MissingSecret(t *testing.T) {
	_, err := NewAuthenticator(&Config{})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
}
