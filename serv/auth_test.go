package serv

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", bearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Equal(t, "", bearerToken(r))
}

func TestValidateJWT(t *testing.T) {
	t.Setenv(jwtSecretEnv, "test-secret")
	conf := &core.JWTConfig{Issuer: "https://issuer.local", Audience: "datagate"}

	t.Run("valid token yields its claims", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"iss":   "https://issuer.local",
			"aud":   "datagate",
			"sub":   "user-1",
			"roles": []string{"editor"},
		})
		claims, err := validateJWT(token, conf)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims["sub"])
	})

	t.Run("wrong signature", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{"iss": "https://issuer.local"})
		_, err := validateJWT(token, conf)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"iss": "https://evil.local",
			"aud": "datagate",
		})
		_, err := validateJWT(token, conf)
		require.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"iss": "https://issuer.local",
			"aud": "someone-else",
		})
		_, err := validateJWT(token, conf)
		require.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, "test-secret", jwt.MapClaims{
			"iss": "https://issuer.local",
			"aud": "datagate",
			"exp": 1000,
		})
		_, err := validateJWT(token, conf)
		require.Error(t, err)
	})
}

func TestHasRole(t *testing.T) {
	assert.True(t, hasRole(map[string]interface{}{"roles": "Editor"}, "editor"))
	assert.True(t, hasRole(map[string]interface{}{
		"roles": []interface{}{"reader", "editor"},
	}, "editor"))
	assert.False(t, hasRole(map[string]interface{}{
		"roles": []interface{}{"reader"},
	}, "editor"))
	assert.False(t, hasRole(map[string]interface{}{}, "editor"))
}

func TestPrincipalResolution(t *testing.T) {
	anon := core.ResolvePrincipal(false, "editor", nil)
	assert.Equal(t, core.RoleAnonymous, anon.Role)
	assert.False(t, anon.Authenticated)

	authed := core.ResolvePrincipal(true, "", nil)
	assert.Equal(t, core.RoleAuthenticated, authed.Role)

	assumed := core.ResolvePrincipal(true, "editor", map[string]interface{}{"sub": "u1"})
	assert.Equal(t, "editor", assumed.Role)
	assert.Equal(t, "u1", assumed.Claims["sub"])
}
