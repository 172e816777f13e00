package serv

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/qbloq/datagate/core"
)

// roleHeader lets an authenticated caller assume one of its token roles.
const roleHeader = "X-MS-API-ROLE"

// jwtSecretEnv holds the HMAC key the Jwt provider validates tokens with.
const jwtSecretEnv = "DG_JWT_SECRET"

// Authentication providers.
const (
	providerSimulator = "Simulator"
	providerJWT       = "Jwt"
)

type principalKey struct{}

// principalFrom returns the request's resolved principal.
func principalFrom(r *http.Request) core.Principal {
	if pr, ok := r.Context().Value(principalKey{}).(core.Principal); ok {
		return pr
	}
	return core.ResolvePrincipal(false, "", nil)
}

// authHandler resolves the caller's principal per the configured provider
// and stores it on the request context. Requests without credentials pass
// through as anonymous; the engine decides what anonymous may do.
func authHandler(s1 *HttpService) func(http.Handler) http.Handler {
	s := s1.Load().(*gatewayService)

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			pr, err := resolveRequest(s, r)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, pr)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

func resolveRequest(s *gatewayService, r *http.Request) (core.Principal, *core.Error) {
	conf := s.gw.Conf()
	requested := r.Header.Get(roleHeader)

	auth := conf.Runtime.Host.Authentication
	provider := ""
	if auth != nil {
		provider = auth.Provider
	}

	switch provider {
	case providerSimulator:
		if s.gw.IsProd() {
			return core.Principal{}, core.NewError(core.CodeErrorInInitialization,
				"the Simulator provider is not allowed in production")
		}
		// Every request is treated as authenticated with the role it asks
		// for; development only.
		return core.ResolvePrincipal(true, requested, nil), nil

	case providerJWT:
		token := bearerToken(r)
		if token == "" {
			if requested != "" && requested != core.RoleAnonymous {
				return core.Principal{}, core.NewError(core.CodeAuthenticationFailed,
					"a token is required to assume role %q", requested)
			}
			return core.ResolvePrincipal(false, "", nil), nil
		}

		claims, err := validateJWT(token, auth.JWT)
		if err != nil {
			return core.Principal{}, core.NewError(core.CodeAuthenticationFailed, "invalid token: %s", err)
		}
		if requested != "" && requested != core.RoleAnonymous &&
			requested != core.RoleAuthenticated && !hasRole(claims, requested) {
			return core.Principal{}, core.NewError(core.CodeAuthorizationFailed,
				"the token does not carry role %q", requested)
		}
		return core.ResolvePrincipal(true, requested, claims), nil

	default:
		// No provider configured: every caller is anonymous.
		return core.ResolvePrincipal(false, "", nil), nil
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

// validateJWT checks the signature, issuer and audience of a bearer token.
func validateJWT(token string, conf *core.JWTConfig) (map[string]interface{}, error) {
	secret := os.Getenv(jwtSecretEnv)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}

	if conf != nil {
		if conf.Issuer != "" && !claims.VerifyIssuer(conf.Issuer, true) {
			return nil, jwt.ErrTokenInvalidIssuer
		}
		if conf.Audience != "" && !claims.VerifyAudience(conf.Audience, true) {
			return nil, jwt.ErrTokenInvalidAudience
		}
	}
	return map[string]interface{}(claims), nil
}

// hasRole checks the token's roles claim, which may be a string or a list.
func hasRole(claims map[string]interface{}, role string) bool {
	switch v := claims["roles"].(type) {
	case string:
		return strings.EqualFold(v, role)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, role) {
				return true
			}
		}
	}
	return false
}
