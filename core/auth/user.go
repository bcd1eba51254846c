package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs a JWT for subject, either an owner address or ApiKeySubject.
func IssueToken(secret []byte, subject string, roles []ApiRole, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := time.Now()
	claims := &APIClaim{
		RegisteredClaims: &jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyJwtKeyForUser checks that the JWT key is either for this owner wallet,
// or the JWT key for an API key that can manage the wallet
func VerifyJwtKeyForUser(secret []byte, key string, owner common.Address) (*Identity, error) {
	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}

		if token.Header["alg"] != JwtAlg {
			return nil, fmt.Errorf("invalid signing algorithm")
		}

		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrorInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Malform JWT Key Claim")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrorInvalidToken)
	}

	roles := []ApiRole{}
	if rolesArray, ok := claims["roles"].([]any); ok {
		for _, v := range rolesArray {
			roleStr, ok := v.(string)
			if !ok {
				continue // Skip non-string roles
			}
			roles = append(roles, ApiRole(roleStr))
		}
	}

	if sub == ApiKeySubject {
		if !slices.Contains(roles, AdminRole) && !slices.Contains(roles, ReadonlyRole) {
			return nil, fmt.Errorf("%w: api key has no role", ErrorUnAuthorized)
		}
		return &Identity{Subject: sub, Roles: roles}, nil
	}

	if !common.IsHexAddress(sub) || common.HexToAddress(sub) != owner {
		return nil, fmt.Errorf("%w: subject %s does not own this wallet", ErrorUnAuthorized, sub)
	}
	return &Identity{Subject: strings.ToLower(sub), Roles: roles}, nil
}
