package auth

import (
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "ap-wallet"
	JwtAlg = "HS256"

	AdminRole    = ApiRole("admin")
	ReadonlyRole = ApiRole("readonly")

	// ApiKeySubject marks a token that is not bound to an owner address.
	ApiKeySubject = "apikey"
)

// Messages returned to clients; the underlying error is only logged.
const (
	AuthenticationError      = "User authentication error"
	InvalidAuthenticationKey = "User Auth key is invalid"
)

var (
	ErrorUnAuthorized = errors.New("Unauthorized error")

	ErrorInvalidToken = errors.New("Invalid Bearer Token")

	ErrorMalformedAuthHeader = errors.New("Malform auth header")
	ErrorExpiredSignature    = errors.New("Signature is expired")
	ErrorFutureSignature     = errors.New("Signature epoch is in the future")
	ErrorForbidden           = errors.New("Role does not allow this request")
)

type ApiRole string

type APIClaim struct {
	*jwt.RegisteredClaims
	Roles []ApiRole `json:"roles"`
}

// Identity is who a verified request acts as.
type Identity struct {
	Subject string
	Roles   []ApiRole
}

// CanWrite reports whether the identity may submit user operations.
func (i *Identity) CanWrite() bool {
	for _, r := range i.Roles {
		if r == ReadonlyRole {
			return false
		}
	}
	return true
}

// GetOwnerSigninMessage is what the owner signs for header based auth.
func GetOwnerSigninMessage(owner string, epoch int64) []byte {
	return []byte(fmt.Sprintf("Owner:%sEpoch:%d", owner, epoch))
}
