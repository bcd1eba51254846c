package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
)

// SignatureValidity is how old a signed auth header may be.
const SignatureValidity = 30 * time.Second

// ClockSkew is how far ahead of our clock a signed epoch may be.
const ClockSkew = 5 * time.Second

// SignedHeader builds "Bearer <epoch>.<signature>" proving control of the owner key.
func SignedHeader(key *ecdsa.PrivateKey, owner common.Address) (string, error) {
	epoch := time.Now().Unix()
	sig, err := signer.SignMessage(key, GetOwnerSigninMessage(owner.Hex(), epoch))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bearer %d.%s", epoch, hexutil.Encode(sig)), nil
}

// VerifyOwner checks and confirm that the auth header is indeed signed by
// the owner
func VerifyOwner(authHeader string, owner common.Address) (*Identity, error) {
	bearerToken := strings.SplitN(authHeader, " ", 2)
	if len(bearerToken) < 2 || bearerToken[0] != "Bearer" {
		return nil, ErrorInvalidToken
	}

	tokens := strings.SplitN(bearerToken[1], ".", 2)
	if len(tokens) < 2 {
		return nil, ErrorMalformedAuthHeader
	}
	epoch, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return nil, ErrorMalformedAuthHeader
	}
	age := time.Since(time.Unix(epoch, 0))
	if age > SignatureValidity {
		return nil, ErrorExpiredSignature
	}
	if age < -ClockSkew {
		return nil, ErrorFutureSignature
	}

	sig, err := hexutil.Decode(tokens[1])
	if err != nil {
		return nil, ErrorMalformedAuthHeader
	}
	recovered, err := signer.RecoverSigner(GetOwnerSigninMessage(owner.Hex(), epoch), sig)
	if err != nil {
		return nil, fmt.Errorf("unauthorized error: %w", err)
	}
	if recovered != owner {
		return nil, fmt.Errorf("%w: signed by %s", ErrorUnAuthorized, recovered.Hex())
	}
	return &Identity{Subject: strings.ToLower(owner.Hex()), Roles: []ApiRole{AdminRole}}, nil
}

// IsSignedHeader tells a "<epoch>.<sig>" bearer apart from a JWT, which has three segments.
func IsSignedHeader(authHeader string) bool {
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return strings.Count(token, ".") == 1
}
