package paymaster

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

var pmAddress = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")

func testOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a"),
		Nonce:                big.NewInt(7),
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
	}
}

func paymasterServer(t *testing.T, reply func(method string, params []json.RawMessage) map[string]any) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := reply(req.Method, req.Params)
		resp["jsonrpc"] = "2.0"
		resp["id"] = req.ID
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientStubDataV06(t *testing.T) {
	url := paymasterServer(t, func(method string, params []json.RawMessage) map[string]any {
		assert.Equal(t, "pm_getPaymasterStubData", method)
		require.Len(t, params, 4)

		var chainID string
		require.NoError(t, json.Unmarshal(params[2], &chainID))
		assert.Equal(t, "0xa4b1", chainID)

		var pmCtx map[string]any
		require.NoError(t, json.Unmarshal(params[3], &pmCtx))
		assert.Equal(t, "sp_test", pmCtx["sponsorshipPolicyId"])

		return map[string]any{"result": map[string]any{
			"paymasterAndData": "0xb985af5f96ef2722dc99aeba573520903b86505eaabb",
			"sponsor":          map[string]any{"name": "Acme"},
		}}
	})

	c, err := NewClient(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer c.Close()

	d, err := c.StubData(context.Background(), testOp(), Request{
		EntryPoint: userop.EntryPointV06,
		Version:    userop.V06,
		ChainID:    big.NewInt(42161),
		Context:    map[string]any{"sponsorshipPolicyId": "sp_test"},
	})
	require.NoError(t, err)
	assert.Equal(t, pmAddress, d.Paymaster)
	assert.Equal(t, []byte{0xaa, 0xbb}, d.PaymasterData)
	assert.Equal(t, "Acme", d.SponsorName)

	op := testOp()
	d.Apply(op)
	assert.Equal(t, append(pmAddress.Bytes(), 0xaa, 0xbb), op.PaymasterAndData(userop.V06))
}

func TestClientDataV07(t *testing.T) {
	url := paymasterServer(t, func(method string, params []json.RawMessage) map[string]any {
		assert.Equal(t, "pm_getPaymasterData", method)
		return map[string]any{"result": map[string]any{
			"paymaster":                     pmAddress.Hex(),
			"paymasterData":                 "0x01",
			"paymasterVerificationGasLimit": "0x7530",
			"paymasterPostOpGasLimit":       "0x0",
		}}
	})

	c, err := NewClient(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer c.Close()

	d, err := c.Data(context.Background(), testOp(), Request{EntryPoint: userop.EntryPointV07, Version: userop.V07, ChainID: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, pmAddress, d.Paymaster)
	assert.Equal(t, int64(30000), d.VerificationGasLimit.Int64())
	assert.Equal(t, int64(0), d.PostOpGasLimit.Int64())
}

func TestClientErrorsAreAttributedToPaymaster(t *testing.T) {
	url := paymasterServer(t, func(string, []json.RawMessage) map[string]any {
		return map[string]any{"error": map[string]any{"code": -32602, "message": "policy exhausted"}}
	})
	c, err := NewClient(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StubData(context.Background(), testOp(), Request{Version: userop.V06, ChainID: big.NewInt(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, bundler.ErrPaymasterRejected)
}

func TestClientEmptyResultIsRejection(t *testing.T) {
	url := paymasterServer(t, func(string, []json.RawMessage) map[string]any {
		return map[string]any{"result": map[string]any{}}
	})
	c, err := NewClient(context.Background(), Config{URL: url}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Data(context.Background(), testOp(), Request{Version: userop.V06, ChainID: big.NewInt(1)})
	assert.ErrorIs(t, err, bundler.ErrPaymasterRejected)
}

func TestVerifyingSignerSignsRecoverableHash(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fixed := time.Unix(1_700_000_000, 0)
	s := NewVerifyingSigner(pmAddress, key, 10*time.Minute)
	s.now = func() time.Time { return fixed }

	req := Request{EntryPoint: userop.EntryPointV06, Version: userop.V06, ChainID: big.NewInt(42161)}
	op := testOp()

	stub, err := s.StubData(context.Background(), op, req)
	require.NoError(t, err)
	assert.Len(t, stub.PaymasterData, 64+65)

	d, err := s.Data(context.Background(), op, req)
	require.NoError(t, err)
	require.Len(t, d.PaymasterData, 64+65)
	assert.True(t, d.IsFinal)

	until, after, err := DecodeValidity(d.PaymasterData)
	require.NoError(t, err)
	assert.Equal(t, uint64(fixed.Add(10*time.Minute).Unix()), until)
	assert.Equal(t, uint64(fixed.Add(-clockSkew).Unix()), after)

	hash, err := Hash(op, pmAddress, req.ChainID, new(big.Int).SetUint64(until), new(big.Int).SetUint64(after))
	require.NoError(t, err)

	sig := common.CopyBytes(d.PaymasterData[64:])
	assert.Contains(t, []byte{27, 28}, sig[64])
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))
}

func TestVerifyingSignerRejectsV07(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s := NewVerifyingSigner(pmAddress, key, 0)
	_, err := s.StubData(context.Background(), testOp(), Request{Version: userop.V07})
	assert.Error(t, err)
}
