package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type handlerFunc func(params []json.RawMessage) (any, *rpcFault)

// fakeBundler is a minimal JSON-RPC server keyed by method name.
type fakeBundler struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    map[string]int
}

func newFakeBundler(t *testing.T, handlers map[string]handlerFunc) (*fakeBundler, *httptest.Server) {
	fb := &fakeBundler{handlers: handlers, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		fb.mu.Lock()
		fb.calls[req.Method]++
		h, ok := fb.handlers[req.Method]
		fb.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = rpcFault{Code: -32601, Message: "method not found"}
		} else if result, fault := h(req.Params); fault != nil {
			resp["error"] = fault
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBundler) count(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls[method]
}

func newTestClient(t *testing.T, url string, polling PollingConfig) *Client {
	c, err := NewClient(context.Background(), Config{URL: url, Polling: polling}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:   common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a"),
		Nonce:    big.NewInt(1),
		CallData: []byte{0x01},
	}
}

func TestSendUserOperation(t *testing.T) {
	want := common.HexToHash("0x1234")
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_sendUserOperation": func(params []json.RawMessage) (any, *rpcFault) {
			require.Len(t, params, 2)
			var op map[string]any
			require.NoError(t, json.Unmarshal(params[0], &op))
			assert.Equal(t, "0x1", op["nonce"])
			assert.Contains(t, op, "initCode")

			var ep common.Address
			require.NoError(t, json.Unmarshal(params[1], &ep))
			assert.Equal(t, userop.EntryPointV06, ep)
			return want, nil
		},
	})

	c := newTestClient(t, srv.URL, PollingConfig{})
	got, err := c.SendUserOperation(context.Background(), testOp(), userop.EntryPointV06, userop.V06)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEstimateAcceptsNumbersAndLegacyFieldNames(t *testing.T) {
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_estimateUserOperationGas": func(params []json.RawMessage) (any, *rpcFault) {
			return map[string]any{
				"preVerificationGas": 48000,
				"verificationGas":    "0x186a0",
				"callGasLimit":       "35000",
			}, nil
		},
	})

	c := newTestClient(t, srv.URL, PollingConfig{})
	est, err := c.EstimateUserOperationGas(context.Background(), testOp(), userop.EntryPointV06, userop.V06)
	require.NoError(t, err)
	assert.Equal(t, int64(48000), est.PreVerificationGas.Int64())
	assert.Equal(t, int64(100000), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(35000), est.CallGasLimit.Int64())
	assert.Nil(t, est.PaymasterPostOpGasLimit)
}

func TestRPCErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name  string
		fault rpcFault
		want  error
	}{
		{"entry point rejection", rpcFault{CodeRejectedByEntryPoint, "AA21 didn't pay prefund"}, ErrRejected},
		{"paymaster code", rpcFault{CodeRejectedByPaymaster, "paymaster validation failed"}, ErrPaymasterRejected},
		{"paymaster AA code", rpcFault{CodeRejectedByEntryPoint, "AA33 reverted (or OOG)"}, ErrPaymasterRejected},
		{"throttled paymaster", rpcFault{CodeThrottledOrBanned, "Paymaster is throttled"}, ErrPaymasterRejected},
		{"invalid params", rpcFault{-32602, "invalid userop"}, ErrRejected},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fault := tc.fault
			_, srv := newFakeBundler(t, map[string]handlerFunc{
				"eth_sendUserOperation": func([]json.RawMessage) (any, *rpcFault) { return nil, &fault },
			})
			c := newTestClient(t, srv.URL, PollingConfig{})

			_, err := c.SendUserOperation(context.Background(), testOp(), userop.EntryPointV06, userop.V06)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, tc.fault.Code, rpcErr.Code)
			assert.Equal(t, "eth_sendUserOperation", rpcErr.Method)
		})
	}
}

func TestNonceErrorDetection(t *testing.T) {
	err := &RPCError{Code: CodeRejectedByEntryPoint, Message: "AA25 invalid account nonce"}
	assert.True(t, err.IsNonceError())
	assert.False(t, (&RPCError{Message: "AA21 didn't pay prefund"}).IsNonceError())
}

func TestHTTPFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, PollingConfig{})
	_, err := c.SupportedEntryPoints(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestGetUserOperationReceiptNullMeansPending(t *testing.T) {
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_getUserOperationReceipt": func([]json.RawMessage) (any, *rpcFault) { return nil, nil },
	})
	c := newTestClient(t, srv.URL, PollingConfig{})

	receipt, err := c.GetUserOperationReceipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	hash := common.HexToHash("0xabc")
	var polls int32
	fb, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_getUserOperationReceipt": func(params []json.RawMessage) (any, *rpcFault) {
			var got common.Hash
			require.NoError(t, json.Unmarshal(params[0], &got))
			assert.Equal(t, hash, got)

			if atomic.AddInt32(&polls, 1) < 3 {
				return nil, nil
			}
			return map[string]any{
				"userOpHash":    hash,
				"sender":        "0x5Df343de7d99fd64b2479189692C1dAb8f46184a",
				"nonce":         "0x1",
				"actualGasCost": "0x10",
				"actualGasUsed": "0x20",
				"success":       true,
				"logs":          []any{},
				"receipt": map[string]any{
					"transactionHash": "0x00000000000000000000000000000000000000000000000000000000000000ff",
					"blockNumber":     "0x10",
					"status":          "0x1",
				},
			}, nil
		},
	})

	c := newTestClient(t, srv.URL, PollingConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 2, Timeout: 2 * time.Second})
	receipt, err := c.WaitForReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, common.HexToHash("0xff"), receipt.TxHash())
	assert.Equal(t, 3, fb.count("eth_getUserOperationReceipt"))
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_getUserOperationReceipt": func([]json.RawMessage) (any, *rpcFault) { return nil, nil },
	})
	c := newTestClient(t, srv.URL, PollingConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Factor: 1.5, Timeout: 50 * time.Millisecond})

	_, err := c.WaitForReceipt(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestWaitForReceiptRejectsEmptyHash(t *testing.T) {
	fb, srv := newFakeBundler(t, map[string]handlerFunc{})
	c := newTestClient(t, srv.URL, PollingConfig{})

	_, err := c.WaitForReceipt(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, ErrEmptyHash)
	assert.Zero(t, fb.count("eth_getUserOperationReceipt"))
}

func TestWaitForReceiptHonoursCancellation(t *testing.T) {
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"eth_getUserOperationReceipt": func([]json.RawMessage) (any, *rpcFault) { return nil, nil },
	})
	c := newTestClient(t, srv.URL, PollingConfig{Initial: 5 * time.Millisecond, Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.WaitForReceipt(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGasPriceUsesConfiguredMethod(t *testing.T) {
	_, srv := newFakeBundler(t, map[string]handlerFunc{
		"pimlico_getUserOperationGasPrice": func([]json.RawMessage) (any, *rpcFault) {
			return map[string]any{
				"slow":     map[string]string{"maxFeePerGas": "0x1", "maxPriorityFeePerGas": "0x1"},
				"standard": map[string]string{"maxFeePerGas": "0x64", "maxPriorityFeePerGas": "0xa"},
			}, nil
		},
	})
	c, err := NewClient(context.Background(), Config{URL: srv.URL, GasPriceMethod: "pimlico_getUserOperationGasPrice"}, nil)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.SupportsGasPrice())
	price, err := c.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), price.MaxFeePerGas.Int64())
	assert.Equal(t, int64(10), price.MaxPriorityFeePerGas.Int64())
}

func TestNonceManager(t *testing.T) {
	nm := NewNonceManager(nil)
	sender := common.HexToAddress("0x01")
	chain := big.NewInt(5)
	fetch := func() (*big.Int, error) { return chain, nil }

	n, err := nm.Next(sender, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Int64())

	nm.Commit(sender, n)
	n, err = nm.Next(sender, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n.Int64(), "pending op should advance the nonce")

	chain = big.NewInt(9)
	n, err = nm.Next(sender, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n.Int64(), "chain ahead of cache wins")

	nm.Reset(sender)
	_, ok := nm.Cached(sender)
	assert.False(t, ok)

	_, err = nm.Next(sender, func() (*big.Int, error) { return nil, errors.New("rpc down") })
	assert.Error(t, err)
}
