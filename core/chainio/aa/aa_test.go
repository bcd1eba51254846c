package aa

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

var (
	owner       = common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")
	accountAddr = common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a")
	usdc        = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	recipient   = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

func newAccount(t *testing.T, chain *fakeChain, v userop.EntryPointVersion) *SimpleAccount {
	chain.respond(SimpleFactoryABI, "getAddress", accountAddr)
	acc, err := NewSimpleAccount(AccountConfig{Owner: owner, Version: v}, chain)
	require.NoError(t, err)
	return acc
}

func TestNewSimpleAccountDefaults(t *testing.T) {
	acc, err := NewSimpleAccount(AccountConfig{Owner: owner, Version: userop.V07}, newFakeChain())
	require.NoError(t, err)
	assert.Equal(t, DefaultFactoryV07, acc.Config().Factory)
	assert.Equal(t, int64(0), acc.Config().Salt.Int64())

	_, err = NewSimpleAccount(AccountConfig{Owner: owner, Version: "0.5"}, newFakeChain())
	assert.Error(t, err)

	_, err = NewSimpleAccount(AccountConfig{Version: userop.V06}, newFakeChain())
	assert.Error(t, err)
}

func TestAddressIsCached(t *testing.T) {
	chain := newFakeChain()
	acc := newAccount(t, chain, userop.V06)

	for i := 0; i < 3; i++ {
		addr, err := acc.Address(context.Background())
		require.NoError(t, err)
		assert.Equal(t, accountAddr, addr)
	}
	assert.Equal(t, 1, chain.count(SimpleFactoryABI, "getAddress"))
}

func TestAddressFailureIsNetworkError(t *testing.T) {
	chain := newFakeChain()
	chain.callErr = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	acc, err := NewSimpleAccount(AccountConfig{Owner: owner, Version: userop.V06}, chain)
	require.NoError(t, err)
	_, err = acc.Address(context.Background())
	assert.ErrorIs(t, err, bundler.ErrNetwork)
	assert.NotErrorIs(t, err, ErrContractCall)
}

func TestContractFailuresAreNotNetworkErrors(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000Aa")

	// nothing deployed: the call returns empty data and CodeAt is empty
	chain := newFakeChain()
	chain.results[string(ERC20ABI.Methods["decimals"].ID)] = []byte{}
	_, err := TokenDecimals(context.Background(), chain, usdc)
	assert.ErrorIs(t, err, ErrContractCall)
	assert.ErrorIs(t, err, bind.ErrNoCode)
	assert.NotErrorIs(t, err, bundler.ErrNetwork)

	// a contract without asset() reverts
	chain.code[vault] = []byte{0x60, 0x80}
	_, err = VaultAsset(context.Background(), chain, vault)
	assert.ErrorIs(t, err, ErrContractCall)
	assert.NotErrorIs(t, err, bundler.ErrNetwork)

	// deployed code returning nothing decodable
	chain.code[usdc] = []byte{0x60, 0x80}
	_, err = TokenDecimals(context.Background(), chain, usdc)
	assert.ErrorIs(t, err, ErrContractCall)

	chain.callErr = &rpcError{code: 3, msg: "execution reverted: not a vault"}
	_, err = VaultAsset(context.Background(), chain, vault)
	assert.ErrorIs(t, err, ErrContractCall)

	chain.callErr = &rpcError{code: -32000, msg: "header not found"}
	_, err = VaultAsset(context.Background(), chain, vault)
	assert.ErrorIs(t, err, bundler.ErrNetwork)
}

func TestInitCodeUntilDeployed(t *testing.T) {
	chain := newFakeChain()
	acc := newAccount(t, chain, userop.V06)

	initCode, err := acc.InitCode(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(initCode), 24)
	assert.Equal(t, DefaultFactoryV06.Bytes(), initCode[:20])
	assert.True(t, hasPrefix(initCode[20:], SimpleFactoryABI, "createAccount"))

	args, err := SimpleFactoryABI.Methods["createAccount"].Inputs.Unpack(initCode[24:])
	require.NoError(t, err)
	assert.Equal(t, owner, args[0])

	chain.code[accountAddr] = []byte{0x60}
	initCode, err = acc.InitCode(context.Background())
	require.NoError(t, err)
	assert.Empty(t, initCode)
}

func TestEncodeSingleCallUsesExecute(t *testing.T) {
	acc := newAccount(t, newFakeChain(), userop.V06)
	transfer, err := TransferCall(usdc, recipient, big.NewInt(10_000_000))
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0xa9059cbb"), transfer.Data[:4])

	data, err := acc.EncodeCalls([]Call{transfer})
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0xb61d27f6"), data[:4])

	args, err := SimpleAccountV06ABI.Methods["execute"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, usdc, args[0])
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, transfer.Data, args[2])
}

func TestEncodeBatchKeepsOrder(t *testing.T) {
	vault := common.HexToAddress("0x1111111111111111111111111111111111111111")
	approve, err := ApproveCall(usdc, vault, big.NewInt(5))
	require.NoError(t, err)
	deposit, err := DepositCall(vault, big.NewInt(5), accountAddr)
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0x095ea7b3"), approve.Data[:4])

	t.Run("v0.6", func(t *testing.T) {
		acc := newAccount(t, newFakeChain(), userop.V06)
		data, err := acc.EncodeCalls([]Call{approve, deposit})
		require.NoError(t, err)
		require.True(t, hasPrefix(data, SimpleAccountV06ABI, "executeBatch"))

		args, err := SimpleAccountV06ABI.Methods["executeBatch"].Inputs.Unpack(data[4:])
		require.NoError(t, err)
		assert.Equal(t, []common.Address{usdc, vault}, args[0])
		assert.Equal(t, [][]byte{approve.Data, deposit.Data}, args[1])

		_, err = acc.EncodeCalls([]Call{approve, NativeTransferCall(recipient, big.NewInt(1))})
		assert.ErrorIs(t, err, ErrBatchValue)
	})

	t.Run("v0.7", func(t *testing.T) {
		acc := newAccount(t, newFakeChain(), userop.V07)
		data, err := acc.EncodeCalls([]Call{approve, deposit})
		require.NoError(t, err)
		require.True(t, hasPrefix(data, SimpleAccountV07ABI, "executeBatch"))

		args, err := SimpleAccountV07ABI.Methods["executeBatch"].Inputs.Unpack(data[4:])
		require.NoError(t, err)
		assert.Equal(t, []common.Address{usdc, vault}, args[0])
		assert.Len(t, args[1], 2)
	})
}

func TestEncodeRejectsEmptyAndZeroTarget(t *testing.T) {
	acc := newAccount(t, newFakeChain(), userop.V06)
	_, err := acc.EncodeCalls(nil)
	assert.ErrorIs(t, err, ErrNoCalls)

	_, err = acc.EncodeCalls([]Call{{Data: []byte{1}}})
	assert.ErrorIs(t, err, ErrZeroRecipient)
}

type clientFixture struct {
	chain    *fakeChain
	bundler  *fakeBundler
	provider *eip1193.LocalProvider
	client   *Client
}

func newClientFixture(t *testing.T, sponsorships map[SponsorshipMode]Sponsorship) *clientFixture {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	provider := eip1193.NewLocalProvider(key, big.NewInt(42161), nil)

	chain := newFakeChain()
	chain.respond(SimpleFactoryABI, "getAddress", accountAddr)
	chain.respond(EntryPointABI, "getNonce", big.NewInt(4))
	acc, err := NewSimpleAccount(AccountConfig{Owner: provider.Address(), Version: userop.V06}, chain)
	require.NoError(t, err)

	b := &fakeBundler{}
	c, err := NewClient(ClientConfig{
		ChainID:      big.NewInt(42161),
		EntryPoint:   userop.EntryPointV06,
		Version:      userop.V06,
		FeePolicy:    eip1559.DefaultPolicy,
		Sponsorships: sponsorships,
	}, acc, provider, b, chain, nil)
	require.NoError(t, err)
	return &clientFixture{chain: chain, bundler: b, provider: provider, client: c}
}

func TestSendCallsSignsWithOwner(t *testing.T) {
	f := newClientFixture(t, nil)
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	hash, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorNone)
	require.NoError(t, err)
	require.Len(t, f.bundler.sent, 1)

	op := f.bundler.sent[0]
	assert.Equal(t, accountAddr, op.Sender)
	assert.Equal(t, int64(4), op.Nonce.Int64())
	assert.NotNil(t, op.Factory, "undeployed account carries initCode")
	assert.Nil(t, op.Paymaster)
	assert.Equal(t, int64(100_000), op.CallGasLimit.Int64())

	want, err := op.Hash(userop.EntryPointV06, big.NewInt(42161), userop.V06)
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	signerAddr, err := signer.RecoverSigner(want.Bytes(), op.Signature)
	require.NoError(t, err)
	assert.Equal(t, f.provider.Address(), signerAddr)

	require.Len(t, f.bundler.estimated, 1)
	assert.Len(t, f.bundler.estimated[0].Signature, 65, "estimation uses a dummy signature")
}

func TestSendCallsSecondOpUsesNextNonce(t *testing.T) {
	f := newClientFixture(t, nil)
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorNone)
	require.NoError(t, err)
	_, err = f.client.SendCalls(context.Background(), []Call{transfer}, SponsorNone)
	require.NoError(t, err)

	assert.Equal(t, int64(4), f.bundler.sent[0].Nonce.Int64())
	assert.Equal(t, int64(5), f.bundler.sent[1].Nonce.Int64())
}

func TestSendCallsRetriesOnNonceRejection(t *testing.T) {
	f := newClientFixture(t, nil)
	f.bundler.sendErrs = []error{&bundler.RPCError{Method: "eth_sendUserOperation", Code: bundler.CodeRejectedByEntryPoint, Message: "AA25 invalid account nonce"}}
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorNone)
	require.NoError(t, err)
	assert.Len(t, f.bundler.sent, 2)
}

func TestSendCallsPropagatesRejection(t *testing.T) {
	f := newClientFixture(t, nil)
	f.bundler.estErr = bundler.ErrRejected
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorNone)
	assert.ErrorIs(t, err, bundler.ErrRejected)
	assert.Empty(t, f.bundler.sent)
}

type fakeSponsor struct {
	stubCalls, dataCalls int
	ctx                  map[string]any
	final                bool
}

var sponsorAddr = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")

func (s *fakeSponsor) StubData(_ context.Context, _ *userop.UserOperation, req paymaster.Request) (*paymaster.Data, error) {
	s.stubCalls++
	s.ctx = req.Context
	return &paymaster.Data{Paymaster: sponsorAddr, PaymasterData: []byte{0x01}, IsFinal: s.final}, nil
}

func (s *fakeSponsor) Data(_ context.Context, op *userop.UserOperation, _ paymaster.Request) (*paymaster.Data, error) {
	s.dataCalls++
	return &paymaster.Data{Paymaster: sponsorAddr, PaymasterData: []byte{0x02}}, nil
}

func TestSendCallsWithPaymaster(t *testing.T) {
	sp := &fakeSponsor{}
	f := newClientFixture(t, map[SponsorshipMode]Sponsorship{
		SponsorPaymaster: {Sponsor: sp, Context: map[string]any{"sponsorshipPolicyId": "sp_1"}},
	})
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorPaymaster)
	require.NoError(t, err)

	assert.Equal(t, 1, sp.stubCalls)
	assert.Equal(t, 1, sp.dataCalls)
	assert.Equal(t, "sp_1", sp.ctx["sponsorshipPolicyId"])
	assert.Equal(t, []byte{0x01}, f.bundler.estimated[0].PaymasterData, "estimation runs with stub data")
	assert.Equal(t, []byte{0x02}, f.bundler.sent[0].PaymasterData, "final data is submitted")
}

func TestSendCallsFinalStubSkipsSecondRound(t *testing.T) {
	sp := &fakeSponsor{final: true}
	f := newClientFixture(t, map[SponsorshipMode]Sponsorship{SponsorPaymaster: {Sponsor: sp}})
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorPaymaster)
	require.NoError(t, err)
	assert.Equal(t, 0, sp.dataCalls)
}

func TestSendCallsERC20ModePrependsApprove(t *testing.T) {
	sp := &fakeSponsor{}
	f := newClientFixture(t, map[SponsorshipMode]Sponsorship{
		SponsorERC20: {Sponsor: sp, ApproveToken: &usdc, ApproveSpender: sponsorAddr},
	})
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorERC20)
	require.NoError(t, err)

	callData := f.bundler.sent[0].CallData
	require.True(t, hasPrefix(callData, SimpleAccountV06ABI, "executeBatch"))
	args, err := SimpleAccountV06ABI.Methods["executeBatch"].Inputs.Unpack(callData[4:])
	require.NoError(t, err)
	datas := args[1].([][]byte)
	require.Len(t, datas, 2)
	assert.Equal(t, common.FromHex("0x095ea7b3"), datas[0][:4])
	assert.Equal(t, transfer.Data, datas[1])
}

func TestSendCallsUnconfiguredSponsorship(t *testing.T) {
	f := newClientFixture(t, nil)
	transfer, _ := TransferCall(usdc, recipient, big.NewInt(1))

	_, err := f.client.SendCalls(context.Background(), []Call{transfer}, SponsorPaymaster)
	assert.ErrorIs(t, err, ErrSponsorshipUnavailable)
	assert.Empty(t, f.bundler.estimated)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
