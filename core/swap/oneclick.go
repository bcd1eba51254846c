package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

const (
	DefaultOneClickURL = "https://1click.chaindefuser.com"

	// quotes are requested with 1% slippage
	oneClickSlippageBps = 100
	oneClickDeadline    = 30 * time.Minute
)

// Asset is a token as listed by the one-click API.
type Asset struct {
	AssetID         string
	Blockchain      string
	ContractAddress string
	Symbol          string
}

// DepositQuote is where the swap input has to be sent.
type DepositQuote struct {
	DepositAddress     string
	AmountOut          string
	AmountOutFormatted string
}

// QuoteParams are the fields of an EXACT_INPUT quote request.
type QuoteParams struct {
	OriginAsset      string
	DestinationAsset string
	Amount           string
	RefundTo         string
	Recipient        string
	Deadline         time.Time
}

// OneClickAPI is the part of the one-click service the swapper uses.
type OneClickAPI interface {
	Tokens(ctx context.Context) ([]Asset, error)
	Quote(ctx context.Context, p QuoteParams) (*DepositQuote, error)
	SubmitDeposit(ctx context.Context, depositAddress, txHash string) error
}

// OneClickClient is OneClickAPI backed by the one-click SDK.
type OneClickClient struct {
	api   *oneclick.APIClient
	token string
}

func NewOneClickClient(url, jwtToken string, timeout time.Duration) *OneClickClient {
	cfg := oneclick.NewConfiguration()
	if url != "" {
		cfg.Servers = oneclick.ServerConfigurations{{URL: strings.TrimRight(url, "/")}}
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OneClickClient{api: oneclick.NewAPIClient(cfg), token: jwtToken}
}

func (c *OneClickClient) auth(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return context.WithValue(ctx, oneclick.ContextAccessToken, c.token)
}

func (c *OneClickClient) Tokens(ctx context.Context) ([]Asset, error) {
	resp, httpResp, err := c.api.OneClickAPI.GetTokens(c.auth(ctx)).Execute()
	if err != nil {
		return nil, apiError("tokens", httpResp, err)
	}
	defer httpResp.Body.Close()

	assets := make([]Asset, 0, len(resp))
	for _, t := range resp {
		assets = append(assets, Asset{
			AssetID:         t.GetAssetId(),
			Blockchain:      t.GetBlockchain(),
			ContractAddress: t.GetContractAddress(),
			Symbol:          t.GetSymbol(),
		})
	}
	return assets, nil
}

func (c *OneClickClient) Quote(ctx context.Context, p QuoteParams) (*DepositQuote, error) {
	req := oneclick.NewQuoteRequest(
		false,
		"EXACT_INPUT",
		oneClickSlippageBps,
		p.OriginAsset,
		"ORIGIN_CHAIN",
		p.DestinationAsset,
		p.Amount,
		p.RefundTo,
		"ORIGIN_CHAIN",
		p.Recipient,
		"DESTINATION_CHAIN",
		p.Deadline,
	)
	resp, httpResp, err := c.api.OneClickAPI.GetQuote(c.auth(ctx)).QuoteRequest(*req).Execute()
	if err != nil {
		return nil, apiError("quote", httpResp, err)
	}
	defer httpResp.Body.Close()
	if resp == nil {
		return nil, fmt.Errorf("%w: empty quote response", ErrQuoteRejected)
	}

	q := resp.GetQuote()
	return &DepositQuote{
		DepositAddress:     q.GetDepositAddress(),
		AmountOut:          q.GetAmountOut(),
		AmountOutFormatted: q.GetAmountOutFormatted(),
	}, nil
}

func (c *OneClickClient) SubmitDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(depositAddress, txHash)
	_, httpResp, err := c.api.OneClickAPI.SubmitDepositTx(c.auth(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return apiError("submit deposit", httpResp, err)
	}
	httpResp.Body.Close()
	return nil
}

// apiError keeps the server message when there is one and maps transport
// failures to bundler.ErrNetwork.
func apiError(op string, httpResp *http.Response, err error) error {
	if httpResp == nil {
		return fmt.Errorf("%w: one-click %s: %w", bundler.ErrNetwork, op, err)
	}
	defer httpResp.Body.Close()

	msg := err.Error()
	if body, readErr := io.ReadAll(httpResp.Body); readErr == nil && len(body) > 0 {
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			msg = payload.Message
		} else {
			msg = string(body)
		}
	}
	if httpResp.StatusCode >= http.StatusInternalServerError || httpResp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: one-click %s returned status %d: %s", bundler.ErrNetwork, op, httpResp.StatusCode, msg)
	}
	return fmt.Errorf("%w: one-click %s returned status %d: %s", ErrQuoteRejected, op, httpResp.StatusCode, msg)
}

type OneClickConfig struct {
	// Blockchain is the one-click chain id of the wallet's chain, e.g. "arb".
	Blockchain string
	AssetIDs   map[common.Address]string
}

// OneClickSwapper swaps through NEAR intents: the input is transferred to a
// quoted deposit address and the mined transaction is reported afterwards.
type OneClickSwapper struct {
	cfg    OneClickConfig
	api    OneClickAPI
	sub    Submitter
	logger logger.Logger

	mu       sync.Mutex
	assets   map[common.Address]string
	deposits map[common.Hash]string
}

func NewOneClickSwapper(cfg OneClickConfig, api OneClickAPI, sub Submitter, log logger.Logger) (*OneClickSwapper, error) {
	if api == nil || sub == nil {
		return nil, errors.New("one-click api and submitter are required")
	}
	assets := make(map[common.Address]string, len(cfg.AssetIDs))
	for k, v := range cfg.AssetIDs {
		assets[k] = v
	}
	return &OneClickSwapper{
		cfg:      cfg,
		api:      api,
		sub:      sub,
		logger:   logger.Component(log, "swap.oneclick"),
		assets:   assets,
		deposits: map[common.Hash]string{},
	}, nil
}

func (s *OneClickSwapper) Name() string { return "oneclick" }

// AssetID resolves a token address to its one-click asset id, loading the
// token list once when the address is not pinned in configuration.
func (s *OneClickSwapper) AssetID(ctx context.Context, token common.Address) (string, error) {
	s.mu.Lock()
	id, ok := s.assets[token]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	list, err := s.api.Tokens(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range list {
		if !strings.EqualFold(a.Blockchain, s.cfg.Blockchain) || !common.IsHexAddress(a.ContractAddress) {
			continue
		}
		addr := common.HexToAddress(a.ContractAddress)
		if _, pinned := s.assets[addr]; !pinned {
			s.assets[addr] = a.AssetID
		}
	}
	if id, ok := s.assets[token]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s on %q", ErrUnknownAsset, token.Hex(), s.cfg.Blockchain)
}

func (s *OneClickSwapper) Swap(ctx context.Context, req Request) (common.Hash, error) {
	if err := req.validate(); err != nil {
		return common.Hash{}, err
	}
	origin, err := s.AssetID(ctx, req.From)
	if err != nil {
		return common.Hash{}, err
	}
	dest, err := s.AssetID(ctx, req.To)
	if err != nil {
		return common.Hash{}, err
	}

	quote, err := s.api.Quote(ctx, QuoteParams{
		OriginAsset:      origin,
		DestinationAsset: dest,
		Amount:           req.Amount.String(),
		RefundTo:         req.Sender.Hex(),
		Recipient:        req.Sender.Hex(),
		Deadline:         time.Now().Add(oneClickDeadline),
	})
	if err != nil {
		return common.Hash{}, err
	}
	if !common.IsHexAddress(quote.DepositAddress) {
		return common.Hash{}, fmt.Errorf("%w: deposit address %q is not an EVM address", ErrQuoteRejected, quote.DepositAddress)
	}
	deposit := common.HexToAddress(quote.DepositAddress)

	var call aa.Call
	if req.From == NativeToken {
		call = aa.NativeTransferCall(deposit, req.Amount)
	} else if call, err = aa.TransferCall(req.From, deposit, req.Amount); err != nil {
		return common.Hash{}, err
	}

	hash, err := s.sub.SendCalls(ctx, []aa.Call{call}, req.Sponsorship)
	if err != nil {
		return common.Hash{}, err
	}

	s.mu.Lock()
	s.deposits[hash] = quote.DepositAddress
	s.mu.Unlock()

	s.logger.Info("swap deposit submitted",
		"depositAddress", quote.DepositAddress,
		"amountOut", quote.AmountOutFormatted,
		"userOpHash", hash.Hex())
	return hash, nil
}

// TakeDeposit returns and forgets the deposit address funded by userOpHash.
func (s *OneClickSwapper) TakeDeposit(userOpHash common.Hash) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deposit, ok := s.deposits[userOpHash]
	delete(s.deposits, userOpHash)
	return deposit, ok
}

// AfterReceipt tells the one-click service which transaction funded the deposit address.
func (s *OneClickSwapper) AfterReceipt(ctx context.Context, deposit string, txHash common.Hash) error {
	if deposit == "" || txHash == (common.Hash{}) {
		return nil
	}
	return s.api.SubmitDeposit(ctx, deposit, txHash.Hex())
}
