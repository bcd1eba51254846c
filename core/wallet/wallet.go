// Package wallet is the account abstraction facade: it turns application
// intents into smart account user operations and waits for their receipts.
//
// Every method returns either a result or a *Failure, never both silently:
// when an operation reached the bundler and then failed (reverted, receipt
// timeout, provider hook error) the Result carrying the user operation hash
// is returned together with the Failure.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/swap"
	"github.com/AvaProtocol/ap-wallet/core/tokens"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/byte4"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

const (
	OpInitialize     = "initialize"
	OpSwap           = "swap"
	OpSendToken      = "send_token"
	OpInvest         = "invest"
	OpWaitForReceipt = "wait_for_receipt"
)

const nativeDecimals = 18

// SponsorshipMode is re-exported so callers need not import the aa package.
type SponsorshipMode = aa.SponsorshipMode

const (
	SponsorNone      = aa.SponsorNone
	SponsorPaymaster = aa.SponsorPaymaster
	SponsorERC20     = aa.SponsorERC20
)

// SwapIntent asks for Amount of From, in human units, to be swapped into To.
type SwapIntent struct {
	From        common.Address  `json:"from"`
	To          common.Address  `json:"to"`
	Amount      string          `json:"amount"`
	Sponsorship SponsorshipMode `json:"sponsorship,omitempty"`
}

type Result struct {
	Operation  string          `json:"operation"`
	UserOpHash common.Hash     `json:"userOpHash"`
	Receipt    *userop.Receipt `json:"receipt,omitempty"`
	JournalID  string          `json:"journalId,omitempty"`

	settled bool
}

// TokenBalance is one configured token held by the smart account.
type TokenBalance struct {
	tokens.Metadata
	Balance   *big.Int `json:"balance"`
	Formatted string   `json:"formatted"`
}

type Wallet struct {
	cfg      *config.Config
	provider eip1193.Provider
	owner    common.Address
	address  common.Address

	backend  aa.ChainBackend
	client   AccountClient
	bundler  BundlerClient
	swapper  swap.Swapper
	registry TokenRegistry
	journal  *journal.Journal
	metrics  *metrics.WalletMetrics
	logger   logger.Logger

	sponsorships map[SponsorshipMode]aa.Sponsorship
	defaultMode  SponsorshipMode
	guard        *guard

	// call summaries of submitted operations, consumed when the operation is journaled
	submitted sync.Map
	// deposits of swaps whose receipt was not seen, kept here when there is no journal
	unreported sync.Map
	closers   []func()
}

// Initialize binds a smart account to provider. It checks that the provider
// is on the configured chain and exposes an owner account, then forwards the
// chain id, entry point and account settings of cfg to the account and client
// constructors.
func Initialize(ctx context.Context, cfg *config.Config, provider eip1193.Provider, opts ...Option) (w *Wallet, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var log logger.Logger
	if cfg != nil {
		log = cfg.Logger
	}
	log = logger.Component(log, "wallet")
	defer finish(OpInitialize, log, o.metrics, &err)

	if cfg == nil || cfg.ChainID == nil {
		return nil, invalid(OpInitialize, "configuration with a chain id is required")
	}
	if provider == nil {
		return nil, invalid(OpInitialize, "signing provider is required")
	}

	chainID, err := eip1193.ChainID(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("read provider chain: %w", err)
	}
	if chainID.Cmp(cfg.ChainID) != 0 {
		return nil, invalid(OpInitialize, "provider is on chain %s, wallet is configured for %s", chainID, cfg.ChainID)
	}
	accounts, err := eip1193.Accounts(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("read provider accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, invalid(OpInitialize, "provider exposes no accounts")
	}

	wl := &Wallet{
		cfg:      cfg,
		provider: provider,
		owner:    accounts[0],
		journal:  o.journal,
		metrics:  o.metrics,
		logger:   log,
	}
	defer func() {
		if r := recover(); r != nil {
			err = fail(OpInitialize, ReasonInternal, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			wl.Close()
			w = nil
		}
	}()
	if err := wl.build(ctx, o); err != nil {
		return nil, err
	}
	return wl, nil
}

func (w *Wallet) build(ctx context.Context, o *options) (err error) {
	cfg, log := w.cfg, w.logger

	if w.guard, err = newGuard(cfg.GuardExpression); err != nil {
		return err
	}
	if w.backend, err = o.dial(ctx, cfg.EthRpcUrl); err != nil {
		return err
	}
	w.addCloser(w.backend)

	sw := cfg.SmartWallet
	account, err := o.newAccount(aa.AccountConfig{
		Owner:      w.owner,
		Factory:    sw.Factory,
		Salt:       sw.Salt,
		EntryPoint: sw.EntryPoint,
		Version:    sw.Version,
	}, w.backend)
	if err != nil {
		return fmt.Errorf("%w: smart account: %w", ErrInvalidInput, err)
	}

	if w.bundler, err = o.newBundler(ctx, cfg.Bundler, log); err != nil {
		return err
	}
	w.addCloser(w.bundler)

	if err := w.buildSponsorships(ctx, o); err != nil {
		return err
	}

	w.client, err = o.newClient(aa.ClientConfig{
		ChainID:          cfg.ChainID,
		EntryPoint:       sw.EntryPoint,
		Version:          sw.Version,
		NonceRetries:     sw.NonceRetries,
		FeePolicy:        sw.FeePolicy,
		GasBufferPercent: sw.GasBufferPercent,
		Sponsorships:     w.sponsorships,
	}, account, w.provider, w.bundler, w.backend, log)
	if err != nil {
		return fmt.Errorf("%w: account client: %w", ErrInvalidInput, err)
	}
	if w.address, err = w.client.Address(ctx); err != nil {
		return fmt.Errorf("resolve smart account address: %w", err)
	}

	if w.swapper, err = o.newSwapper(cfg.Swap, cfg.Chain, w, log); err != nil {
		return fmt.Errorf("%w: swap provider: %w", ErrInvalidInput, err)
	}

	w.registry = o.registry
	if w.registry == nil {
		// the registry cache outlives ctx, it is released by Close
		reg, err := tokens.NewRegistry(context.Background(), cfg.Tokens.Decimals, w.backend, cfg.Tokens.CacheTTL, log)
		if err != nil {
			return err
		}
		w.registry = reg
		w.addCloser(reg)
	}

	swapName := "none"
	if w.swapper != nil {
		swapName = w.swapper.Name()
	}
	log.Info("wallet initialized",
		"chain", cfg.ChainID,
		"owner", w.owner.Hex(),
		"account", w.address.Hex(),
		"entryPoint", sw.EntryPoint.Hex(),
		"version", string(sw.Version),
		"sponsorships", lo.Keys(w.sponsorships),
		"swap", swapName)
	return nil
}

// buildSponsorships maps each sponsorship mode to the paymaster serving it.
// A configured ERC-7677 endpoint serves sponsored mode, and ERC-20 mode when
// configured; a local verifying paymaster serves sponsored mode otherwise.
func (w *Wallet) buildSponsorships(ctx context.Context, o *options) error {
	pm := w.cfg.Paymaster
	w.sponsorships = map[SponsorshipMode]aa.Sponsorship{}

	if pm.URL != "" {
		sponsor, err := o.newSponsor(ctx, paymaster.Config{URL: pm.URL, Headers: pm.Headers, Timeout: pm.Timeout}, w.logger)
		if err != nil {
			return err
		}
		w.addCloser(sponsor)

		pmContext, err := pm.Context.Map()
		if err != nil {
			return fmt.Errorf("%w: sponsorship context: %w", ErrInvalidInput, err)
		}
		w.sponsorships[SponsorPaymaster] = aa.Sponsorship{Sponsor: sponsor, Context: pmContext}

		if erc20 := pm.ERC20; erc20 != nil {
			erc20Context, err := erc20.Context.Map()
			if err != nil {
				return fmt.Errorf("%w: erc20 sponsorship context: %w", ErrInvalidInput, err)
			}
			token := erc20.Token
			w.sponsorships[SponsorERC20] = aa.Sponsorship{
				Sponsor:        sponsor,
				Context:        erc20Context,
				ApproveToken:   &token,
				ApproveSpender: erc20.Paymaster,
				ApproveAmount:  erc20.ApproveAmount,
			}
		}
	} else if v := pm.Verifying; v != nil {
		w.sponsorships[SponsorPaymaster] = aa.Sponsorship{
			Sponsor: paymaster.NewVerifyingSigner(v.Address, v.Key, v.Validity),
		}
	}

	w.defaultMode = SponsorNone
	if _, ok := w.sponsorships[SponsorPaymaster]; ok {
		w.defaultMode = SponsorPaymaster
	}
	return nil
}

// Address is the counterfactual smart account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Owner is the provider account that signs user operations.
func (w *Wallet) Owner() common.Address {
	return w.owner
}

func (w *Wallet) Config() *config.Config {
	return w.cfg
}

// Sponsorships lists the configured modes besides none.
func (w *Wallet) Sponsorships() []SponsorshipMode {
	modes := lo.Keys(w.sponsorships)
	slices.Sort(modes)
	return append([]SponsorshipMode{SponsorNone}, modes...)
}

// DefaultSponsorship is used by SendToken and Invest: the paymaster when one
// is configured, else the account pays.
func (w *Wallet) DefaultSponsorship() SponsorshipMode {
	return w.defaultMode
}

// SendCalls submits calls through the smart account client. Swap providers
// submit through it so every user operation is counted and described in the
// journal the same way.
func (w *Wallet) SendCalls(ctx context.Context, calls []aa.Call, mode aa.SponsorshipMode) (common.Hash, error) {
	hash, err := w.client.SendCalls(ctx, calls, mode)
	if err != nil {
		return common.Hash{}, err
	}
	w.metrics.IncUserOpSent(string(lo.Ternary(mode == "", SponsorNone, mode)))
	w.submitted.Store(hash, describeCalls(calls))
	return hash, nil
}

// Swap converts intent.Amount with the decimals of intent.From, hands the
// swap to the configured provider and waits for the receipt of the user
// operation it submitted.
func (w *Wallet) Swap(ctx context.Context, intent SwapIntent) (res *Result, err error) {
	defer w.finish(OpSwap, &err)

	if w.swapper == nil {
		return nil, invalid(OpSwap, "no swap provider configured")
	}
	if intent.From == (common.Address{}) || intent.To == (common.Address{}) {
		return nil, invalid(OpSwap, "source and destination tokens are required")
	}
	if intent.From == intent.To {
		return nil, invalid(OpSwap, "source and destination token are the same")
	}

	amount, err := w.parseAmount(ctx, intent.From, intent.Amount)
	if err != nil {
		return nil, err
	}
	mode := lo.Ternary(intent.Sponsorship == "", w.defaultMode, intent.Sponsorship)
	if err := w.guard.allow(guardInput{op: OpSwap, token: intent.From, to: intent.To, amount: intent.Amount, sponsorship: mode, account: w.address}); err != nil {
		return nil, err
	}

	hash, err := w.swapper.Swap(ctx, swap.Request{
		From:        intent.From,
		To:          intent.To,
		Amount:      amount,
		Sender:      w.address,
		Sponsorship: mode,
	})
	if err != nil {
		return nil, err
	}
	if hash == (common.Hash{}) {
		return nil, fail(OpSwap, ReasonInternal, fmt.Errorf("swap provider %s returned no user operation hash", w.swapper.Name()))
	}

	var deposit string
	if hook, ok := w.swapper.(swap.ReceiptHook); ok {
		deposit, _ = hook.TakeDeposit(hash)
	}
	res, err = w.await(ctx, OpSwap, hash, mode, deposit)
	if !res.settled {
		return res, err
	}
	if hookErr := w.reportDeposit(ctx, deposit, res.Receipt); hookErr != nil && err == nil {
		err = hookErr
	}
	return res, err
}

// reportDeposit tells the swap provider which transaction funded deposit.
// Reverted operations funded nothing and are not reported.
func (w *Wallet) reportDeposit(ctx context.Context, deposit string, receipt *userop.Receipt) error {
	hook, ok := w.swapper.(swap.ReceiptHook)
	if !ok || deposit == "" || receipt == nil || !receipt.Success {
		return nil
	}
	if err := hook.AfterReceipt(ctx, deposit, receipt.TxHash()); err != nil {
		return fmt.Errorf("%s after receipt: %w", w.swapper.Name(), err)
	}
	return nil
}

// ReportResolved completes a swap whose receipt was found after Swap returned,
// e.g. by the journal reconciler. It matches journal.Reconciler.OnResolved.
func (w *Wallet) ReportResolved(ctx context.Context, e *journal.Entry, receipt *userop.Receipt) {
	if e == nil || e.Kind != OpSwap || e.Deposit == "" {
		return
	}
	if err := w.reportDeposit(ctx, e.Deposit, receipt); err != nil {
		w.logger.Error("failed to report swap deposit", "id", e.ID, "deposit", e.Deposit, "error", err)
	}
}

// SendToken transfers amount of the configured stablecoin to to.
func (w *Wallet) SendToken(ctx context.Context, amount string, to common.Address) (res *Result, err error) {
	defer w.finish(OpSendToken, &err)

	token := w.cfg.Tokens.Stablecoin
	if token == (common.Address{}) {
		return nil, invalid(OpSendToken, "no stablecoin configured for chain %s", w.cfg.ChainID)
	}
	if to == (common.Address{}) {
		return nil, invalid(OpSendToken, "recipient is required")
	}
	value, err := w.parseAmount(ctx, token, amount)
	if err != nil {
		return nil, err
	}
	if err := w.guard.allow(guardInput{op: OpSendToken, token: token, to: to, amount: amount, sponsorship: w.defaultMode, account: w.address}); err != nil {
		return nil, err
	}
	call, err := aa.TransferCall(token, to, value)
	if err != nil {
		return nil, err
	}
	return w.submit(ctx, OpSendToken, []aa.Call{call}, w.defaultMode)
}

// Invest approves the vault for amount of its underlying asset and deposits
// it, minting shares to the smart account. Both calls go into one user
// operation executed by executeBatch, so they succeed or revert together.
func (w *Wallet) Invest(ctx context.Context, vault common.Address, amount string) (res *Result, err error) {
	defer w.finish(OpInvest, &err)

	if vault == (common.Address{}) {
		return nil, invalid(OpInvest, "vault is required")
	}
	asset, err := aa.VaultAsset(ctx, w.backend, vault)
	if err != nil {
		return nil, err
	}
	value, err := w.parseAmount(ctx, asset, amount)
	if err != nil {
		return nil, err
	}
	if err := w.guard.allow(guardInput{op: OpInvest, token: asset, to: vault, amount: amount, sponsorship: w.defaultMode, account: w.address}); err != nil {
		return nil, err
	}

	approve, err := aa.ApproveCall(asset, vault, value)
	if err != nil {
		return nil, err
	}
	deposit, err := aa.DepositCall(vault, value, w.address)
	if err != nil {
		return nil, err
	}
	return w.submit(ctx, OpInvest, []aa.Call{approve, deposit}, w.defaultMode)
}

// WaitForReceipt waits for the receipt of hash and resolves its journal entry.
func (w *Wallet) WaitForReceipt(ctx context.Context, hash common.Hash) (receipt *userop.Receipt, err error) {
	defer w.finish(OpWaitForReceipt, &err)

	if hash == (common.Hash{}) {
		return nil, invalid(OpWaitForReceipt, "user operation hash is required")
	}
	receipt, err = w.bundler.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	// only the caller that moves the entry out of pending reports the deposit
	var deposit string
	if w.journal != nil {
		if e, jerr := w.journal.ByHash(hash); jerr == nil {
			_, jerr = w.journal.Resolve(e.ID, receipt)
			switch {
			case jerr == nil:
				deposit = e.Deposit
			case !errors.Is(jerr, journal.ErrAlreadyDone):
				w.logger.Warn("failed to resolve journal entry", "id", e.ID, "error", jerr)
			}
		}
	} else if v, ok := w.unreported.LoadAndDelete(hash); ok {
		deposit = v.(string)
	}
	return receipt, w.reportDeposit(ctx, deposit, receipt)
}

// Operation returns the journal entry of hash.
func (w *Wallet) Operation(hash common.Hash) (*journal.Entry, error) {
	if w.journal == nil {
		return nil, invalid("operation", "journal is not enabled")
	}
	e, err := w.journal.ByHash(hash)
	if err != nil {
		return nil, classify("operation", err)
	}
	return e, nil
}

// History lists journaled operations, newest first.
func (w *Wallet) History(limit int) ([]*journal.Entry, error) {
	if w.journal == nil {
		return nil, invalid("history", "journal is not enabled")
	}
	entries, err := w.journal.List(limit)
	if err != nil {
		return nil, classify("history", err)
	}
	return entries, nil
}

// Balances reads the smart account balance of every configured token.
func (w *Wallet) Balances(ctx context.Context) ([]TokenBalance, error) {
	list := lo.Keys(w.cfg.Tokens.Decimals)
	if w.cfg.Tokens.Stablecoin != (common.Address{}) && !lo.Contains(list, w.cfg.Tokens.Stablecoin) {
		list = append(list, w.cfg.Tokens.Stablecoin)
	}
	slices.SortFunc(list, func(a, b common.Address) int { return a.Cmp(b) })

	out := make([]TokenBalance, 0, len(list))
	for _, token := range list {
		meta, err := w.registry.Metadata(ctx, token)
		if err != nil {
			return nil, classify("balances", err)
		}
		bal, err := aa.TokenBalance(ctx, w.backend, token, w.address)
		if err != nil {
			return nil, classify("balances", err)
		}
		out = append(out, TokenBalance{
			Metadata:  *meta,
			Balance:   bal,
			Formatted: tokens.FormatAmount(bal, meta.Decimals),
		})
	}
	return out, nil
}

// ReceiptSource exposes the bundler for journal reconciliation.
func (w *Wallet) ReceiptSource() journal.ReceiptSource {
	return w.bundler
}

func (w *Wallet) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}

func (w *Wallet) addCloser(v any) {
	switch c := v.(type) {
	case interface{ Close() }:
		w.closers = append(w.closers, c.Close)
	case interface{ Close() error }:
		w.closers = append(w.closers, func() {
			if err := c.Close(); err != nil {
				w.logger.Warn("close failed", "error", err)
			}
		})
	}
}

func (w *Wallet) parseAmount(ctx context.Context, token common.Address, amount string) (*big.Int, error) {
	decimals := uint8(nativeDecimals)
	if token != swap.NativeToken {
		d, err := w.registry.Decimals(ctx, token)
		if err != nil {
			return nil, err
		}
		decimals = d
	}
	return tokens.ParseAmount(amount, decimals)
}

func (w *Wallet) submit(ctx context.Context, op string, calls []aa.Call, mode SponsorshipMode) (*Result, error) {
	hash, err := w.SendCalls(ctx, calls, mode)
	if err != nil {
		return nil, err
	}
	return w.await(ctx, op, hash, mode, "")
}

// await journals hash as pending, waits for its receipt and records the outcome.
// A receipt timeout or cancellation leaves the entry pending for the reconciler.
// res.settled is set when this call recorded the receipt.
func (w *Wallet) await(ctx context.Context, op string, hash common.Hash, mode SponsorshipMode, deposit string) (*Result, error) {
	res := &Result{Operation: op, UserOpHash: hash}

	var entry *journal.Entry
	summary, _ := w.submitted.LoadAndDelete(hash)
	if w.journal != nil {
		entry = &journal.Entry{
			Kind:        op,
			UserOpHash:  hash,
			Sender:      w.address,
			Sponsorship: string(mode),
			Deposit:     deposit,
		}
		if calls, ok := summary.([]string); ok {
			entry.Calls = calls
		}
		if err := w.journal.Record(entry); err != nil {
			w.logger.Warn("failed to journal operation", "userOpHash", hash.Hex(), "error", err)
			entry = nil
		} else {
			res.JournalID = entry.ID
		}
	}

	start := time.Now()
	receipt, err := w.bundler.WaitForReceipt(ctx, hash)
	w.metrics.ObserveReceiptWait(time.Since(start))
	if err != nil {
		f := classify(op, err)
		stillPending := f.Reason == ReasonTimeout || f.Reason == ReasonUserCancelled
		if stillPending && w.journal == nil && deposit != "" {
			w.unreported.Store(hash, deposit)
		}
		if entry != nil && !stillPending {
			if _, jerr := w.journal.Fail(entry.ID, err.Error()); jerr != nil && !errors.Is(jerr, journal.ErrAlreadyDone) {
				w.logger.Warn("failed to update journal entry", "id", entry.ID, "error", jerr)
			}
		}
		return res, f
	}

	res.Receipt = receipt
	res.settled = true
	if entry != nil {
		_, jerr := w.journal.Resolve(entry.ID, receipt)
		if errors.Is(jerr, journal.ErrAlreadyDone) {
			// the reconciler recorded it first and owns the follow-up
			res.settled = false
		} else if jerr != nil {
			w.logger.Warn("failed to update journal entry", "id", entry.ID, "error", jerr)
		}
	}
	if !receipt.Success {
		reason := receipt.Reason
		if reason == "" {
			reason = "no revert reason"
		}
		return res, fail(op, ReasonReverted, fmt.Errorf("%w: %s in tx %s", ErrReverted, reason, receipt.TxHash().Hex()))
	}
	return res, nil
}

func (w *Wallet) finish(op string, err *error) {
	if r := recover(); r != nil {
		*err = fail(op, ReasonInternal, fmt.Errorf("panic: %v", r))
	}
	finish(op, w.logger, w.metrics, err)
}

// finish turns *err into a *Failure, recovering a panic into an internal
// failure, and records the outcome.
func finish(op string, log logger.Logger, m *metrics.WalletMetrics, err *error) {
	if r := recover(); r != nil {
		*err = fail(op, ReasonInternal, fmt.Errorf("panic: %v", r))
	}
	if *err == nil {
		m.IncOperation(op, "success")
		return
	}
	f := classify(op, *err)
	*err = f
	m.IncOperation(op, string(f.Reason))
	logger.EnsureLogger(log).Warn("wallet operation failed", "op", op, "reason", string(f.Reason), "error", f.Err)
}

func describeCalls(calls []aa.Call) []string {
	return lo.Map(calls, func(c aa.Call, _ int) string {
		name := byte4.Describe(c.Data, aa.ERC20ABI, aa.ERC4626ABI)
		return strings.Join([]string{name, c.To.Hex()}, "@")
	})
}
