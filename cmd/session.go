package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/swap"
	"github.com/AvaProtocol/ap-wallet/core/wallet"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const defaultJournalPath = "./data/journal"

// session is everything a command needs to talk to the smart account.
type session struct {
	cfg      *config.Config
	wallet   *wallet.Wallet
	journal  *journal.Journal
	db       storage.Storage
	metrics  *metrics.WalletMetrics
	registry *prometheus.Registry

	closers []func()
}

func journalPath(cfg *config.Config) string {
	if cfg.Journal.Path != "" {
		return cfg.Journal.Path
	}
	return defaultJournalPath
}

func openJournal(cfg *config.Config) (*journal.Journal, storage.Storage, error) {
	db, err := storage.NewWithPath(journalPath(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal at %s: %w", journalPath(cfg), err)
	}
	return journal.New(db, cfg.Logger), db, nil
}

// openSession loads the config, opens the journal and initializes the wallet
// against the local owner key, or the remote signer when one is configured.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, registry: prometheus.NewRegistry()}
	s.metrics = metrics.NewWalletMetrics(s.registry)

	j, db, err := openJournal(cfg)
	if err != nil {
		return nil, err
	}
	s.journal = j
	s.db = db
	s.closers = append(s.closers, func() { _ = db.Close() })

	var provider eip1193.Provider
	if cfg.SignerRpcUrl != "" {
		remote, err := eip1193.DialRPCProvider(ctx, cfg.SignerRpcUrl)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to reach signer: %w", err)
		}
		s.closers = append(s.closers, remote.Close)
		provider = remote
	} else {
		provider = eip1193.NewLocalProvider(cfg.OwnerKey, cfg.ChainID, nil)
	}

	w, err := wallet.Initialize(ctx, cfg, provider,
		wallet.WithJournal(s.journal),
		wallet.WithMetrics(s.metrics),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.wallet = w
	s.closers = append(s.closers, w.Close)
	return s, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// commandContext bounds a command by --timeout and cancels on interrupt.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

// parseToken accepts a token address, or "native"/"eth" for the gas token.
func parseToken(v string) (common.Address, error) {
	switch strings.ToLower(v) {
	case "native", "eth":
		return swap.NativeToken, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%q is not a token address", v)
	}
	return common.HexToAddress(v), nil
}

func parseAddress(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, v)
	}
	return common.HexToAddress(v), nil
}

// submit runs op behind a spinner and prints its result, including the
// user operation hash when op failed after reaching the bundler.
func submit(s *session, label string, op func() (*wallet.Result, error)) error {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		sp.Suffix = " " + label
		sp.Start()
	}
	res, err := op()
	if !jsonOutput {
		sp.Stop()
	}

	if res != nil {
		printResult(s.cfg, res)
	}
	return err
}

func printResult(cfg *config.Config, res *wallet.Result) {
	if jsonOutput {
		printJSON(res)
		return
	}

	fmt.Printf("\n  Operation:     %s\n", res.Operation)
	fmt.Printf("  UserOp hash:   %s\n", color.CyanString(res.UserOpHash.Hex()))
	if res.Receipt != nil {
		tx := res.Receipt.TxHash()
		fmt.Printf("  Transaction:   %s\n", tx.Hex())
		if link := cfg.Chain.TxURL(tx); link != "" {
			fmt.Printf("  Explorer:      %s\n", color.CyanString(link))
		}
		status := color.GreenString("success")
		if !res.Receipt.Success {
			status = color.RedString("reverted")
		}
		fmt.Printf("  Status:        %s\n", status)
	}
	if verbose && res.Receipt != nil {
		fmt.Println()
		pp.Println(res.Receipt)
	}
	fmt.Println()
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
