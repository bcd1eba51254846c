package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

const EnvPrefix = "APW"

// Config is the resolved wallet configuration. Every chain specific value the
// wallet uses comes from here.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl string
	ChainID   *big.Int
	Chain     Chain

	// OwnerKey backs a local EIP-1193 provider. SignerRpcUrl is used instead when set.
	OwnerKey     *ecdsa.PrivateKey `json:"-"`
	SignerRpcUrl string

	SmartWallet SmartWalletConfig
	Bundler     bundler.Config
	Paymaster   PaymasterConfig
	Tokens      TokensConfig
	Swap        SwapConfig
	Journal     JournalConfig
	Gateway     GatewayConfig

	// GuardExpression must evaluate to true for an operation to be submitted.
	GuardExpression string
}

type SmartWalletConfig struct {
	EntryPoint       common.Address
	Version          userop.EntryPointVersion
	Factory          common.Address
	Salt             *big.Int
	NonceRetries     int
	GasBufferPercent int64
	FeePolicy        eip1559.Policy
}

// SponsorshipContext is the ERC-7677 context sent with every paymaster request.
type SponsorshipContext struct {
	PolicyID string `mapstructure:"sponsorshipPolicyId,omitempty"`
	Token    string `mapstructure:"token,omitempty"`
	Webhook  string `mapstructure:"webhookData,omitempty"`
}

// Map renders the context in the shape paymaster services expect.
func (s SponsorshipContext) Map() (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(s, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type PaymasterConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Context SponsorshipContext

	// ERC20 enables the erc20 sponsorship mode.
	ERC20 *ERC20PaymasterConfig
	// Verifying enables local signing for the sponsored mode when no URL is set.
	Verifying *VerifyingPaymasterConfig
}

type ERC20PaymasterConfig struct {
	Token         common.Address
	Paymaster     common.Address
	ApproveAmount *big.Int
	Context       SponsorshipContext
}

type VerifyingPaymasterConfig struct {
	Address  common.Address
	Key      *ecdsa.PrivateKey `json:"-"`
	Validity time.Duration
}

type TokensConfig struct {
	Stablecoin common.Address
	Decimals   map[common.Address]uint8
	CacheTTL   time.Duration
}

type SwapConfig struct {
	Provider    string
	APIURL      string
	APIKey      string `json:"-"`
	SlippageBps int
	Timeout     time.Duration
	// AssetIDs pins one-click asset ids by token address.
	AssetIDs map[common.Address]string
}

type JournalConfig struct {
	Path              string
	ReconcileInterval time.Duration
}

type GatewayConfig struct {
	Addr      string
	JWTSecret string `json:"-"`
	SentryDsn string

	// ServerName is reported to sentry, defaults to the host name
	ServerName string
}

// These are read from configPath
type ConfigRaw struct {
	Environment     sdklogging.LogLevel `yaml:"environment" validate:"required,oneof=development production"`
	EthRpcUrl       string              `yaml:"eth_rpc_url" validate:"required,url"`
	ChainID         uint64              `yaml:"chain_id" validate:"required,gt=0"`
	EcdsaPrivateKey string              `yaml:"ecdsa_private_key" validate:"required_without=SignerRpcUrl"`
	SignerRpcUrl    string              `yaml:"signer_rpc_url" validate:"omitempty,url"`

	SmartWallet SmartWalletRaw `yaml:"smart_wallet"`
	Bundler     BundlerRaw     `yaml:"bundler"`
	Paymaster   PaymasterRaw   `yaml:"paymaster"`
	Tokens      TokensRaw      `yaml:"tokens"`
	Swap        SwapRaw        `yaml:"swap"`
	Journal     JournalRaw     `yaml:"journal"`
	Gateway     GatewayRaw     `yaml:"gateway"`
	Guard       string         `yaml:"guard"`
}

type SmartWalletRaw struct {
	EntryPointVersion string `yaml:"entrypoint_version" validate:"omitempty,oneof=0.6 0.7"`
	EntryPointAddress string `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress    string `yaml:"factory_address" validate:"omitempty,eth_addr"`
	Salt              string `yaml:"salt" validate:"omitempty,number"`
	NonceRetries      int    `yaml:"nonce_retries" validate:"gte=0,lte=10"`
	GasBufferPercent  int64  `yaml:"gas_buffer_percent" validate:"gte=0,lte=100"`
	TipBufferPercent  int64  `yaml:"tip_buffer_percent" validate:"gte=0,lte=100"`
}

type BundlerRaw struct {
	Url            string            `yaml:"url" validate:"required,url"`
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout"`
	GasPriceMethod string            `yaml:"gas_price_method"`
	ReceiptTimeout time.Duration     `yaml:"receipt_timeout"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	MaxPollDelay   time.Duration     `yaml:"max_poll_delay"`
}

type PaymasterRaw struct {
	Url     string            `yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// Context is free-form YAML, decoded into SponsorshipContext.
	Context map[interface{}]interface{} `yaml:"sponsorship_context"`

	ERC20     *ERC20PaymasterRaw     `yaml:"erc20"`
	Verifying *VerifyingPaymasterRaw `yaml:"verifying"`
}

type ERC20PaymasterRaw struct {
	Token         string                      `yaml:"token" validate:"required,eth_addr"`
	Paymaster     string                      `yaml:"paymaster_address" validate:"required,eth_addr"`
	ApproveAmount string                      `yaml:"approve_amount" validate:"omitempty,number"`
	Context       map[interface{}]interface{} `yaml:"sponsorship_context"`
}

type VerifyingPaymasterRaw struct {
	Address   string        `yaml:"address" validate:"required,eth_addr"`
	SignerKey string        `yaml:"signer_private_key" validate:"required,hexadecimal"`
	Validity  time.Duration `yaml:"validity"`
}

type TokensRaw struct {
	Stablecoin string           `yaml:"stablecoin" validate:"omitempty,eth_addr"`
	Decimals   map[string]uint8 `yaml:"decimals" validate:"dive,keys,eth_addr,endkeys,lte=36"`
	CacheTTL   time.Duration    `yaml:"cache_ttl"`
}

type SwapRaw struct {
	Provider    string            `yaml:"provider" validate:"omitempty,oneof=aggregator oneclick"`
	ApiUrl      string            `yaml:"api_url" validate:"omitempty,url"`
	ApiKey      string            `yaml:"api_key"`
	SlippageBps int               `yaml:"slippage_bps" validate:"gte=0,lte=5000"`
	Timeout     time.Duration     `yaml:"timeout"`
	AssetIDs    map[string]string `yaml:"asset_ids" validate:"dive,keys,eth_addr,endkeys,required"`
}

type JournalRaw struct {
	Path              string        `yaml:"path"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type GatewayRaw struct {
	Addr       string `yaml:"addr" validate:"omitempty,hostname_port"`
	JwtSecret  string `yaml:"jwt_secret"`
	SentryDsn  string `yaml:"sentry_dsn" validate:"omitempty,url"`
	ServerName string `yaml:"server_name"`
}

// envKeys can be overridden with APW_<KEY>, dots replaced by underscores.
var envKeys = []string{
	"environment",
	"eth_rpc_url",
	"chain_id",
	"ecdsa_private_key",
	"signer_rpc_url",
	"bundler.url",
	"paymaster.url",
	"swap.provider",
	"swap.api_url",
	"swap.api_key",
	"journal.path",
	"gateway.addr",
	"gateway.jwt_secret",
	"gateway.sentry_dsn",
	"guard",
}

var validate = validator.New()

// NewConfig parses the yaml file at configPath, applies APW_* environment
// overrides and resolves the result.
func NewConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	raw := ConfigRaw{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	ApplyEnv(&raw, viper.New())
	return NewConfigFromRaw(raw)
}

// ApplyEnv overwrites raw fields with APW_* environment variables when they are set.
func ApplyEnv(raw *ConfigRaw, v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	set("eth_rpc_url", &raw.EthRpcUrl)
	set("ecdsa_private_key", &raw.EcdsaPrivateKey)
	set("signer_rpc_url", &raw.SignerRpcUrl)
	set("bundler.url", &raw.Bundler.Url)
	set("paymaster.url", &raw.Paymaster.Url)
	set("swap.provider", &raw.Swap.Provider)
	set("swap.api_url", &raw.Swap.ApiUrl)
	set("swap.api_key", &raw.Swap.ApiKey)
	set("journal.path", &raw.Journal.Path)
	set("gateway.addr", &raw.Gateway.Addr)
	set("gateway.jwt_secret", &raw.Gateway.JwtSecret)
	set("gateway.sentry_dsn", &raw.Gateway.SentryDsn)
	set("guard", &raw.Guard)
	if v.IsSet("environment") {
		raw.Environment = sdklogging.LogLevel(v.GetString("environment"))
	}
	if v.IsSet("chain_id") {
		raw.ChainID = v.GetUint64("chain_id")
	}
}

// NewConfigFromRaw validates raw and resolves defaults.
func NewConfigFromRaw(raw ConfigRaw) (*Config, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(string(raw.Environment))
	if err != nil {
		return nil, err
	}

	chainID := new(big.Int).SetUint64(raw.ChainID)
	chain, _ := KnownChain(chainID)

	c := &Config{
		Environment:  raw.Environment,
		Logger:       log,
		EthRpcUrl:    raw.EthRpcUrl,
		ChainID:      chainID,
		Chain:        chain,
		SignerRpcUrl: raw.SignerRpcUrl,
	}

	if raw.EcdsaPrivateKey != "" {
		c.OwnerKey, err = parseKey(raw.EcdsaPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ecdsa_private_key: %w", err)
		}
	}

	if c.SmartWallet, err = resolveSmartWallet(raw.SmartWallet); err != nil {
		return nil, err
	}

	c.Bundler = bundler.Config{
		URL:            raw.Bundler.Url,
		Headers:        raw.Bundler.Headers,
		Timeout:        raw.Bundler.Timeout,
		GasPriceMethod: raw.Bundler.GasPriceMethod,
		Polling:        bundler.DefaultPolling,
	}
	if raw.Bundler.ReceiptTimeout > 0 {
		c.Bundler.Polling.Timeout = raw.Bundler.ReceiptTimeout
	}
	if raw.Bundler.PollInterval > 0 {
		c.Bundler.Polling.Initial = raw.Bundler.PollInterval
	}
	if raw.Bundler.MaxPollDelay > 0 {
		c.Bundler.Polling.Max = raw.Bundler.MaxPollDelay
	}

	if c.Paymaster, err = resolvePaymaster(raw.Paymaster); err != nil {
		return nil, err
	}
	// the local verifying paymaster signs the v0.6 paymasterAndData layout only
	if c.Paymaster.Verifying != nil && c.SmartWallet.Version != userop.V06 {
		return nil, fmt.Errorf("paymaster.verifying requires entrypoint_version 0.6, got %s", c.SmartWallet.Version)
	}

	c.Tokens = TokensConfig{
		Stablecoin: chain.Stablecoin,
		Decimals:   map[common.Address]uint8{},
		CacheTTL:   raw.Tokens.CacheTTL,
	}
	if raw.Tokens.Stablecoin != "" {
		c.Tokens.Stablecoin = common.HexToAddress(raw.Tokens.Stablecoin)
	}
	for addr, d := range raw.Tokens.Decimals {
		c.Tokens.Decimals[common.HexToAddress(addr)] = d
	}
	if c.Tokens.CacheTTL == 0 {
		c.Tokens.CacheTTL = time.Hour
	}

	c.Swap = SwapConfig{
		Provider:    raw.Swap.Provider,
		APIURL:      raw.Swap.ApiUrl,
		APIKey:      raw.Swap.ApiKey,
		SlippageBps: raw.Swap.SlippageBps,
		Timeout:     raw.Swap.Timeout,
		AssetIDs:    map[common.Address]string{},
	}
	for addr, id := range raw.Swap.AssetIDs {
		c.Swap.AssetIDs[common.HexToAddress(addr)] = id
	}
	if c.Swap.SlippageBps == 0 {
		c.Swap.SlippageBps = 100
	}
	if c.Swap.Timeout == 0 {
		c.Swap.Timeout = 15 * time.Second
	}

	c.Journal = JournalConfig{Path: raw.Journal.Path, ReconcileInterval: raw.Journal.ReconcileInterval}
	if c.Journal.ReconcileInterval == 0 {
		c.Journal.ReconcileInterval = 30 * time.Second
	}

	c.Gateway = GatewayConfig{
		Addr:       raw.Gateway.Addr,
		JWTSecret:  raw.Gateway.JwtSecret,
		SentryDsn:  raw.Gateway.SentryDsn,
		ServerName: raw.Gateway.ServerName,
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = "localhost:8480"
	}
	c.GuardExpression = raw.Guard

	c.validate()
	return c, nil
}

func resolveSmartWallet(raw SmartWalletRaw) (SmartWalletConfig, error) {
	sw := SmartWalletConfig{
		Version:          userop.V06,
		Salt:             new(big.Int),
		NonceRetries:     raw.NonceRetries,
		GasBufferPercent: raw.GasBufferPercent,
		FeePolicy:        eip1559.DefaultPolicy,
	}
	if raw.EntryPointVersion != "" {
		sw.Version = userop.EntryPointVersion(raw.EntryPointVersion)
	}
	entryPoint, err := userop.DefaultEntryPoint(sw.Version)
	if err != nil {
		return sw, fmt.Errorf("smart_wallet.entrypoint_version: %w", err)
	}
	sw.EntryPoint = entryPoint
	if raw.EntryPointAddress != "" {
		sw.EntryPoint = common.HexToAddress(raw.EntryPointAddress)
	}
	if raw.FactoryAddress != "" {
		sw.Factory = common.HexToAddress(raw.FactoryAddress)
	}
	if raw.Salt != "" {
		// validated as a number above
		sw.Salt.SetString(raw.Salt, 10)
	}
	if sw.NonceRetries == 0 {
		sw.NonceRetries = 2
	}
	if sw.GasBufferPercent == 0 {
		sw.GasBufferPercent = 10
	}
	if raw.TipBufferPercent > 0 {
		sw.FeePolicy.TipBufferPercent = raw.TipBufferPercent
	}
	return sw, nil
}

func resolvePaymaster(raw PaymasterRaw) (PaymasterConfig, error) {
	pm := PaymasterConfig{
		URL:     raw.Url,
		Headers: raw.Headers,
		Timeout: raw.Timeout,
	}
	if err := decodeContext(raw.Context, &pm.Context); err != nil {
		return pm, fmt.Errorf("paymaster.sponsorship_context: %w", err)
	}

	if raw.ERC20 != nil {
		e := &ERC20PaymasterConfig{
			Token:     common.HexToAddress(raw.ERC20.Token),
			Paymaster: common.HexToAddress(raw.ERC20.Paymaster),
		}
		if raw.ERC20.ApproveAmount != "" {
			e.ApproveAmount, _ = new(big.Int).SetString(raw.ERC20.ApproveAmount, 10)
		}
		e.Context = pm.Context
		if err := decodeContext(raw.ERC20.Context, &e.Context); err != nil {
			return pm, fmt.Errorf("paymaster.erc20.sponsorship_context: %w", err)
		}
		if e.Context.Token == "" {
			e.Context.Token = e.Token.Hex()
		}
		pm.ERC20 = e
	}

	if raw.Verifying != nil {
		key, err := parseKey(raw.Verifying.SignerKey)
		if err != nil {
			return pm, fmt.Errorf("paymaster.verifying.signer_private_key: %w", err)
		}
		pm.Verifying = &VerifyingPaymasterConfig{
			Address:  common.HexToAddress(raw.Verifying.Address),
			Key:      key,
			Validity: raw.Verifying.Validity,
		}
	}
	return pm, nil
}

// decodeContext merges a free-form yaml map into out. Numbers and booleans are
// accepted where strings are expected.
func decodeContext(in map[interface{}]interface{}, out *SponsorshipContext) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.New("not a valid secp256k1 private key")
	}
	return key, nil
}

// Owner is the address of OwnerKey, zero when signing is remote.
func (c *Config) Owner() common.Address {
	if c.OwnerKey == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.OwnerKey.PublicKey)
}

func (c *Config) validate() {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		panic("Config: ChainID is required")
	}
	if c.SmartWallet.EntryPoint == (common.Address{}) {
		panic("Config: SmartWallet.EntryPoint is required")
	}
	if c.OwnerKey == nil && c.SignerRpcUrl == "" {
		panic("Config: either OwnerKey or SignerRpcUrl is required")
	}
}
