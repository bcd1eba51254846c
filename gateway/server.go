// Package gateway exposes the wallet facade over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/wallet"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/version"
)

// Wallet is the facade surface served over HTTP. *wallet.Wallet satisfies it.
type Wallet interface {
	Address() common.Address
	Owner() common.Address
	Sponsorships() []wallet.SponsorshipMode
	DefaultSponsorship() wallet.SponsorshipMode
	Swap(ctx context.Context, intent wallet.SwapIntent) (*wallet.Result, error)
	SendToken(ctx context.Context, amount string, to common.Address) (*wallet.Result, error)
	Invest(ctx context.Context, vault common.Address, amount string) (*wallet.Result, error)
	Operation(hash common.Hash) (*journal.Entry, error)
	History(limit int) ([]*journal.Entry, error)
	Balances(ctx context.Context) ([]wallet.TokenBalance, error)
}

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type Server struct {
	cfg      config.GatewayConfig
	chainID  string
	wallet   Wallet
	gatherer prometheus.Gatherer
	logger   logger.Logger
	echo     *echo.Echo
}

func New(cfg config.GatewayConfig, chainID string, w Wallet, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		chainID:  chainID,
		wallet:   w,
		gatherer: gatherer,
		logger:   logger.Component(log, "gateway"),
	}
	s.echo = s.routes()
	return s
}

// Handler is the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	// Register Sentry before Recover so panics are reported
	if s.cfg.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		return c.String(http.StatusOK, "up")
	})
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1", s.authenticate)
	v1.GET("/account", s.getAccount)
	v1.GET("/tokens", s.getTokens)
	v1.GET("/operations", s.listOperations)
	v1.GET("/operations/:hash", s.getOperation)
	v1.POST("/swap", s.postSwap, requireWrite)
	v1.POST("/transfer", s.postTransfer, requireWrite)
	v1.POST("/invest", s.postInvest, requireWrite)
	return e
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.SentryDsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              s.cfg.SentryDsn,
			ServerName:       s.cfg.ServerName,
			Release:          version.Release(),
			AttachStacktrace: true,
			TracesSampleRate: 0.2,
		}); err != nil {
			s.logger.Errorf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "address", s.cfg.Addr)
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
