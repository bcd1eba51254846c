package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/auth"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/wallet"
)

const identityKey = "identity"

type ErrorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type ErrorResp struct {
	Error ErrorBody      `json:"error"`
	Data  *wallet.Result `json:"data,omitempty"`
}

type AccountResp struct {
	Address      common.Address           `json:"address"`
	Owner        common.Address           `json:"owner"`
	ChainID      string                   `json:"chainId"`
	Sponsorships []wallet.SponsorshipMode `json:"sponsorships"`
	Default      wallet.SponsorshipMode   `json:"defaultSponsorship"`
}

type TransferReq struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type InvestReq struct {
	Vault  string `json:"vault"`
	Amount string `json:"amount"`
}

type SwapReq struct {
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Amount      string                 `json:"amount"`
	Sponsorship wallet.SponsorshipMode `json:"sponsorship"`
}

var reasonStatus = map[wallet.Reason]int{
	wallet.ReasonInvalidInput:        http.StatusBadRequest,
	wallet.ReasonUserCancelled:       http.StatusConflict,
	wallet.ReasonRejectedByBundler:   http.StatusUnprocessableEntity,
	wallet.ReasonRejectedByPaymaster: http.StatusPaymentRequired,
	wallet.ReasonReverted:            http.StatusUnprocessableEntity,
	wallet.ReasonNetwork:             http.StatusBadGateway,
	wallet.ReasonTimeout:             http.StatusGatewayTimeout,
	wallet.ReasonInternal:            http.StatusInternalServerError,
}

// authenticate accepts either a JWT or an "<epoch>.<signature>" header signed by the owner.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return unauthorized(c, auth.AuthenticationError)
		}

		var (
			id  *auth.Identity
			err error
		)
		if auth.IsSignedHeader(header) {
			id, err = auth.VerifyOwner(header, s.wallet.Owner())
		} else if s.cfg.JWTSecret == "" {
			err = auth.ErrorUnAuthorized
		} else {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return unauthorized(c, auth.InvalidAuthenticationKey)
			}
			id, err = auth.VerifyJwtKeyForUser([]byte(s.cfg.JWTSecret), token, s.wallet.Owner())
		}
		if err != nil {
			s.logger.Debug("rejected request", "path", c.Path(), "error", err)
			return unauthorized(c, auth.InvalidAuthenticationKey)
		}

		c.Set(identityKey, id)
		return next(c)
	}
}

func requireWrite(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, _ := c.Get(identityKey).(*auth.Identity)
		if id == nil || !id.CanWrite() {
			return c.JSON(http.StatusForbidden, ErrorResp{Error: ErrorBody{Reason: "forbidden", Message: auth.ErrorForbidden.Error()}})
		}
		return next(c)
	}
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, ErrorResp{Error: ErrorBody{Reason: "unauthorized", Message: msg}})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResp{Error: ErrorBody{Reason: string(wallet.ReasonInvalidInput), Message: msg}})
}

// failure renders a wallet failure. A result, when the operation reached the
// bundler, is returned alongside so the caller keeps the user operation hash.
func (s *Server) failure(c echo.Context, res *wallet.Result, err error) error {
	reason := wallet.ReasonOf(err)
	status := lo.ValueOr(reasonStatus, reason, http.StatusInternalServerError)
	if errors.Is(err, journal.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "reason", string(reason), "error", err)
		if hub := sentryecho.GetHubFromContext(c); hub != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("reason", string(reason))
				hub.CaptureException(err)
			})
		}
	}
	return c.JSON(status, ErrorResp{
		Error: ErrorBody{Reason: string(reason), Message: err.Error()},
		Data:  res,
	})
}

func parseAddress(v string) (common.Address, bool) {
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func (s *Server) getAccount(c echo.Context) error {
	return c.JSON(http.StatusOK, &HttpJsonResp[AccountResp]{
		Data: AccountResp{
			Address:      s.wallet.Address(),
			Owner:        s.wallet.Owner(),
			ChainID:      s.chainID,
			Sponsorships: s.wallet.Sponsorships(),
			Default:      s.wallet.DefaultSponsorship(),
		},
	})
}

func (s *Server) getTokens(c echo.Context) error {
	balances, err := s.wallet.Balances(c.Request().Context())
	if err != nil {
		return s.failure(c, nil, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[[]wallet.TokenBalance]{Data: balances})
}

func (s *Server) postSwap(c echo.Context) error {
	var req SwapReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	from, okFrom := parseAddress(req.From)
	to, okTo := parseAddress(req.To)
	if !okFrom || !okTo {
		return badRequest(c, "from and to must be token addresses")
	}

	res, err := s.wallet.Swap(c.Request().Context(), wallet.SwapIntent{
		From:        from,
		To:          to,
		Amount:      req.Amount,
		Sponsorship: req.Sponsorship,
	})
	if err != nil {
		return s.failure(c, res, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*wallet.Result]{Data: res})
}

func (s *Server) postTransfer(c echo.Context) error {
	var req TransferReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	to, ok := parseAddress(req.To)
	if !ok {
		return badRequest(c, "to must be an address")
	}

	res, err := s.wallet.SendToken(c.Request().Context(), req.Amount, to)
	if err != nil {
		return s.failure(c, res, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*wallet.Result]{Data: res})
}

func (s *Server) postInvest(c echo.Context) error {
	var req InvestReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	vault, ok := parseAddress(req.Vault)
	if !ok {
		return badRequest(c, "vault must be an address")
	}

	res, err := s.wallet.Invest(c.Request().Context(), vault, req.Amount)
	if err != nil {
		return s.failure(c, res, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*wallet.Result]{Data: res})
}

func (s *Server) getOperation(c echo.Context) error {
	raw := c.Param("hash")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return badRequest(c, "hash must be a 32 byte hex string")
	}
	e, err := s.wallet.Operation(common.BytesToHash(b))
	if err != nil {
		return s.failure(c, nil, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*journal.Entry]{Data: e})
}

func (s *Server) listOperations(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return badRequest(c, "limit must be between 1 and 500")
		}
		limit = n
	}
	entries, err := s.wallet.History(limit)
	if err != nil {
		return s.failure(c, nil, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[[]*journal.Entry]{Data: entries})
}
