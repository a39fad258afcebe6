package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/exchange"
)

// EventLog serves stored events for replay (storage.PebbleStore, storage.MemStore)
type EventLog interface {
	Events(after uint64, limit int) ([]events.Envelope, error)
}

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// Options wires the server to the engine and the devnet wallets
type Options struct {
	Engine *exchange.Engine
	Vault  *asset.NativeVault // devnet native wallets backing deposits
	Tokens []*asset.Token     // devnet tokens (for approvals and wallet queries)
	Events EventLog           // optional
	Logger *zap.SugaredLogger

	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *exchange.Engine
	vault   *asset.NativeVault
	tokens  map[common.Address]*asset.Token
	order   []common.Address // registry order for listings
	events  EventLog
	logger  *zap.SugaredLogger
	origins []string

	router *mux.Router
	hub    *Hub
	unsub  func()
	srv    *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Vault == nil {
		opts.Vault = asset.NewNativeVault()
	}

	s := &Server{
		engine:  opts.Engine,
		vault:   opts.Vault,
		tokens:  make(map[common.Address]*asset.Token),
		events:  opts.Events,
		logger:  opts.Logger.Named("api"),
		origins: opts.CORSOrigins,
		router:  mux.NewRouter(),
	}
	for _, t := range opts.Tokens {
		s.tokens[t.Address] = t
		s.order = append(s.order, t.Address)
	}
	s.hub = NewHub(s.logger.Named("ws"))
	s.unsub = s.engine.Bus().Subscribe(s.hub.Publish)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/exchange", s.handleGetExchange).Methods("GET")
	api.HandleFunc("/balances/{asset}/{user}", s.handleGetBalance).Methods("GET")

	api.HandleFunc("/deposits/native", s.handleDepositNative).Methods("POST")
	api.HandleFunc("/deposits/token", s.handleDepositToken).Methods("POST")
	api.HandleFunc("/withdrawals/native", s.handleWithdrawNative).Methods("POST")
	api.HandleFunc("/withdrawals/token", s.handleWithdrawToken).Methods("POST")

	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Devnet wallets
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/tokens/{token}/transfer", s.handleTransfer).Methods("POST")
	api.HandleFunc("/tokens/{token}/balances/{user}", s.handleTokenWallet).Methods("GET")
	api.HandleFunc("/wallets/{user}", s.handleNativeWallet).Methods("GET")
	api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_starting", "addr", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.unsub()
		return err
	case <-ctx.Done():
		s.unsub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// Exchange Handlers
// ==============================

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ExchangeInfo{
		Address:    s.engine.Address().Hex(),
		FeeAccount: s.engine.FeeAccount().Hex(),
		FeePercent: s.engine.FeePercent(),
		OrderCount: s.engine.OrderCount(r.Context()),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := parseAddress("asset", vars["asset"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	user, err := parseAddress("user", vars["user"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user", err.Error())
		return
	}

	bal := s.engine.BalanceOf(r.Context(), a, user)
	respondJSON(w, s.balanceInfo(a, user, bal))
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}

	// The value leaves the devnet wallet and accompanies the deposit
	if err := s.vault.Spend(from, amount); err != nil {
		respondError(w, http.StatusConflict, "insufficient wallet funds", err.Error())
		return
	}
	bal, err := s.engine.DepositNative(r.Context(), from, amount)
	if err != nil {
		if ferr := s.vault.Fund(from, amount); ferr != nil {
			s.logger.Errorw("wallet_refund_failed", "user", from.Hex(), "amount", amount.Dec(), "err", ferr)
		}
		s.respondEngineError(w, "deposit_native", err, false)
		return
	}
	respondJSON(w, s.balanceInfo(asset.Native, from, bal))
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token", err.Error())
		return
	}

	bal, err := s.engine.DepositAsset(r.Context(), token, from, amount)
	if err != nil {
		s.respondEngineError(w, "deposit_token", err, false)
		return
	}
	respondJSON(w, s.balanceInfo(token, from, bal))
}

func (s *Server) handleWithdrawNative(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}

	bal, err := s.engine.WithdrawNative(r.Context(), from, amount)
	if err != nil {
		s.respondEngineError(w, "withdraw_native", err, false)
		return
	}
	respondJSON(w, s.balanceInfo(asset.Native, from, bal))
}

func (s *Server) handleWithdrawToken(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token", err.Error())
		return
	}

	bal, err := s.engine.WithdrawAsset(r.Context(), token, from, amount)
	if err != nil {
		s.respondEngineError(w, "withdraw_token", err, false)
		return
	}
	respondJSON(w, s.balanceInfo(token, from, bal))
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		maker, tokenGet, tokenGive common.Address
		amountGet, amountGive      *uint256.Int
		err                        error
	)
	parse := []func() error{
		func() (err error) { maker, err = parseAddress("from", req.From); return },
		func() (err error) { tokenGet, err = parseAddress("tokenGet", req.TokenGet); return },
		func() (err error) { tokenGive, err = parseAddress("tokenGive", req.TokenGive); return },
		func() (err error) { amountGet, err = parseAmount("amountGet", req.AmountGet); return },
		func() (err error) { amountGive, err = parseAmount("amountGive", req.AmountGive); return },
	}
	for _, p := range parse {
		if err = p(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid order", err.Error())
			return
		}
	}

	id, err := s.engine.MakeOrder(r.Context(), maker, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		s.respondEngineError(w, "make_order", err, false)
		return
	}
	respondJSONStatus(w, http.StatusCreated, OrderCreated{ID: id})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Order(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, "get_order", err, true)
		return
	}
	o := rec.Order
	respondJSON(w, OrderInfo{
		ID:         o.ID,
		Maker:      o.Maker.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.Dec(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.Dec(),
		Timestamp:  o.Timestamp,
		Status:     rec.State.String(),
		Filled:     rec.State.Filled,
		Cancelled:  rec.State.Cancelled,
	})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.engine.FillOrder(r.Context(), caller, id); err != nil {
		s.respondEngineError(w, "fill_order", err, true)
		return
	}
	respondJSON(w, map[string]interface{}{"status": "filled", "id": id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.engine.CancelOrder(r.Context(), caller, id); err != nil {
		s.respondEngineError(w, "cancel_order", err, true)
		return
	}
	respondJSON(w, map[string]interface{}{"status": "cancelled", "id": id})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "event log disabled", "")
		return
	}

	q := r.URL.Query()
	after, err := queryUint(q.Get("after"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid after", err.Error())
		return
	}
	limit, err := queryUint(q.Get("limit"), defaultEventPage)
	if err != nil || limit == 0 {
		respondError(w, http.StatusBadRequest, "invalid limit", "")
		return
	}
	limit = min(limit, maxEventPage)

	page, err := s.events.Events(after, int(limit))
	if err != nil {
		s.logger.Errorw("event_log_read_failed", "after", after, "err", err)
		respondError(w, http.StatusInternalServerError, "event log unavailable", "")
		return
	}
	next := after
	if n := len(page); n > 0 {
		next = page[n-1].Seq
	}
	if page == nil {
		page = []events.Envelope{}
	}
	respondJSON(w, EventsPage{Events: page, Next: next})
}

// ==============================
// Devnet Wallet Handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	out := make([]TokenInfo, 0, len(s.order))
	for _, addr := range s.order {
		t := s.tokens[addr]
		out = append(out, TokenInfo{
			Address:     t.Address.Hex(),
			Name:        t.Name,
			Symbol:      t.Symbol,
			Decimals:    t.Decimals,
			TotalSupply: t.TotalSupply().Dec(),
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid spender", err.Error())
		return
	}

	if _, err := t.As(from).Approve(r.Context(), spender, amount); err != nil {
		respondError(w, http.StatusBadRequest, "approve failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"allowance": t.Allowance(from, spender).Dec()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := parseFromAmount(w, req.From, req.Amount)
	if !ok {
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid recipient", err.Error())
		return
	}

	if _, err := t.As(from).Transfer(r.Context(), to, amount); err != nil {
		respondError(w, http.StatusConflict, "transfer failed", err.Error())
		return
	}
	respondJSON(w, s.walletInfo(t, from))
}

func (s *Server) handleTokenWallet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	user, err := parseAddress("user", mux.Vars(r)["user"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user", err.Error())
		return
	}
	respondJSON(w, s.walletInfo(t, user))
}

func (s *Server) handleNativeWallet(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", mux.Vars(r)["user"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user", err.Error())
		return
	}
	bal := s.vault.Balance(user)
	respondJSON(w, BalanceInfo{
		Asset:     asset.Native.Hex(),
		User:      user.Hex(),
		Balance:   bal.Dec(),
		Formatted: asset.FormatUnits(bal, asset.NativeDecimals),
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, amount, ok := parseFromAmount(w, req.To, req.Amount)
	if !ok {
		return
	}
	if err := s.vault.Fund(to, amount); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "wallet overflow", err.Error())
		return
	}
	s.logger.Infow("faucet", "to", to.Hex(), "amount", amount.Dec())
	respondJSON(w, map[string]string{"balance": s.vault.Balance(to).Dec()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) token(w http.ResponseWriter, r *http.Request) (*asset.Token, bool) {
	addr, err := parseAddress("token", mux.Vars(r)["token"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token", err.Error())
		return nil, false
	}
	t, ok := s.tokens[addr]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown token", addr.Hex())
		return nil, false
	}
	return t, true
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req CallerRequest
	if !decodeBody(w, r, &req) {
		return common.Address{}, false
	}
	from, err := parseAddress("from", req.From)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid caller", err.Error())
		return common.Address{}, false
	}
	return from, true
}

func (s *Server) decimals(a common.Address) uint8 {
	if t, ok := s.tokens[a]; ok {
		return t.Decimals
	}
	return asset.NativeDecimals
}

func (s *Server) balanceInfo(a, user common.Address, bal *uint256.Int) BalanceInfo {
	return BalanceInfo{
		Asset:     a.Hex(),
		User:      user.Hex(),
		Balance:   bal.Dec(),
		Formatted: asset.FormatUnits(bal, s.decimals(a)),
	}
}

func (s *Server) walletInfo(t *asset.Token, user common.Address) BalanceInfo {
	bal := t.BalanceOf(user)
	return BalanceInfo{
		Asset:     t.Address.Hex(),
		User:      user.Hex(),
		Balance:   bal.Dec(),
		Formatted: asset.FormatUnits(bal, t.Decimals),
	}
}

// respondEngineError maps an engine error to its HTTP status. byID marks
// routes addressing an existing order, where an invalid order means not found.
func (s *Server) respondEngineError(w http.ResponseWriter, op string, err error, byID bool) {
	status, label := statusFor(err, byID)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request_failed", "op", op, "status", status, "err", err)
	}
	respondError(w, status, label, err.Error())
}

func statusFor(err error, byID bool) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder) && byID:
		return http.StatusNotFound, "order not found"
	case errors.Is(err, exchange.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid order"
	case errors.Is(err, exchange.ErrInvalidAsset):
		return http.StatusBadRequest, "invalid asset"
	case errors.Is(err, exchange.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient balance"
	case errors.Is(err, exchange.ErrOrderUnavailable):
		return http.StatusConflict, "order unavailable"
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, exchange.ErrPersistence):
		return http.StatusInternalServerError, "persistence failed"
	case errors.Is(err, exchange.ErrTransferFailed):
		return http.StatusBadGateway, "transfer failed"
	case errors.Is(err, exchange.ErrWithdrawFailed):
		return http.StatusBadGateway, "withdraw failed"
	case errors.Is(err, exchange.ErrOverflow):
		return http.StatusUnprocessableEntity, "overflow"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return 0, false
	}
	return id, true
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a base-unit amount: %w", field, s, err)
	}
	return v, nil
}

func parseFromAmount(w http.ResponseWriter, from, amount string) (common.Address, *uint256.Int, bool) {
	addr, err := parseAddress("from", from)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return common.Address{}, nil, false
	}
	v, err := parseAmount("amount", amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return common.Address{}, nil, false
	}
	return addr, v, true
}

func queryUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
