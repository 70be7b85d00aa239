package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cashu-mint/mint/cashu"
	"github.com/cashu-mint/mint/cashu/nuts/nut01"
	"github.com/cashu-mint/mint/cashu/nuts/nut03"
	"github.com/cashu-mint/mint/cashu/nuts/nut04"
	"github.com/cashu-mint/mint/cashu/nuts/nut05"
	"github.com/cashu-mint/mint/cashu/nuts/nut07"
	"github.com/cashu-mint/mint/mint/storage"
	"github.com/gorilla/mux"
)

// ServerConfig is the HTTP-layer configuration, separate from the
// business-layer Config LoadMint takes: a mint's port and request
// timeouts are a deployment concern, not something the swap/mint/melt
// state machines need to know about.
type ServerConfig struct {
	Port int
	// MeltTimeout bounds how long a POST /v1/melt/bolt11 request blocks
	// waiting on the Lightning backend before the handler gives up and
	// returns whatever state the quote is in. Defaults to one minute.
	MeltTimeout *time.Duration
}

const (
	cacheItemTTL       = time.Minute * 5
	cacheItemsLimit    = 10000
	requestBodySizeCap = 2 * 1024 * 1024

	activeKeysetCacheKey = "active_keyset"
	keysetCacheTTL       = time.Hour * 24
)

// idempotencyCache lets a POST /v1/mint or /v1/swap retried with the same
// body (NUT-19) return the original signatures instead of re-signing and
// tripping the already-signed check.
type idempotencyCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
}

type cacheEntry struct {
	value      []byte
	expiration time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{items: make(map[string]cacheEntry)}
}

func (c *idempotencyCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) <= cacheItemsLimit {
		c.items[key] = cacheEntry{value: value, expiration: time.Now().Add(ttl)}
	}
}

func (c *idempotencyCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.items[key]
	if !found {
		return nil, false
	}
	if time.Now().After(entry.expiration) {
		return nil, false
	}
	return entry.value, true
}

func (c *idempotencyCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

type Server struct {
	httpServer *http.Server
	mint       *Mint
	cache      *idempotencyCache

	meltTimeout time.Duration
}

func SetupMintServer(m *Mint, config ServerConfig) *Server {
	timeout := time.Minute
	if config.MeltTimeout != nil {
		timeout = *config.MeltTimeout
	}

	s := &Server{
		mint:        m,
		cache:       newIdempotencyCache(),
		meltTimeout: timeout,
	}
	s.setupHttpServer(config.Port)
	return s
}

func (s *Server) Start() error {
	s.mint.logInfof("mint server listening on %v", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	if err := s.mint.Shutdown(); err != nil {
		return err
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) setupHttpServer(port int) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/info", s.mintInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys", s.activeKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{id}", s.keysetById).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", s.keysetsList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}", s.mintQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", s.mintQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/{method}", s.mintTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}", s.meltQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", s.meltQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/{method}", s.meltTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/swap", s.swapRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", s.checkStateRequest).Methods(http.MethodPost, http.MethodOptions)

	r.Use(corsHeaders)

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: r,
	}
}

func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// logRequest preserves the source position of its caller so the log line
// points at the handler, not this helper.
func (s *Server) logRequest(req *http.Request, statusCode int, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	r.Add(slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())))
	if statusCode >= 100 {
		r.Add(slog.Int("code", statusCode))
	}
	_ = s.mint.logger.Handler().Handle(context.Background(), r)
}

// writeErr writes errResponse to the client and logs errLogMsg (or
// errResponse's own message if not given) at the handler's call site.
func (s *Server) writeErr(rw http.ResponseWriter, req *http.Request, errResponse error, errLogMsg ...string) {
	logMsg := errResponse.Error()
	if len(errLogMsg) > 0 {
		logMsg = errLogMsg[0]
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, logMsg, pcs[0])
	r.Add(slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())),
		slog.Int("code", http.StatusBadRequest))
	_ = s.mint.logger.Handler().Handle(context.Background(), r)

	rw.WriteHeader(http.StatusBadRequest)
	errRes, _ := json.Marshal(errResponse)
	rw.Write(errRes)
}

// internalErr masks an internal DB/Lightning error behind the generic
// cashu.StandardErr response while still logging the real cause.
func (s *Server) internalErr(rw http.ResponseWriter, req *http.Request, err error) bool {
	var cashuErr *cashu.Error
	if errors.As(err, &cashuErr) &&
		(cashuErr.Code == cashu.DBErrCode || cashuErr.Code == cashu.LightningBackendErrCode) {
		s.writeErr(rw, req, cashu.StandardErr, cashuErr.Error())
		return true
	}
	return false
}

func (s *Server) mintInfo(rw http.ResponseWriter, req *http.Request) {
	info, err := s.mint.RetrieveMintInfo()
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr, err.Error())
		return
	}

	jsonRes, err := json.Marshal(&info)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "returning mint info")
	rw.Write(jsonRes)
}

func (s *Server) activeKeysets(rw http.ResponseWriter, req *http.Request) {
	if cached, found := s.cache.Get(activeKeysetCacheKey); found {
		s.logRequest(req, http.StatusOK, "returning active keyset from cache")
		rw.Write(cached)
		return
	}

	activeKeyset := s.mint.GetActiveKeyset()
	res := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: activeKeyset.Id, Unit: activeKeyset.Unit, Keys: activeKeyset.PublicKeys()}},
	}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}

	s.cache.Set(activeKeysetCacheKey, jsonRes, keysetCacheTTL)
	s.logRequest(req, http.StatusOK, "returning active keyset")
	rw.Write(jsonRes)
}

func (s *Server) keysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	if cached, found := s.cache.Get(id); found {
		s.logRequest(req, http.StatusOK, "returning keyset '%v' from cache", id)
		rw.Write(cached)
		return
	}

	keyset, err := s.mint.GetKeysetById(id)
	if err != nil {
		s.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	res := nut01.GetKeysResponse{Keysets: []nut01.Keyset{keyset}}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}

	s.cache.Set(id, jsonRes, keysetCacheTTL)
	s.logRequest(req, http.StatusOK, "returning keyset '%v'", id)
	rw.Write(jsonRes)
}

func (s *Server) keysetsList(rw http.ResponseWriter, req *http.Request) {
	jsonRes, err := json.Marshal(s.mint.ListKeysets())
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "returning list of keysets")
	rw.Write(jsonRes)
}

func (s *Server) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var mintReq nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	s.logRequest(req, 0, "mint quote request for %v %v", mintReq.Amount, mintReq.Unit)
	mintQuote, err := s.mint.RequestMintQuote(method, mintReq.Amount, mintReq.Unit)
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  int64(mintQuote.Expiry),
	}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "created mint quote '%v'", mintQuote.Id)
	rw.Write(jsonRes)
}

func (s *Server) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	mintQuote, err := s.mint.GetMintQuoteState(vars["method"], vars["quote_id"])
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  int64(mintQuote.Expiry),
	}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "returning mint quote '%v' with state '%s'", mintQuote.Id, mintQuote.State)
	rw.Write(jsonRes)
}

func (s *Server) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var mintReq nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	cacheKey := req.Method + req.URL.String() + string(body)
	if cached, found := s.cache.Get(cacheKey); found {
		s.logRequest(req, http.StatusOK, "returning signatures for mint quote '%v' from cache", mintReq.Quote)
		rw.Write(cached)
		return
	}

	signatures, err := s.mint.MintTokens(method, mintReq.Quote, mintReq.Outputs)
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut04.PostMintBolt11Response{Signatures: signatures}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}

	if len(body) < requestBodySizeCap {
		s.cache.Set(cacheKey, jsonRes, cacheItemTTL)
	}
	s.logRequest(req, http.StatusOK, "returning signatures for mint quote '%v'", mintReq.Quote)
	rw.Write(jsonRes)
}

func (s *Server) swapRequest(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	cacheKey := req.Method + req.URL.String() + string(body)
	if cached, found := s.cache.Get(cacheKey); found {
		s.logRequest(req, http.StatusOK, "returning signatures for swap request from cache")
		rw.Write(cached)
		return
	}

	signatures, err := s.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut03.PostSwapResponse{Signatures: signatures}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}

	if len(body) < requestBodySizeCap {
		s.cache.Set(cacheKey, jsonRes, cacheItemTTL)
	}
	s.logRequest(req, http.StatusOK, "returning signatures for swap request")
	rw.Write(jsonRes)
}

func (s *Server) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltReq nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	meltQuote, err := s.mint.RequestMeltQuote(method, meltReq.Request, meltReq.Unit)
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := meltQuoteResponse(meltQuote)
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "created melt quote '%v' for invoice with payment hash '%v'",
		meltQuote.Id, meltQuote.PaymentHash)
	rw.Write(jsonRes)
}

func (s *Server) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	ctx, cancel := context.WithTimeout(req.Context(), time.Second*5)
	defer cancel()

	meltQuote, err := s.mint.GetMeltQuoteState(ctx, vars["method"], vars["quote_id"])
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := meltQuoteResponse(meltQuote)
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "returning melt quote '%v' with state '%s'", meltQuote.Id, meltQuote.State)
	rw.Write(jsonRes)
}

func (s *Server) meltTokensRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltReq nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.meltTimeout)
	defer cancel()

	meltQuote, change, err := s.mint.MeltTokens(ctx, method, meltReq.Quote, meltReq.Inputs, meltReq.Outputs)
	if err != nil {
		var cashuErr *cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code == cashu.LightningBackendErrCode {
			s.writeErr(rw, req, cashu.BuildCashuError("unable to send payment", cashu.StandardErrCode), cashuErr.Error())
			return
		}
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut05.PostMeltBolt11Response{
		State:    meltQuote.State,
		Preimage: meltQuote.Preimage,
		Change:   change,
	}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "melt for quote '%v' returned state '%s'", meltQuote.Id, meltQuote.State)
	rw.Write(jsonRes)
}

func meltQuoteResponse(q storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      q.Id,
		Amount:     q.Amount,
		FeeReserve: q.FeeReserve,
		State:      q.State,
		Expiry:     int64(q.Expiry),
	}
}

func (s *Server) checkStateRequest(rw http.ResponseWriter, req *http.Request) {
	var stateReq nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateReq); err != nil {
		s.writeErr(rw, req, err)
		return
	}

	states, err := s.mint.ProofsStateCheck(stateReq.Ys)
	if err != nil {
		if s.internalErr(rw, req, err) {
			return
		}
		s.writeErr(rw, req, err)
		return
	}

	res := nut07.PostCheckStateResponse{States: states}
	jsonRes, err := json.Marshal(&res)
	if err != nil {
		s.writeErr(rw, req, cashu.StandardErr)
		return
	}
	s.logRequest(req, http.StatusOK, "returning proof states")
	rw.Write(jsonRes)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.Split(ct, ";")[0])
		if mediaType != "application/json" {
			return cashu.BuildCashuError("Content-Type header is not application/json", cashu.StandardErrCode)
		}
	}

	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			return cashu.BuildCashuError(fmt.Sprintf("bad json at %d", syntaxErr.Offset), cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			return cashu.BuildCashuError(fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field), cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.EmptyBodyErr
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}

	return nil
}
