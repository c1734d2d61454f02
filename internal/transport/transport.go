// Package transport exposes the auction driver's two operations as
// JSON-over-HTTP handlers: method check, io.ReadAll with a size cap,
// json.Unmarshal, delegate to the domain layer, map the resulting
// error to an HTTP status. The real gRPC/TLS/reflection binding layer
// is not built here; these handlers are what such a shell would call
// into.
package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/worklethost/auctionserver/internal/auction"
	"github.com/worklethost/auctionserver/internal/status"
	"github.com/worklethost/auctionserver/pkg/logger"
)

// defaultMaxRequestBodyBytes caps an inbound request body when the
// caller does not supply one, mirroring the Source Fetcher's own
// response size ceiling.
const defaultMaxRequestBodyBytes = 1024 * 1024

// Handlers bundles the two RPC-shaped HTTP endpoints.
type Handlers struct {
	driver          *auction.Driver
	maxRequestBytes int64
}

// New constructs Handlers backed by driver. maxBodyBytes bounds every
// inbound request body; cmd/server/main.go passes config.Config's
// max_request_body_bytes so this stays in step with the size-limit
// middleware's own ceiling instead of drifting from it. A value <= 0
// falls back to defaultMaxRequestBodyBytes.
func New(driver *auction.Driver, maxBodyBytes int64) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxRequestBodyBytes
	}
	return &Handlers{driver: driver, maxRequestBytes: maxBodyBytes}
}

// Register attaches the handlers to mux under their spec-defined
// paths.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/computeBid", h.ComputeBid)
	mux.HandleFunc("/v1/runAdAuction", h.RunAdAuction)
}

type computeBidRequest struct {
	BiddingFunctionName string                       `json:"biddingFunctionName"`
	Input               auction.BiddingFunctionInput `json:"input"`
}

// ComputeBid handles POST /v1/computeBid.
func (h *Handlers) ComputeBid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, status.New(status.InvalidArgument, "method not allowed"))
		return
	}

	requestID := uuid.NewString()
	ctx := logger.WithRequestID(r.Context(), requestID)

	body, err := h.readBounded(r.Body)
	if err != nil {
		writeError(w, status.Wrap(status.InvalidArgument, "read request body", err))
		return
	}

	var req computeBidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, status.Wrap(status.InvalidArgument, "decode request body", err))
		return
	}

	out, err := h.driver.ComputeBid(ctx, req.BiddingFunctionName, req.Input)
	if err != nil {
		l := logger.FromContext(ctx)
		l.Warn().Err(err).Str("biddingFunctionName", req.BiddingFunctionName).Msg("computeBid failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

type runAdAuctionRequest struct {
	AuctionConfig         auction.AuctionConfiguration `json:"auctionConfig"`
	InterestGroups        []auction.InterestGroup      `json:"interestGroups"`
	TrustedScoringSignals map[string]json.RawMessage   `json:"trustedScoringSignals,omitempty"`
}

// RunAdAuction handles POST /v1/runAdAuction.
func (h *Handlers) RunAdAuction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, status.New(status.InvalidArgument, "method not allowed"))
		return
	}

	requestID := uuid.NewString()
	ctx := logger.WithRequestID(r.Context(), requestID)
	ctx = logger.WithAuctionID(ctx, uuid.NewString())

	body, err := h.readBounded(r.Body)
	if err != nil {
		writeError(w, status.Wrap(status.InvalidArgument, "read request body", err))
		return
	}

	var req runAdAuctionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, status.Wrap(status.InvalidArgument, "decode request body", err))
		return
	}

	result, err := h.driver.RunAdAuction(ctx, req.AuctionConfig, req.InterestGroups, req.TrustedScoringSignals)
	if err != nil {
		l := logger.FromContext(ctx)
		l.Error().Err(err).Str("seller", req.AuctionConfig.Seller).Msg("runAdAuction failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) readBounded(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, h.maxRequestBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxRequestBytes {
		return nil, io.ErrUnexpectedEOF
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := status.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.ToHTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
