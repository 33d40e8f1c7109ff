// Package httpapi exposes the proposer's external HTTP surface (spec §7):
// intention submission and the read-only query endpoints. Grounded on
// services/otc-gateway/server's chi.Router construction and JSON
// request/response idiom.
package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/proposer-node/proposer/internal/intention"
	"github.com/proposer-node/proposer/internal/store"
	"github.com/proposer-node/proposer/internal/types"
)

const headerIdempotencyKey = "Idempotency-Key"

// Idempotency is the narrow view of Store the submission endpoint uses to
// cache responses keyed on the client-supplied Idempotency-Key header.
type Idempotency interface {
	LookupIdempotency(ctx context.Context, key, requestHash string) (*store.IdempotencyKeyRow, error)
	SaveIdempotency(ctx context.Context, key, requestHash string, status int, response []byte) error
}

// VaultQueries is the narrow read surface the query endpoints need.
type VaultQueries interface {
	GetBalance(ctx context.Context, vault uint64, token string) (*big.Int, error)
	GetControllers(ctx context.Context, vault uint64) ([]string, error)
	GetVaultNonce(ctx context.Context, vault uint64) (uint64, error)
	ListVaultsFor(ctx context.Context, controller string) ([]uint64, error)
}

// StoreStatus reports whether the content store is reachable, used by the
// health endpoint.
type StoreStatus interface {
	StoreInitialized(ctx context.Context) (bool, error)
}

// Server is the thin HTTP transport wrapping a Handler and Store queries.
type Server struct {
	handler *intention.Handler
	vaults  VaultQueries
	chain   StoreStatus
	idem    Idempotency
	logger  *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router. idem may be nil, in which case
// idempotency caching is disabled and every submission is processed fresh.
func New(handler *intention.Handler, vaults VaultQueries, chain StoreStatus, idem Idempotency, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{handler: handler, vaults: vaults, chain: chain, idem: idem, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router for net/http.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Post("/intentions", s.submitIntention)
	r.Get("/vaults/{id}/balance", s.getBalance)
	r.Get("/vaults/{id}/controllers", s.getControllers)
	r.Get("/vaults/{id}/nonce", s.getVaultNonce)
	r.Get("/controllers/{address}/vaults", s.listVaultsFor)
	r.Get("/healthz", s.healthz)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("httpapi: encode response", "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps the closed set of pipeline errors to transport status
// codes. Mapping happens only here, at the boundary (spec §8).
func statusForError(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrSignatureInvalid), errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNoVault), errors.Is(err, types.ErrAmbiguousVault):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInsufficientBalance), errors.Is(err, types.ErrDepositInsufficient):
		return http.StatusConflict
	case errors.Is(err, types.ErrIntentionExpired):
		return http.StatusGone
	case errors.Is(err, types.ErrNameUnresolved):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrMultiSourceUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) submitIntention(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body too large or unreadable"})
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(body)
	if idemKey != "" && s.idem != nil {
		cached, err := s.idem.LookupIdempotency(r.Context(), idemKey, requestHash)
		if err != nil {
			if errors.Is(err, store.ErrIdempotencyMismatch) {
				s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
				return
			}
			logger.Error("httpapi: idempotency lookup failed", "error", err)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Response)
			return
		}
	}

	var sub intention.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result, err := s.handler.Handle(r.Context(), sub)
	if err != nil {
		logger.Warn("httpapi: intention rejected", "error", err)
		s.writeError(w, err)
		return
	}

	status := http.StatusAccepted
	var payload map[string]interface{}
	if result.CreatedVaultID != nil {
		status = http.StatusCreated
		payload = map[string]interface{}{"vault_id": *result.CreatedVaultID}
	} else {
		payload = map[string]interface{}{"proof": result.Execution.Proof}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		logger.Error("httpapi: encode response", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode response"})
		return
	}
	if idemKey != "" && s.idem != nil {
		if err := s.idem.SaveIdempotency(r.Context(), idemKey, requestHash, status, encoded); err != nil {
			logger.Error("httpapi: save idempotency record failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(sum[:])
}

func vaultIDFromPath(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultIDFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid vault id"})
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token query parameter is required"})
		return
	}
	balance, err := s.vaults.GetBalance(r.Context(), vault, token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token, "balance": balance.String()})
}

func (s *Server) getControllers(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultIDFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid vault id"})
		return
	}
	controllers, err := s.vaults.GetControllers(r.Context(), vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"controllers": controllers})
}

func (s *Server) getVaultNonce(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultIDFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid vault id"})
		return
	}
	nonce, err := s.vaults.GetVaultNonce(r.Context(), vault)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"nonce": nonce})
}

func (s *Server) listVaultsFor(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	vaults, err := s.vaults.ListVaultsFor(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"vaults": vaults})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ready, err := s.chain.StoreInitialized(r.Context())
	if err != nil || !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
