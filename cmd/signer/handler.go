package main

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"hl-chat-trader/internal/hl/exchange"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxSignBody = 1 << 16

func newHandler(signer exchange.ActionSigner, apiKey string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post(exchange.SignPath, signHandler(signer, apiKey, log))
	return r
}

func signHandler(signer exchange.ActionSigner, apiKey string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" {
			got := r.Header.Get(exchange.SignerAPIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, exchange.SignResponse{Error: "unauthorized"})
				return
			}
		}
		var req exchange.SignRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, exchange.SignResponse{Error: "invalid json body"})
			return
		}
		agent, action, err := req.Decode()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, exchange.SignResponse{Error: err.Error()})
			return
		}
		sig, err := signer.SignAction(r.Context(), agent, action, req.Nonce)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, exchange.ErrAgentMismatch) {
				status = http.StatusUnprocessableEntity
			}
			log.Warn("sign failed",
				zap.String("action", action.ActionType()),
				zap.String("agent", agent.Address.Hex()),
				zap.Error(err),
			)
			writeJSON(w, status, exchange.SignResponse{Error: err.Error()})
			return
		}
		log.Debug("signed action", zap.String("action", action.ActionType()), zap.Uint64("nonce", req.Nonce))
		writeJSON(w, http.StatusOK, exchange.SignResponse{Signature: &sig})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
