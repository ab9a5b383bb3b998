package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

const adminRequestTimeout = 5 * time.Second

// newAdminMux serves the HTTP endpoints of the manager process.
func newAdminMux(b backend, metrics http.Handler, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminRequestTimeout)
		defer cancel()
		stats, err := b.Stats(ctx)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, stats)
	})

	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), adminRequestTimeout)
		defer cancel()
		resources, err := b.Resources(ctx, r.URL.Query().Get("prefix"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, resources)
	})
	return mux
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, transaction.ErrTransactionsUnavailable), errors.Is(err, transaction.ErrManagerClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	default:
		logger.Error("Admin request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write admin response", zap.Error(err))
	}
}
