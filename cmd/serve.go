package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/ledger"
	"github.com/leadgrid/leadgrid/internal/search"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the search API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildMux(env),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildMux registers the API routes against the given environment.
func buildMux(env *appEnv) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/search", func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		page, err := env.Orch.Search(r.Context(), req)
		if err != nil {
			status, msg := searchErrorStatus(err)
			if status >= http.StatusInternalServerError {
				zap.L().Error("search failed",
					zap.String("user_id", req.UserID),
					zap.String("city", req.City),
					zap.String("keyword", req.Keyword),
					zap.Error(err),
				)
			}
			writeError(w, status, msg)
			return
		}

		writeJSON(w, http.StatusOK, page)
	})

	mux.HandleFunc("GET /v1/users/{id}/transactions", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		txns, err := env.Ledger.ListTransactions(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			zap.L().Error("list transactions failed",
				zap.String("user_id", r.PathValue("id")),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
	})

	return mux
}

// searchErrorStatus maps orchestrator errors onto HTTP statuses.
func searchErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, "unknown user"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, search.ErrUnknownTier):
		return http.StatusForbidden, "unknown plan tier"
	case errors.Is(err, search.ErrBusy):
		return http.StatusServiceUnavailable, "query is being filled, retry shortly"
	case budget.IsExceeded(err):
		return http.StatusTooManyRequests, "spend ceiling reached"
	case errors.Is(err, search.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
