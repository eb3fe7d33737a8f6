package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagequery/sagequery/internal/config"
	"github.com/sagequery/sagequery/internal/engine"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/query"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API and prometheus metrics over HTTP",
		Long: `Start the HTTP server:

  POST /v1/query    {"text": "...", "profile": "enhanced"}
  GET  /v1/sources
  GET  /metrics
  GET  /healthz`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			return runServer(cmd.Context(), eng, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8093", "Listen address")
	return cmd
}

type queryBody struct {
	Text      string   `json:"text"`
	Profile   string   `json:"profile"`
	TopK      int      `json:"top_k"`
	Version   string   `json:"version"`
	Kinds     []string `json:"kinds"`
	SourceIDs []string `json:"source_ids"`
}

func runServer(ctx context.Context, eng *engine.Engine, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Telemetry().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		var body queryBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ans, err := eng.Query(r.Context(), engine.QueryRequest{
			Text:    body.Text,
			Profile: config.Profile(body.Profile),
			TopK:    body.TopK,
			Filters: query.Filters{
				Version:   body.Version,
				Kinds:     body.Kinds,
				SourceIDs: body.SourceIDs,
			},
		})
		if err != nil {
			// Generation failures still carry the retrieved sources.
			if ans != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(statusFor(err))
				_ = json.NewEncoder(w).Encode(struct {
					Error  string         `json:"error"`
					Answer *engine.Answer `json:"answer"`
				}{fmt.Sprint(err), ans})
				return
			}
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, ans)
	})
	mux.HandleFunc("GET /v1/sources", func(w http.ResponseWriter, r *http.Request) {
		sources, err := eng.Sources(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, sources)
	})
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, stats)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func statusFor(err error) int {
	switch {
	case sqerrors.HasCode(err, sqerrors.CodeBadInput), sqerrors.HasCode(err, sqerrors.CodeQueryEmpty):
		return http.StatusBadRequest
	case sqerrors.IsCancelled(err):
		return 499 // client closed request
	case sqerrors.HasCode(err, sqerrors.CodeGenerationUnavailable),
		sqerrors.HasCode(err, sqerrors.CodeEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprint(err)})
}
