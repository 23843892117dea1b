package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/rules"
	"github.com/atrium-data/rationalize/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for corrections and anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		set, err := ruleSet()
		if err != nil {
			return eris.Wrap(err, "load rules")
		}

		api := &apiServer{
			corrections: correction.NewService(st, cfg.Correction.PropagationThreshold),
			rules:       rules.NewEngine(st, set),
			store:       st,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.router(),
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

type apiServer struct {
	corrections *correction.Service
	rules       *rules.Engine
	store       store.Store
}

func (a *apiServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/corrections", a.handleApplyCorrection)
	r.Post("/corrections/propagate", a.handlePropagate)
	r.Get("/corrections/suggest", a.handleSuggest)
	r.Get("/anomalies", a.handleListAnomalies)
	r.Post("/anomalies/detect", a.handleDetect)

	return r
}

func (a *apiServer) handleApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LineID   int64   `json:"ligne_id"`
		Field    string  `json:"champ"`
		NewValue string  `json:"nouvelle_valeur"`
		By       string  `json:"corrige_par"`
		Notes    *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	corr, err := a.corrections.Apply(r.Context(), correction.ApplyRequest{
		LineID:   req.LineID,
		Field:    model.Field(req.Field),
		NewValue: req.NewValue,
		By:       req.By,
		Notes:    req.Notes,
	})
	if err != nil {
		writeCorrectionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, corr)
}

func (a *apiServer) handlePropagate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field     string   `json:"champ"`
		RawValue  string   `json:"valeur_brute"`
		NewValue  string   `json:"nouvelle_valeur"`
		Threshold *float64 `json:"threshold"`
		By        string   `json:"corrige_par"`
		Notes     *string  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count, err := a.corrections.Propagate(r.Context(), correction.PropagateRequest{
		Field:     model.Field(req.Field),
		RawValue:  req.RawValue,
		NewValue:  req.NewValue,
		Threshold: req.Threshold,
		By:        req.By,
		Notes:     req.Notes,
	})
	if err != nil {
		writeCorrectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"corrected": count})
}

func (a *apiServer) handleSuggest(w http.ResponseWriter, r *http.Request) {
	field := r.URL.Query().Get("champ")
	value := r.URL.Query().Get("valeur")
	if field == "" || value == "" {
		writeError(w, http.StatusBadRequest, "champ and valeur are required")
		return
	}

	suggestion, err := a.corrections.SuggestFor(r.Context(), model.Field(field), value)
	if err != nil {
		writeCorrectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"suggestion": suggestion})
}

func (a *apiServer) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	filter := store.AnomalyFilter{
		Severity: model.Severity(r.URL.Query().Get("severity")),
	}
	if raw := r.URL.Query().Get("document_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid document_id")
			return
		}
		filter.DocumentID = &id
	}

	anomalies, err := a.store.Anomalies(r.Context(), filter)
	if err != nil {
		zap.L().Error("list anomalies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

func (a *apiServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID *int64 `json:"document_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	scope := model.GlobalScope()
	if req.DocumentID != nil {
		scope = model.DocumentScope(*req.DocumentID)
	}

	anomalies, err := a.rules.Detect(r.Context(), scope)
	if err != nil {
		zap.L().Error("detection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"anomalies": len(anomalies)})
}

// writeCorrectionError maps the correction sentinels onto HTTP statuses.
func writeCorrectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, correction.ErrLineNotFound):
		writeError(w, http.StatusNotFound, "line not found")
	case errors.Is(err, correction.ErrUnknownField), errors.Is(err, correction.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("correction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
