// Package http is the operator-facing surface: QR pairing, status,
// diagnostics, sends and session reset. Every response carries the
// {success, error, details} shape the operator tooling expects.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wabridge/internal/notify"
	obsmw "wabridge/internal/observability/middleware"
	"wabridge/internal/session"
)

// SessionManager is the slice of the manager this surface consumes.
type SessionManager interface {
	QRCode(ctx context.Context) (string, error)
	Status(ctx context.Context) session.Status
	SendMessage(ctx context.Context, to, text string) (string, error)
	ClearAuth(ctx context.Context) error
	Logs(ctx context.Context) []session.Entry
	CurrentState(ctx context.Context) (session.StateRecord, bool)
}

type API struct {
	mgr       SessionManager
	notifier  *notify.Service
	defaultTo string
}

// NewRouter builds the chi router. authMW guards the mutating endpoints;
// the read-only ones expose nothing a caller could not already observe.
func NewRouter(mgr SessionManager, notifier *notify.Service, authMW func(http.Handler) http.Handler, corsOrigins, defaultTo string) http.Handler {
	a := &API{mgr: mgr, notifier: notifier, defaultTo: defaultTo}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	// Must outlast the QR wait deadline.
	r.Use(chimw.Timeout(90 * time.Second))
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originsIfSet(strings.Split(corsOrigins, ",")),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/qr", a.handleQR)
	r.Get("/status", a.handleStatus)
	r.Get("/connection-logs", a.handleLogs)

	r.Group(func(pr chi.Router) {
		pr.Use(authMW)
		pr.Post("/send", a.handleSend)
		pr.Post("/clear-auth", a.handleClearAuth)
		pr.Post("/cron/reminders/first", a.handleFirstReminder)
		pr.Post("/cron/reminders/final", a.handleFinalReminder)
	})

	return r
}

func originsIfSet(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	Message string `json:"message,omitempty"`
}

func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, err := a.mgr.QRCode(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrQRTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, response{Success: false, Error: "qr not available", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		response
		QR string `json:"qr"`
	}{response{Success: true, Message: "scan to pair"}, qr})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.mgr.Status(r.Context())
	msg := "not connected"
	if st.IsConnected {
		msg = "connected"
	}
	writeJSON(w, http.StatusOK, struct {
		response
		session.Status
	}{response{Success: true, Message: msg}, st})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := a.mgr.Logs(r.Context())
	rec, _ := a.mgr.CurrentState(r.Context())
	writeJSON(w, http.StatusOK, struct {
		response
		CurrentState session.StateRecord `json:"currentState"`
		RecentLogs   []session.Entry     `json:"recentLogs"`
		LogCount     int                 `json:"logCount"`
	}{response{Success: true}, rec, entries, len(entries)})
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "bad request"})
		return
	}
	to := req.To
	if to == "" {
		to = a.defaultTo
	}
	id, err := a.mgr.SendMessage(r.Context(), to, req.Message)
	if err != nil {
		// Operator tooling must be able to tell "re-pair needed" apart
		// from a transient transport problem.
		switch {
		case errors.Is(err, session.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, response{Success: false, Error: "invalid request", Details: err.Error()})
		case errors.Is(err, session.ErrNotConnected):
			writeJSON(w, http.StatusConflict, response{Success: false, Error: "not_connected", Details: "session is not connected; pair via /qr"})
		default:
			writeJSON(w, http.StatusBadGateway, response{Success: false, Error: "send failed", Details: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, struct {
		response
		MessageID string `json:"messageId"`
	}{response{Success: true}, id})
}

func (a *API) handleClearAuth(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.ClearAuth(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Error: "clear failed", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "authentication data cleared"})
}

func (a *API) handleFirstReminder(w http.ResponseWriter, r *http.Request) {
	writeNotifyResult(w, a.notifier.SendGameDayReminder(r.Context()))
}

func (a *API) handleFinalReminder(w http.ResponseWriter, r *http.Request) {
	writeNotifyResult(w, a.notifier.SendFinalCallReminder(r.Context()))
}

func writeNotifyResult(w http.ResponseWriter, res notify.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
