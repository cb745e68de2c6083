package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/scrollcap/scrollcap/capture"
	"github.com/scrollcap/scrollcap/shield"
)

// newRouter builds the HTTP surface. passwordHash nil disables Basic Auth.
func newRouter(svc *capture.Service, outputDir string, passwordHash []byte, limiter *shield.RateLimiter) chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(limiter) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if passwordHash != nil {
			r.Use(requireBasicAuth(passwordHash))
		}

		r.Post("/api/capture", func(w http.ResponseWriter, r *http.Request) {
			var req capture.StartRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, 400, map[string]string{"error": "invalid_message"})
				return
			}
			id, err := svc.StartCapture(r.Context(), req)
			if err != nil {
				writeCaptureError(w, err)
				return
			}
			writeJSON(w, 202, map[string]string{"session_id": id, "status": "idle"})
		})

		// An unknown or never-started session is an empty record, not an
		// error: pollers may race the start of their own capture.
		r.Get("/api/capture/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := svc.Status(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if rec == nil {
				writeJSON(w, 200, map[string]any{"found": false})
				return
			}
			writeJSON(w, 200, rec)
		})

		r.Delete("/api/capture/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.Cancel(chi.URLParam(r, "id")); err != nil {
				writeJSON(w, 404, map[string]string{"error": "unknown session"})
				return
			}
			writeJSON(w, 200, map[string]string{"status": "cancelling"})
		})

		r.Post("/api/detect", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				URL string `json:"url"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, 400, map[string]string{"error": "invalid_message"})
				return
			}
			det, err := svc.DetectSite(r.Context(), req.URL)
			if err != nil {
				writeCaptureError(w, err)
				return
			}
			writeJSON(w, 200, det)
		})

		r.Get("/api/config", func(w http.ResponseWriter, r *http.Request) {
			settings, err := svc.Settings(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, settings)
		})

		r.Put("/api/config", func(w http.ResponseWriter, r *http.Request) {
			// Merge over the current record so a partial body only touches
			// the keys it names.
			settings, err := svc.Settings(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
				writeJSON(w, 400, map[string]string{"error": "invalid_message"})
				return
			}
			if err := svc.UpdateSettings(r.Context(), settings); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, settings)
		})

		// Finished captures are served straight from the output directory.
		if outputDir == "" {
			outputDir = "captures"
		}
		r.Handle("/captures/*", http.StripPrefix("/captures/",
			http.FileServer(http.Dir(outputDir))))
	})

	return r
}

func requireBasicAuth(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, pw, ok := r.BasicAuth()
			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(pw)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="scrollcap"`)
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeCaptureError maps the capture error taxonomy to HTTP status codes.
func writeCaptureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrInvalidMessage):
		writeJSON(w, 400, map[string]string{"error": "invalid_message", "detail": err.Error()})
	case errors.Is(err, capture.ErrCaptureActive):
		writeJSON(w, 409, map[string]string{"error": "capture_active"})
	case errors.Is(err, capture.ErrCaptureThrottled):
		writeJSON(w, 429, map[string]string{"error": "capture_throttled"})
	case errors.Is(err, capture.ErrTargetUnavailable):
		writeJSON(w, 502, map[string]string{"error": "target_unavailable"})
	default:
		writeError(w, 500, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
