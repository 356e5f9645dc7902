package main

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/justinas/alice"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/metrics"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.Handler(app.registry))
	mux.HandleFunc("/healthz", app.healthz)

	standard := alice.New(recoverPanic, logRequest)
	return standard.Then(mux)
}

func jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (app *application) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "db": "ok", "lister": app.lister.State()}

	if err := app.database.PingContext(r.Context()); err != nil {
		body["status"] = "degraded"
		body["db"] = err.Error()
		jsonResponse(w, http.StatusServiceUnavailable, body)
		return
	}
	jsonResponse(w, http.StatusOK, body)
}

func recoverPanic(next http.Handler) http.Handler {
	logger := logging.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("path", r.URL.Path).Msg("handler panicked")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func logRequest(next http.Handler) http.Handler {
	logger := logging.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}
