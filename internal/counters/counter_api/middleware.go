package counter_api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"ms-counters/internal/logger"

	"github.com/go-chi/chi/v5/middleware"
)

// Recoverer turns a panic into a JSON 500. When the response was already
// started, for example a running stream, it only logs; returning from the
// handler then ends the response.
func Recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.Error("PANIC", fmt.Sprintf("%s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack()))
				if ww.Status() != 0 {
					return
				}
				sendJSON(ww, http.StatusInternalServerError, map[string]string{"message": msgInternalError})
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// RequestLogger logs every finished request with its status and duration.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, status, time.Since(start))
		})
	}
}
