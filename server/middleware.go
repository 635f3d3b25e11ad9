package server

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tsromanox/openfinance-receptor/idempotency"
	"github.com/tsromanox/openfinance-receptor/observability"
)

const interactionHeader = "x-fapi-interaction-id"

// interactionID echoes the caller's interaction id on the response, minting
// one when absent, so every exchange is correlatable.
func interactionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(interactionHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(interactionHeader, id)
		}
		w.Header().Set(interactionHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestMetrics feeds the pipeline HTTP counters per route pattern.
func requestMetrics(metrics *observability.PipelineMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
		})
	}
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

// idempotent replays the stored response for a repeated interaction id, so a
// retried write never executes twice. Requests without the header pass
// through.
func idempotent(store *idempotency.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(interactionHeader)
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			resp, err := store.Execute(r.Context(), r.Method+":"+r.URL.Path+":"+key,
				func(ctx context.Context) (idempotency.Response, error) {
					buf := newBufferedResponse()
					next.ServeHTTP(buf, r.WithContext(ctx))
					return idempotency.Response{
						StatusCode:  buf.status,
						ContentType: buf.header.Get("Content-Type"),
						Body:        buf.body.Bytes(),
					}, nil
				})
			if err != nil {
				writeError(w, err)
				return
			}
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
		})
	}
}
