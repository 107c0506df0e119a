package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JeanSilva08/data-flow-pipeline/kit"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/observability"
	"github.com/JeanSilva08/data-flow-pipeline/store"
)

// Health reports the liveness of a flowctl serve process.
type Health struct {
	DB        *sql.DB
	Worker    string
	Staleness time.Duration
}

// WithHealth includes the latest heartbeat of worker in /health.
func WithHealth(h Health) Option { return func(p *Pipeline) { p.health = &h } }

// Handler returns the HTTP surface. Collections started with
// POST /runs/{source} run in the background under ctx unless ?wait=true.
//
//	GET  /health
//	GET  /runs?limit=N
//	POST /runs/{source}
//	GET  /snapshots
//	GET  /observations/{kind}/{id}/{source}
//	GET  /media-kit?artist_id=N
//	POST /aggregate
//	GET  /metrics?name=&source=&limit=N
func (p *Pipeline) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(kitContext)

	collect := p.collectEndpoint()
	aggregate := p.aggregateEndpoint()
	mediaKit := p.mediaKitEndpoint()
	runs := p.runsEndpoint()

	r.Get("/health", p.handleHealth)

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, runs, &runsRequest{Limit: queryInt(r, "limit", 0)}, http.StatusOK)
	})

	r.Post("/runs/{source}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "source")
		if r.URL.Query().Get("wait") == "true" {
			serve(w, r, collect, &collectRequest{Source: name}, http.StatusOK)
			return
		}
		src, err := metric.ParseSource(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := p.Start(ctx, src); err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"source": string(src), "status": "started"})
	})

	r.Get("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		snaps, err := p.backend.Snapshots(r.Context())
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if snaps == nil {
			snaps = []metric.Snapshot{}
		}
		writeJSON(w, http.StatusOK, snaps)
	})

	r.Get("/observations/{kind}/{id}/{source}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		src, err := metric.ParseSource(chi.URLParam(r, "source"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		obs, err := p.backend.Observations(r.Context(), metric.Kind(chi.URLParam(r, "kind")), id, src)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if obs == nil {
			obs = []metric.Observation{}
		}
		writeJSON(w, http.StatusOK, obs)
	})

	r.Get("/media-kit", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, mediaKit, &mediaKitRequest{ArtistID: int64(queryInt(r, "artist_id", 0))}, http.StatusOK)
	})

	r.Post("/aggregate", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, aggregate, nil, http.StatusOK)
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if p.metrics == nil {
			writeError(w, http.StatusNotFound, errors.New("metrics are not enabled"))
			return
		}
		q := r.URL.Query()
		pts, err := p.metrics.Query(r.Context(), q.Get("name"), q.Get("source"), time.Time{}, queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if pts == nil {
			pts = []*observability.Metric{}
		}
		writeJSON(w, http.StatusOK, pts)
	})

	return r
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"running": p.Running(),
	}
	if p.health != nil {
		hb, err := observability.LatestHeartbeat(r.Context(), p.health.DB, p.health.Worker, p.health.Staleness)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["heartbeat"] = hb
		if hb != nil && !hb.Alive {
			resp["status"] = "stale"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// kitContext carries chi's request ID and the transport into kit values.
func kitContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), kit.TransportHTTP)
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func serve(w http.ResponseWriter, r *http.Request, e kit.Endpoint, req any, code int) {
	resp, err := e(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, code, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, metric.ErrUnknownSource):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
