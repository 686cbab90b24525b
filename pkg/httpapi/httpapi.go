// Package httpapi exposes the collaboration server and the document operations over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/newsdoc-sync/pkg/auth"
	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/contenthash"
	"github.com/astromechza/newsdoc-sync/pkg/metrics"
	"github.com/astromechza/newsdoc-sync/pkg/newsdoc"
	"github.com/astromechza/newsdoc-sync/pkg/operations"
	"github.com/astromechza/newsdoc-sync/pkg/repository"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/snapshot"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
	"github.com/astromechza/newsdoc-sync/pkg/viz"
)

const maxUpdateSize = 16 << 20

type Config struct {
	Server     *collab.Server
	Operations *operations.Operations
	Repository repository.Repository
	Validator  auth.Validator
	Registry   *transform.Registry
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type api struct {
	Config
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	StatusCode    int    `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

type DocumentResponse struct {
	Document newsdoc.Document `json:"document"`
	Hash     int32            `json:"hash"`
}

func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Registry == nil {
		cfg.Registry = transform.Default()
	}
	a := &api{Config: cfg}

	r := mux.NewRouter()
	r.Use(a.observe)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(a.healthz)
	if cfg.Gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Methods(http.MethodGet).Path("/collab/{id}").HandlerFunc(a.connect)

	docs := r.PathPrefix("/documents/{id}").Subrouter()
	docs.Use(a.session)
	docs.Methods(http.MethodPost).Path("/flush").HandlerFunc(a.flush)
	docs.Methods(http.MethodPost).Path("/snapshot").HandlerFunc(a.snapshotDocument)
	docs.Methods(http.MethodPost).Path("/restore").HandlerFunc(a.restore)
	docs.Methods(http.MethodGet).Path("/statuses").HandlerFunc(a.statuses)
	docs.Methods(http.MethodGet).Path("/state").HandlerFunc(a.state)
	docs.Methods(http.MethodGet).Path("/document").HandlerFunc(a.document)
	docs.Methods(http.MethodGet).Path("/graph.svg").HandlerFunc(a.graph)
	return r
}

func (a *api) observe(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		route := "unknown"
		if cr := mux.CurrentRoute(request); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		a.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(m.Code)).Inc()
		a.Metrics.HTTPDuration.WithLabelValues(route).Observe(m.Duration.Seconds())
		a.Logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

type sessionKey struct{}

// session attaches a Context to requests carrying a valid bearer token. Requests without one
// continue without a Context and are rejected by the operations.
func (a *api) session(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		token, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
		if ok && token != "" && a.Validator != nil {
			user, err := a.Validator.Validate(request.Context(), token)
			if err != nil {
				a.Logger.Info("rejected session token", "err", err)
			} else {
				cctx := &collab.Context{Agent: collab.AgentServer, AccessToken: token, User: user}
				request = request.WithContext(context.WithValue(request.Context(), sessionKey{}, cctx))
			}
		}
		handler.ServeHTTP(writer, request)
	})
}

func sessionContext(r *http.Request) *collab.Context {
	cctx, _ := r.Context().Value(sessionKey{}).(*collab.Context)
	return cctx
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("failed to write out", "err", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, operations.ErrUnauthorized), errors.Is(err, auth.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, operations.ErrInvalidUpdate),
		errors.Is(err, transform.ErrUnsupportedType),
		errors.Is(err, transform.ErrMalformed),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", "method", r.Method, "url", r.URL, "err", err)
	}
	a.writeJSON(w, status, ErrorResponse{StatusCode: status, StatusMessage: err.Error()})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	a.Server.HandleConnection(w, r, mux.Vars(r)["id"])
}

func readUpdate(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateSize+1))
	if err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	if len(raw) > maxUpdateSize {
		return nil, errors.Join(errBadRequest, errors.New("update too large"))
	}
	return raw, nil
}

func writeOptions(r *http.Request) operations.Options {
	q := r.URL.Query()
	return operations.Options{Status: q.Get("status"), Cause: q.Get("cause")}
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, a.Operations.Flush)
}

func (a *api) snapshotDocument(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, a.Operations.Snapshot)
}

type writeFunc func(ctx context.Context, cctx *collab.Context, name string, update []byte, opts operations.Options) (snapshot.Result, error)

func (a *api) write(w http.ResponseWriter, r *http.Request, op writeFunc) {
	cctx := sessionContext(r)
	if !cctx.Valid() {
		a.writeError(w, r, operations.ErrUnauthorized)
		return
	}
	update, err := readUpdate(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), cctx, mux.Vars(r)["id"], update, writeOptions(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *api) restore(w http.ResponseWriter, r *http.Request) {
	var version int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			a.writeError(w, r, errors.Join(errBadRequest, errors.New("version must be a positive integer")))
			return
		}
		version = v
	}
	res, err := a.Operations.Restore(r.Context(), sessionContext(r), mux.Vars(r)["id"], version)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *api) statuses(w http.ResponseWriter, r *http.Request) {
	cctx := sessionContext(r)
	if !cctx.Valid() {
		a.writeError(w, r, operations.ErrUnauthorized)
		return
	}
	statuses, err := a.Repository.GetStatuses(r.Context(), cctx.AccessToken, mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (a *api) state(w http.ResponseWriter, r *http.Request) {
	var state []byte
	if err := a.Operations.Read(r.Context(), sessionContext(r), mux.Vars(r)["id"], func(doc *shareddoc.Document) error {
		state = doc.Save()
		return nil
	}); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(state); err != nil {
		a.Logger.Error("failed to write out", "err", err)
	}
}

func (a *api) document(w http.ResponseWriter, r *http.Request) {
	var doc newsdoc.Document
	if err := a.Operations.Read(r.Context(), sessionContext(r), mux.Vars(r)["id"], func(d *shareddoc.Document) error {
		return d.View(func(tx *shareddoc.Tx) error {
			if tx.IsEmpty() {
				return repository.ErrNotFound
			}
			var err error
			doc, err = tx.Document(a.Registry)
			return err
		})
	}); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, DocumentResponse{Document: doc, Hash: contenthash.HashDocument(doc)})
}

func (a *api) graph(w http.ResponseWriter, r *http.Request) {
	var history []shareddoc.HistoryEntry
	if err := a.Operations.Read(r.Context(), sessionContext(r), mux.Vars(r)["id"], func(d *shareddoc.Document) error {
		var err error
		history, err = d.History()
		return err
	}); err != nil {
		a.writeError(w, r, err)
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderHistory(history, &buff); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if _, err := w.Write(buff.Bytes()); err != nil {
		a.Logger.Error("failed to write out", "err", err)
	}
}
