// Package hostbridge serves the local HTTP API the native file-provider
// extension calls into. Each request maps to one coordinator operation and
// waits for its continuation.
package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/coordinator"
	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/enumerator"
	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/item"
	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/metrics"
	"github.com/fruitsalade/fileprovider/internal/registry"
)

// StatusClientClosedRequest is reported for cancelled operations.
const StatusClientClosedRequest = 499

// Coordinator is the set of coordinator operations the bridge exposes.
type Coordinator interface {
	enumerator.Lister
	Item(ctx context.Context, id string, force bool) (item.Item, error)
	Download(ctx context.Context, id string, progress *engine.Progress, done func(localPath string), fail func(error))
	Upload(ctx context.Context, it item.Item, source string, progress *engine.Progress, done func(item.Item), fail func(error))
	Delete(ctx context.Context, id string, done func(), fail func(error))
	CreateItem(ctx context.Context, template item.Item, source string, progress *engine.Progress, done func(item.Item), fail func(error))
	Stats() coordinator.StatsSnapshot
	Accounts() []accounts.Account
}

// Config holds bridge settings.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server is the host bridge. It implements suture's Service.
type Server struct {
	cfg   Config
	coord Coordinator
}

// New creates a bridge over coord.
func New(cfg Config, coord Coordinator) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, coord: coord}
}

func (s *Server) String() string {
	return "hostbridge(" + s.cfg.ListenAddr + ")"
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/v1/items/*id", s.handleItem)
	router.DELETE("/v1/items/*id", s.handleDelete)
	router.GET("/v1/enumerate/*id", s.handleEnumerate)
	router.POST("/v1/fetch/*id", s.handleFetch)
	router.POST("/v1/modify/*id", s.handleModify)
	router.POST("/v1/create/*id", s.handleCreate)

	router.GET("/v1/stats", s.handleStats)
	router.GET("/healthz", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	return logging.Middleware(router, metrics.RecordHostRequest)
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	logging.Info("host bridge listening", zap.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("host bridge: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	logging.Info("host bridge stopped")
	return ctx.Err()
}

// idParam extracts the identifier from a catch-all route parameter. An empty
// identifier names the root.
func idParam(ps httprouter.Params) string {
	id := strings.TrimPrefix(ps.ByName("id"), "/")
	if id == "" {
		return identifier.Root
	}
	return id
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  string      `json:"kind"`
	Items []item.Item `json:"items,omitempty"`
}

type enumerateResponse struct {
	Items  []item.Item       `json:"items"`
	Anchor enumerator.Anchor `json:"anchor"`
}

type fetchResponse struct {
	LocalPath string `json:"local_path"`
}

type modifyRequest struct {
	Source string `json:"source"`
}

type createRequest struct {
	Name        string `json:"name"`
	IsContainer bool   `json:"is_container"`
	Source      string `json:"source"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Accounts int    `json:"accounts"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation failure to an HTTP status.
func statusFor(err error) int {
	switch coordinator.KindOf(err) {
	case coordinator.KindIdentity:
		if errors.Is(err, registry.ErrUnknownAccount) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case coordinator.KindConsistency:
		return http.StatusNotFound
	case coordinator.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error, partial []item.Item) {
	writeJSON(w, statusFor(err), errorResponse{
		Error: err.Error(),
		Kind:  coordinator.KindOf(err).String(),
		Items: partial,
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "request"})
}

// result carries one continuation outcome back to a handler.
type result[T any] struct {
	v   T
	err error
}

// await waits for a continuation. When the request goes away first, cancel
// runs and the caller gets the context error.
func await[T any](ctx context.Context, ch <-chan result[T], cancel func()) (T, error) {
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	force := r.URL.Query().Get("refresh") == "1"
	it, err := s.coord.Item(r.Context(), idParam(ps), force)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleEnumerate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	anchor, err := enumerator.ParseAnchor(r.URL.Query().Get("anchor"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := enumerator.Collect(r.Context(), enumerator.New(s.coord, idParam(ps), anchor))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if res.Err != nil {
		writeError(w, res.Err, res.Items)
		return
	}
	if res.Items == nil {
		res.Items = []item.Item{}
	}
	writeJSON(w, http.StatusOK, enumerateResponse{Items: res.Items, Anchor: res.Anchor})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := r.Context()
	progress := engine.NewProgress(0)
	ch := make(chan result[string], 1)

	s.coord.Download(ctx, idParam(ps), progress,
		func(localPath string) { ch <- result[string]{v: localPath} },
		func(err error) { ch <- result[string]{err: err} })

	localPath, err := await(ctx, ch, progress.Cancel)
	if err != nil {
		if ctx.Err() != nil {
			logging.WithContext(ctx).Debug("fetch abandoned by client", logging.ItemID(idParam(ps)))
			return
		}
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, fetchResponse{LocalPath: localPath})
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := r.Context()
	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeBadRequest(w, "body must be {\"source\": <path>}")
		return
	}

	id := idParam(ps)
	it, err := s.coord.Item(ctx, id, false)
	switch {
	case err == nil:
	case coordinator.KindOf(err) == coordinator.KindConsistency:
		it = item.Item{ID: id}
	default:
		writeError(w, err, nil)
		return
	}

	progress := engine.NewProgress(0)
	ch := make(chan result[item.Item], 1)
	s.coord.Upload(ctx, it, req.Source, progress,
		func(it item.Item) { ch <- result[item.Item]{v: it} },
		func(err error) { ch <- result[item.Item]{err: err} })

	updated, err := await(ctx, ch, progress.Cancel)
	if err != nil {
		if ctx.Err() == nil {
			writeError(w, err, nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !req.IsContainer && req.Source == "" {
		writeBadRequest(w, "source is required for files")
		return
	}

	template := item.Item{Name: req.Name, ParentID: idParam(ps), IsContainer: req.IsContainer}
	progress := engine.NewProgress(0)
	ch := make(chan result[item.Item], 1)
	s.coord.CreateItem(ctx, template, req.Source, progress,
		func(it item.Item) { ch <- result[item.Item]{v: it} },
		func(err error) { ch <- result[item.Item]{err: err} })

	created, err := await(ctx, ch, progress.Cancel)
	if err != nil {
		if ctx.Err() == nil {
			writeError(w, err, nil)
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := r.Context()
	ch := make(chan result[struct{}], 1)
	s.coord.Delete(ctx, idParam(ps),
		func() { ch <- result[struct{}]{} },
		func(err error) { ch <- result[struct{}]{err: err} })

	if _, err := await(ctx, ch, nil); err != nil {
		if ctx.Err() == nil {
			writeError(w, err, nil)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Accounts: len(s.coord.Accounts())})
}
