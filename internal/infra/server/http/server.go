// Package httpserver exposes the local origin: submissions, sync control, the
// status region and, for every other path, the cache strategy router.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/status"
	"github.com/coachpo/fieldcare/internal/app/syncer"
	"github.com/coachpo/fieldcare/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	submissionsPath  = "/api/submissions"
	drainPath        = "/api/sync/drain"
	connectivityPath = "/api/connectivity"
	syncStatusPath   = "/api/sync/status"
	statusStreamPath = "/api/sync/status/stream"
	statusHTMLPath   = "/status"

	streamWriteTimeout = 5 * time.Second
)

// Sync is the submission and drain surface of the orchestrator.
type Sync interface {
	Save(ctx context.Context, payload json.RawMessage) (syncer.Outcome, error)
	Drain(ctx context.Context) (syncer.Report, error)
	Pending(ctx context.Context) (int, error)
	OfflineEnabled() bool
}

// Connectivity accepts page-reported transitions.
type Connectivity interface {
	IsOnline() bool
	Set(ctx context.Context, online bool) bool
}

// StatusView renders the status region.
type StatusView interface {
	Snapshot() status.Snapshot
	Notify(message string, level status.Level)
	RenderHTML() ([]byte, error)
	Watch() (<-chan status.Snapshot, func())
}

// Deps wires the handler.
type Deps struct {
	Sync         Sync
	Connectivity Connectivity
	Status       StatusView
	// Fallback serves every request no API route matches.
	Fallback http.Handler
	Logger   observability.Logger
}

type httpServer struct {
	sync         Sync
	connectivity Connectivity
	status       StatusView
	logger       observability.Logger
}

type submissionResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending,omitempty"`
}

type drainResponse struct {
	PassID    string  `json:"pass_id"`
	Source    string  `json:"source"`
	Attempted int     `json:"attempted"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	FailedIDs []int64 `json:"failed_ids,omitempty"`
	Duration  string  `json:"duration"`
}

type connectivityPayload struct {
	Online *bool `json:"online"`
}

type connectivityResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

type syncStatusResponse struct {
	status.Snapshot
	Pending        int  `json:"pending"`
	OfflineEnabled bool `json:"offline_enabled"`
}

// NewHandler builds the chi router for the local origin.
func NewHandler(deps Deps) http.Handler {
	s := &httpServer{
		sync:         deps.Sync,
		connectivity: deps.Connectivity,
		status:       deps.Status,
		logger:       observability.Or(deps.Logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Post(submissionsPath, s.submit)
	r.Post(drainPath, s.drain)
	r.Post(connectivityPath, s.reportConnectivity)
	r.Get(syncStatusPath, s.syncStatus)
	r.Get(statusStreamPath, s.streamStatus)
	r.Get(statusHTMLPath, s.statusHTML)

	fallback := deps.Fallback
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	r.NotFound(fallback.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, readHeaderTimeout time.Duration, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *httpServer) submit(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	outcome, err := s.sync.Save(r.Context(), json.RawMessage(body))
	if err != nil {
		s.writeSaveError(w, outcome, err)
		return
	}
	switch outcome {
	case syncer.OutcomeDelivered:
		s.status.Notify("saved", status.LevelSuccess)
		writeJSON(w, http.StatusCreated, submissionResponse{Status: string(outcome)})
	case syncer.OutcomeQueued:
		s.status.Notify("saved offline; will sync when online", status.LevelProgress)
		pending, err := s.sync.Pending(r.Context())
		if err != nil {
			s.logger.Error("count pending", observability.F("err", err))
		}
		writeJSON(w, http.StatusAccepted, submissionResponse{Status: string(outcome), Pending: pending})
	default:
		writeError(w, http.StatusInternalServerError, "unexpected outcome "+string(outcome))
	}
}

func (s *httpServer) writeSaveError(w http.ResponseWriter, outcome syncer.Outcome, err error) {
	code := errs.HTTPStatus(err)
	switch {
	case outcome == syncer.OutcomeRejected:
		if code < 400 || code > 499 {
			code = http.StatusUnprocessableEntity
		}
		s.status.Notify("submission rejected", status.LevelError)
		writeJSON(w, code, map[string]string{"status": string(outcome), "error": err.Error()})
		return
	case errs.IsCode(err, errs.CodeStoreUnavailable):
		code = http.StatusServiceUnavailable
	case code == 0:
		code = http.StatusInternalServerError
	}
	s.logger.Error("submission failed", observability.F("err", err))
	s.status.Notify("submission could not be saved", status.LevelError)
	writeError(w, code, err.Error())
}

func (s *httpServer) drain(w http.ResponseWriter, r *http.Request) {
	report, err := s.sync.Drain(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errs.IsCode(err, errs.CodeStoreUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{
		PassID:    report.PassID,
		Source:    string(report.Source),
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		FailedIDs: report.FailedIDs,
		Duration:  report.Duration.String(),
	})
}

func (s *httpServer) reportConnectivity(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload connectivityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Online == nil {
		writeError(w, http.StatusBadRequest, "online required")
		return
	}
	changed := s.connectivity.Set(r.Context(), *payload.Online)
	writeJSON(w, http.StatusOK, connectivityResponse{Online: s.connectivity.IsOnline(), Changed: changed})
}

func (s *httpServer) syncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sync.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Snapshot:       s.status.Snapshot(),
		Pending:        pending,
		OfflineEnabled: s.sync.OfflineEnabled(),
	})
}

func (s *httpServer) statusHTML(w http.ResponseWriter, _ *http.Request) {
	body, err := s.status.RenderHTML()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *httpServer) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("status stream upgrade", observability.F("err", err))
		return
	}
	defer conn.CloseNow()

	client := uuid.NewString()
	s.logger.Debug("status stream opened", observability.F("client", client))
	ctx := conn.CloseRead(r.Context())
	updates, stop := s.status.Watch()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("status stream closed", observability.F("client", client))
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-updates:
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("encode status snapshot", observability.F("err", err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("status stream write failed",
					observability.F("client", client),
					observability.F("err", err))
				return
			}
		}
	}
}

func loggingMiddleware(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				observability.F("method", r.Method),
				observability.F("path", r.URL.Path),
				observability.F("status", ww.Status()),
				observability.F("duration", time.Since(start).String()),
				observability.F("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
