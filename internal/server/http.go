package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"datastore/pkg/domain"
)

// TokenHeader carries the session token on every authenticated request.
const TokenHeader = "X-Session-Token"

// Error codes in JSON error bodies.
const (
	CodeInvalidSession = "invalid_session"
	CodeBadCredentials = "bad_credentials"
	CodeNotFound       = "not_found"
	CodeRejected       = "rejected"
	CodeInternal       = "internal"
)

// ErrorBody is the JSON payload of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type codeResponse struct {
	Code string `json:"code"`
}

// Handler serves the application server API.
type Handler struct {
	svc      *Service
	log      *zap.Logger
	router   *mux.Router
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHandler routes the API and, when reg is not nil, exposes /metrics from
// it. Request metrics are registered on reg.
func NewHandler(svc *Service, reg *prometheus.Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		svc: svc,
		log: log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datastore",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Application server requests by route and status.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datastore",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Application server request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/sessions", h.login).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions", h.logout).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/instance", h.instance).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/data-set-codes", h.createCode).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/data-set-types", h.dataSetTypes).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/samples", h.sample).Methods(http.MethodGet).Queries("id", "{id}")
	r.HandleFunc("/api/v1/experiments", h.experiment).Methods(http.MethodGet).Queries("id", "{id}")
	r.HandleFunc("/api/v1/data-sets", h.registerDataSet).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/data-sets/locations", h.locations).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/data-sets/{code}", h.deleteDataSet).Methods(http.MethodDelete)
	r.HandleFunc("/_ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet, http.MethodHead)
	if reg != nil {
		reg.MustRegister(h.requests, h.latency)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Use(h.instrument)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		h.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		h.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		h.log.Debug("request", zap.String("method", r.Method), zap.String("route", route), zap.Int("status", rec.status))
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeRejected, "invalid JSON payload")
		return
	}
	token, err := h.svc.Login(r.Context(), req.User, req.Password)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{Token: token})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), r.Header.Get(TokenHeader))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) instance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.HomeDatabaseInstance(r.Context(), r.Header.Get(TokenHeader))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) createCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.svc.CreateDataSetCode(r.Context(), r.Header.Get(TokenHeader))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, codeResponse{Code: code})
}

func (h *Handler) dataSetTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.svc.DataSetTypes(r.Context(), r.Header.Get(TokenHeader))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_set_types": types})
}

func (h *Handler) sample(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := domain.ParseSampleIdentifier(raw, "")
	if err != nil {
		h.fail(w, err)
		return
	}
	sample, ok, err := h.svc.TryGetSample(r.Context(), r.Header.Get(TokenHeader), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "sample "+id.String()+" not found")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) experiment(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := domain.ParseExperimentIdentifier(raw, "")
	if err != nil {
		h.fail(w, err)
		return
	}
	exp, ok, err := h.svc.TryGetExperiment(r.Context(), r.Header.Get(TokenHeader), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "experiment "+id.String()+" not found")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) registerDataSet(w http.ResponseWriter, r *http.Request) {
	var data domain.NewExternalData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, CodeRejected, "invalid JSON payload")
		return
	}
	created, res, err := h.svc.RegisterDataSet(r.Context(), r.Header.Get(TokenHeader), data)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data_set": created, "violations": res.Violations})
}

func (h *Handler) deleteDataSet(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if _, err := h.svc.DeleteDataSet(r.Context(), r.Header.Get(TokenHeader), code, r.URL.Query().Get("reason")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) locations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.svc.DataSetLocations(r.Context(), r.Header.Get(TokenHeader), r.URL.Query().Get("type"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		notFound  domain.ErrNotFound
		violation domain.RuleViolationError
	)
	switch {
	case errors.Is(err, domain.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, CodeInvalidSession, err.Error())
	case errors.Is(err, ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, CodeBadCredentials, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.As(err, &violation), domain.UserError.Has(err):
		writeError(w, http.StatusUnprocessableEntity, CodeRejected, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: message, Code: code})
}
