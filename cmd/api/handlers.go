package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/locus-labs/locus/engine/dialogue"
	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/engine/match"
	"github.com/locus-labs/locus/engine/position"
	"github.com/locus-labs/locus/pkg/metrics"
	"github.com/locus-labs/locus/pkg/mid"
	"github.com/locus-labs/locus/pkg/resilience"
)

const maxBodyBytes = 64 << 10

// DeviceHeader names the device whose sensor the NATS tier should query.
const DeviceHeader = "X-Device-ID"

// conversation is the slice of *dialogue.Engine the handlers use.
type conversation interface {
	SubmitUtterance(ctx context.Context, sessionID, text string) (dialogue.Reply, error)
	ResetSession(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) ([]domain.DialogueRequest, error)
}

// nearby is the slice of *match.Service the handlers use.
type nearby interface {
	FindNearby(ctx context.Context, target domain.Coordinate, q match.Query) ([]domain.MatchResult, error)
}

type server struct {
	engine  conversation
	matcher nearby
	breaker *resilience.Breaker
	reg     *metrics.Registry
	limiter *resilience.KeyedLimiter
	cors    string
	log     *slog.Logger
}

func newHandler(s server) http.Handler {
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.reg == nil {
		s.reg = metrics.New()
	}
	if s.cors == "" {
		s.cors = "*"
	}

	utterance := http.Handler(http.HandlerFunc(s.handleUtterance))
	if s.limiter != nil {
		utterance = mid.RateLimit(s.limiter, mid.ByPathValue("id"))(utterance)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("POST /api/sessions/{id}/utterances", utterance)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/nearby", s.handleNearby)
	mux.Handle("GET /metrics", s.reg.Handler())

	return mid.Chain(mid.Metrics(s.reg)(mux),
		mid.RequestID(),
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(s.cors),
		mid.OTel("locus-api"),
	)
}

// --- Handlers ---

func (s server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.breaker != nil {
		state := s.breaker.State()
		resp["catalog"] = state.String()
		if state != resilience.StateClosed {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UtteranceRequest is the JSON body for POST /api/sessions/{id}/utterances.
type UtteranceRequest struct {
	Text     string            `json:"text"`
	Position *ReportedPosition `json:"position,omitempty"`
	DeviceID string            `json:"device_id,omitempty"`
}

// ReportedPosition is a fix the client already holds.
type ReportedPosition struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	CapturedAt     time.Time `json:"captured_at"`
}

func (p ReportedPosition) fix() (position.Fix, error) {
	c := domain.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
	if err := c.Validate(); err != nil {
		return position.Fix{}, err
	}
	if p.AccuracyMeters < 0 {
		return position.Fix{}, domain.NewValidationError("accuracy_m", fmt.Sprint(p.AccuracyMeters), domain.ErrInvalidCoordinate)
	}
	return position.Fix{Coordinate: c, AccuracyMeters: p.AccuracyMeters, CapturedAt: p.CapturedAt}, nil
}

func (s server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var req UtteranceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx := r.Context()
	if req.Position != nil {
		fix, err := req.Position.fix()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx = position.WithReportedFix(ctx, fix)
	}
	device := req.DeviceID
	if device == "" {
		device = r.Header.Get(DeviceHeader)
	}
	if device != "" {
		ctx = position.WithDevice(ctx, device)
	}

	reply, err := s.engine.SubmitUtterance(ctx, r.PathValue("id"), req.Text)
	if err != nil {
		s.fail(w, r, "utterance", err)
		return
	}
	if reply.Suggestions == nil {
		reply.Suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetSession(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	if history == nil {
		history = []domain.DialogueRequest{}
	}
	writeJSON(w, http.StatusOK, history)
}

// NearbyRequest is the JSON body for POST /api/nearby.
type NearbyRequest struct {
	Coordinate domain.Coordinate `json:"coordinate"`
	Item       string            `json:"item"`
	Variant    domain.Variant    `json:"variant"`
}

// NearbyResponse is the JSON response for POST /api/nearby.
type NearbyResponse struct {
	Results []domain.MatchResult `json:"results"`
}

func (s server) handleNearby(w http.ResponseWriter, r *http.Request) {
	var req NearbyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant != domain.VariantUnset && !domain.ValidVariants[req.Variant] {
		err := domain.NewValidationError("variant", string(req.Variant), domain.ErrInvalidVariant)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.matcher.FindNearby(r.Context(), req.Coordinate, match.Query{Item: req.Item, Variant: req.Variant})
	if err != nil {
		s.fail(w, r, "nearby", err)
		return
	}
	if results == nil {
		results = []domain.MatchResult{}
	}
	writeJSON(w, http.StatusOK, NearbyResponse{Results: results})
}

// --- Helpers ---

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrInvalidCoordinate),
		errors.Is(err, domain.ErrInvalidVariant),
		errors.Is(err, domain.ErrInvalidSlotInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCatalogUnavailable), errors.Is(err, domain.ErrLocationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error(op+" failed", "err", err, "session", r.PathValue("id"),
			"request_id", mid.RequestIDFrom(r.Context()))
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
