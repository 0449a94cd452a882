package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"notifyd/internal/dispatch"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Dispatcher is what the API needs from the dispatch facade.
type Dispatcher interface {
	SendImmediate(ctx context.Context, env notify.Immediate) (notify.Report, error)
	SendBulkImmediate(ctx context.Context, envs []notify.Immediate) ([]notify.Report, error)
	SendDelayed(ctx context.Context, req notify.Delayed) (string, error)
	SendBulkDelayed(ctx context.Context, reqs []notify.Delayed, delay time.Duration) ([]string, error)
	SendTelegram(ctx context.Context, p notify.TelegramParams) (notify.BotReport, error)
	Capabilities() dispatch.Capabilities
}

var validate = validator.New()

type telegramRequest struct {
	Receivers []string `json:"receivers" validate:"required,min=1,dive,required"`
	Message   string   `json:"message" validate:"required"`
}

type immediateRequest struct {
	Type      string              `json:"type" validate:"required,max=128"`
	Item      json.RawMessage     `json:"item"`
	Message   string              `json:"message" validate:"max=4096"`
	Receivers []notify.ReceiverID `json:"receivers" validate:"omitempty,dive,required"`
	Telegram  *telegramRequest    `json:"telegram"`
}

func (r immediateRequest) envelope() notify.Immediate {
	env := notify.Immediate{Type: r.Type, Item: r.Item, Message: r.Message, Receivers: r.Receivers}
	if r.Telegram != nil {
		env.Telegram = &notify.TelegramParams{Receivers: r.Telegram.Receivers, Message: r.Telegram.Message}
	}
	return env
}

// Delays are milliseconds on the wire. A missing delay is invalid.
type delayedRequest struct {
	immediateRequest
	Delay       *int64 `json:"delay"`
	CustomJobID string `json:"customJobId" validate:"max=128"`
}

type bulkDelayedRequest struct {
	Items []delayedRequest `json:"items" validate:"dive"`
	Delay *int64           `json:"delay"`
}

// maxDelayMillis is the largest delay that fits in a time.Duration.
const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

func millis(p *int64) (time.Duration, error) {
	if p == nil || *p < 0 || *p > maxDelayMillis {
		return 0, notify.ErrInvalidDelay
	}
	return time.Duration(*p) * time.Millisecond, nil
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *handlers) immediate(w http.ResponseWriter, r *http.Request) {
	var req immediateRequest
	if !h.decode(w, r, &req) || !h.check(w, &req) {
		return
	}
	rep, err := h.d.SendImmediate(r.Context(), req.envelope())
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) bulkImmediate(w http.ResponseWriter, r *http.Request) {
	var reqs []immediateRequest
	if !h.decode(w, r, &reqs) {
		return
	}
	envs := make([]notify.Immediate, 0, len(reqs))
	for i := range reqs {
		if !h.check(w, &reqs[i]) {
			return
		}
		envs = append(envs, reqs[i].envelope())
	}
	reps, err := h.d.SendBulkImmediate(r.Context(), envs)
	if err != nil {
		h.fail(w, r, err, map[string]any{"reports": reps})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reps})
}

func (h *handlers) delayed(w http.ResponseWriter, r *http.Request) {
	var req delayedRequest
	if !h.decode(w, r, &req) {
		return
	}
	delay, err := millis(req.Delay)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if !h.check(w, &req) {
		return
	}
	id, err := h.d.SendDelayed(r.Context(), notify.Delayed{Immediate: req.envelope(), Delay: delay, JobID: req.CustomJobID})
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}

func (h *handlers) bulkDelayed(w http.ResponseWriter, r *http.Request) {
	var req bulkDelayedRequest
	if !h.decode(w, r, &req) {
		return
	}
	delay, err := millis(req.Delay)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if !h.check(w, &req) {
		return
	}
	items := make([]notify.Delayed, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, notify.Delayed{Immediate: it.envelope(), JobID: it.CustomJobID})
	}
	ids, err := h.d.SendBulkDelayed(r.Context(), items, delay)
	if err != nil {
		h.fail(w, r, err, map[string]any{"job_ids": ids})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (h *handlers) telegram(w http.ResponseWriter, r *http.Request) {
	var req telegramRequest
	if !h.decode(w, r, &req) || !h.check(w, &req) {
		return
	}
	rep, err := h.d.SendTelegram(r.Context(), notify.TelegramParams{Receivers: req.Receivers, Message: req.Message})
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channels": h.d.Capabilities()})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{errorBody{Code: "too_large", Message: err.Error()}})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "invalid_json", Message: err.Error()}})
		return false
	}
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, errorResponse{errorBody{Code: "invalid_json", Message: "unexpected data after request body"}})
		return false
	}
	return true
}

func (h *handlers) check(w http.ResponseWriter, v any) bool {
	err := validate.Struct(v)
	if err == nil {
		return true
	}
	body := errorBody{Code: notify.ErrInvalidEnvelope.Code, Message: notify.ErrInvalidEnvelope.Msg}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			body.Fields = append(body.Fields, fmt.Sprintf("%s:%s", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{body})
	return false
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// fail maps dispatcher errors to statuses: bad input is 400, a missing
// channel is 503, anything else is treated as an upstream failure.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status, code := http.StatusBadGateway, "upstream_error"
	var ve *notify.ValidationError
	switch {
	case errors.As(err, &ve):
		status, code = http.StatusBadRequest, ve.Code
	case errors.Is(err, notify.ErrNotInitialized):
		status, code = http.StatusServiceUnavailable, "not_initialized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "canceled"
	}
	if status >= 500 {
		h.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Int("status", status), logx.Err(err))
	}
	body := map[string]any{"error": errorBody{Code: code, Message: err.Error()}}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
