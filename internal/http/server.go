// Package http exposes the coordination operations as a JSON REST API.
package http

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/auth"
	"github.com/drand/ceremony/internal/metrics"
	"github.com/drand/ceremony/internal/scheduler"
)

// maxBodySize bounds request bodies, they only carry small JSON documents.
const maxBodySize = 1 << 20

// VerificationResponse answers a submission. A rejected contribution comes
// with both its result and the error.
type VerificationResponse struct {
	Result *scheduler.VerificationResult `json:"result,omitempty"`
	Error  *ErrorResponse                `json:"error,omitempty"`
}

// New returns the handler serving the API of s, authenticating callers with p.
func New(s *scheduler.Scheduler, p auth.Provider, l log.Logger) http.Handler {
	h := &handler{sched: s, auth: p, log: l.Named("http")}

	r := chi.NewRouter()
	r.Use(h.version, h.authenticate)

	r.Get("/health", h.health)
	r.Get("/ceremonies", h.ceremonies)
	r.Get("/ceremonies/{id}/circuits", h.circuits)
	r.Get("/circuits/{id}/contributions", h.contributions)

	pr := r.With(h.requireIdentity)
	pr.Post("/ceremonies/{id}/eligibility", h.eligibility)
	pr.Get("/ceremonies/{id}/participant", h.participant)
	pr.Get("/ceremonies/{id}/attestation", h.attestation)
	pr.Post("/ceremonies/{id}/assignments", h.requestNext)
	pr.Post("/ceremonies/{id}/finalize", h.finalize)
	pr.Get("/attempts/{id}", h.resume)
	pr.Post("/attempts/{id}/contribution", h.declare)
	pr.Post("/attempts/{id}/step", h.step)
	pr.Get("/attempts/{id}/predecessor", h.predecessor)
	pr.Post("/attempts/{id}/uploads", h.openUpload)
	pr.Post("/uploads/{id}/authorizations", h.authorizeParts)
	pr.Put("/uploads/{id}/parts/{index}", h.reportPart)
	pr.Post("/uploads/{id}/verification", h.submit)

	metrics.Bind(l)
	return handlers.RecoveryHandler()(instrument(r))
}

// instrument wraps next with the HTTP metrics.
func instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight,
		promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, next)))
}

type handler struct {
	sched *scheduler.Scheduler
	auth  auth.Provider
	log   log.Logger
}

func (h *handler) reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil || status == http.StatusNoContent {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("writing response", "err", err)
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		h.log.Debugw("request refused", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	h.reply(w, status, resp)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		h.reply(w, http.StatusBadRequest, &ErrorResponse{
			Error: fmt.Sprintf("invalid request body: %v", err),
			Kind:  KindInvalidStateTransition,
		})
		return false
	}
	return true
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.reply(w, http.StatusOK, &HealthResponse{Status: "ok", Version: common.GetAppVersion().String()})
}

func (h *handler) ceremonies(w http.ResponseWriter, r *http.Request) {
	out, err := h.sched.Ceremonies(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, out)
}

func (h *handler) circuits(w http.ResponseWriter, r *http.Request) {
	out, err := h.sched.Circuits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, out)
}

func (h *handler) contributions(w http.ResponseWriter, r *http.Request) {
	out, err := h.sched.Contributions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, out)
}

func (h *handler) eligibility(w http.ResponseWriter, r *http.Request) {
	ok, err := h.sched.CheckEligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, &EligibilityResponse{Eligible: ok})
}

func (h *handler) participant(w http.ResponseWriter, r *http.Request) {
	p, err := h.sched.Participant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, p)
}

func (h *handler) attestation(w http.ResponseWriter, r *http.Request) {
	a, err := h.sched.Attestation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, a)
}

func (h *handler) requestNext(w http.ResponseWriter, r *http.Request) {
	asg, err := h.sched.RequestNextCircuit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if asg.Locked() {
		status = http.StatusOK
	}
	h.reply(w, status, asg)
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.FinalizeCeremony(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusNoContent, nil)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.ResumeAfterReconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, st)
}

func (h *handler) declare(w http.ResponseWriter, r *http.Request) {
	var req DeclareRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.sched.DeclareContribution(r.Context(), chi.URLParam(r, "id"), req.Hash, req.ComputationTime); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusNoContent, nil)
}

func (h *handler) step(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.sched.AdvanceStep(r.Context(), chi.URLParam(r, "id"), req.Step); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusNoContent, nil)
}

func (h *handler) predecessor(w http.ResponseWriter, r *http.Request) {
	d, err := h.sched.AuthorizeDownload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, d)
}

func (h *handler) openUpload(w http.ResponseWriter, r *http.Request) {
	var req OpenUploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.sched.OpenUpload(r.Context(), chi.URLParam(r, "id"), req.Size, req.ChunkSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusCreated, sess)
}

func (h *handler) authorizeParts(w http.ResponseWriter, r *http.Request) {
	var req AuthorizePartsRequest
	if !h.decode(w, r, &req) {
		return
	}
	auths, err := h.sched.AuthorizeUpload(r.Context(), chi.URLParam(r, "id"), req.From, req.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusOK, auths)
}

func (h *handler) reportPart(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.reply(w, http.StatusBadRequest, &ErrorResponse{Error: "invalid part index", Kind: KindInvalidStateTransition})
		return
	}
	var req PartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.sched.ReportPartComplete(r.Context(), chi.URLParam(r, "id"), index, req.Tag); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, http.StatusNoContent, nil)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.sched.SubmitForVerification(r.Context(), chi.URLParam(r, "id"), req.Hash)
	if err != nil && res == nil {
		h.fail(w, r, err)
		return
	}
	resp := &VerificationResponse{Result: res}
	status := http.StatusOK
	if err != nil {
		status, resp.Error = errorResponse(err)
		h.log.Infow("contribution rejected", "session", chi.URLParam(r, "id"), "err", err)
	}
	h.reply(w, status, resp)
}
