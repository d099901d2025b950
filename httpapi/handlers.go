package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/auth"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type webhookResponse struct {
	Received bool `json:"received"`
}

func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Webhook Error: payload too large")
			return
		}
		h.fail(w, r, "read webhook", err)
		return
	}

	out, err := h.webhooks.HandleDelivery(r.Context(), payload, r.Header.Get(StripeSignatureHeader))
	if err != nil {
		h.fail(w, r, "stripe webhook", err)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook acknowledged",
		"event_id", out.EventID,
		"event_type", out.EventType,
		"action", string(out.Action),
		"request_id", requestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// caller resolves the authenticated subject to a user on every request.
func (h *Handler) caller(r *http.Request) (*user.User, error) {
	subject, ok := auth.SubjectFrom(r.Context())
	if !ok {
		return nil, chartable.ErrUnauthorized
	}
	return h.svc.ResolveBySubject(r.Context(), subject)
}

type creditsResponse struct {
	UserID  id.UserID     `json:"userId"`
	Credits types.Credits `json:"credits"`
}

func (h *Handler) credits(w http.ResponseWriter, r *http.Request) {
	u, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "get credits", err)
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{UserID: u.ID, Credits: u.CreditBalance})
}

func (h *Handler) getDiagram(w http.ResponseWriter, r *http.Request) {
	diagramID, err := id.ParseDiagramID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get diagram", chartable.ErrDiagramNotFound)
		return
	}

	d, err := h.svc.GetDiagram(r.Context(), diagramID)
	if err != nil {
		h.fail(w, r, "get diagram", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := id.ParseProjectID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get project", chartable.ErrProjectNotFound)
		return
	}

	u, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "get project", err)
		return
	}

	p, err := h.svc.GetProject(r.Context(), projectID, u.ID)
	if err != nil {
		h.fail(w, r, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type appendHistoryRequest struct {
	Prompt       string             `json:"prompt"`
	Diagram      string             `json:"diagram"`
	DiagramImage string             `json:"diagram_img"`
	UpdateType   project.UpdateType `json:"updateType"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) appendHistory(w http.ResponseWriter, r *http.Request) {
	projectID, err := id.ParseProjectID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "append history", chartable.ErrProjectNotFound)
		return
	}

	u, err := h.caller(r)
	if err != nil {
		h.fail(w, r, "append history", err)
		return
	}

	var req appendHistoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxJSON)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.fail(w, r, "append history", chartable.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	entry := &project.HistoryEntry{
		Prompt:       req.Prompt,
		Diagram:      req.Diagram,
		DiagramImage: req.DiagramImage,
		UpdateType:   req.UpdateType,
	}
	if err := h.svc.AppendHistory(r.Context(), projectID, u.ID, entry); err != nil {
		h.fail(w, r, "append history", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
