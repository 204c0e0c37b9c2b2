package httpapi

import (
	"net/http"
	"strings"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/handover"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.currentAgent(w, r); !ok {
		return
	}
	var req handover.PreviewRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	preview, err := h.cash.ComputeHandoverPreview(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, preview)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.currentAgent(w, r); !ok {
		return
	}
	var req handover.ExecuteRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	result, err := h.cash.ExecuteHandover(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleQuick(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.currentAgent(w, r); !ok {
		return
	}
	var req handover.QuickRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	result, err := h.cash.QuickHandover(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := h.currentAgent(w, r); !ok {
		return
	}
	var req handover.OpenShiftRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	session, err := h.cash.OpenShift(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, session)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := h.currentAgent(w, r); !ok {
		return
	}
	entityType := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("entity_type")))
	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	if entityType == "" || entityID == "" {
		h.writeError(w, r, store.ErrInvalidInput.WithMessage("entity_type and entity_id are required"))
		return
	}
	entries, err := h.audit.AuditTrail(r.Context(), entityType, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeData(w, http.StatusOK, models.AuditTrail{
		EntityType: entityType,
		EntityID:   entityID,
		Entries:    entries,
		Verified:   store.VerifyAuditChain(entries),
	})
}
