package httpapi

import (
	"context"
	"expvar"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/handover"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/queue"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

type QueueService interface {
	CreateTicket(ctx context.Context, req queue.CreateTicketRequest) (models.Ticket, error)
	DispatchNext(ctx context.Context, req queue.DispatchRequest) (store.DispatchResult, error)
	CompleteAndDispatchNext(ctx context.Context, req queue.CompleteAndDispatchRequest) (store.CompleteAndDispatchResult, error)
	Recall(ctx context.Context, req queue.TicketActionRequest) (models.Ticket, error)
	Complete(ctx context.Context, req queue.TicketActionRequest) (store.CompleteResult, error)
	Cancel(ctx context.Context, req queue.TicketActionRequest) (models.Ticket, error)
	QueueStatus(ctx context.Context, branchID string) (models.QueueStatus, error)
	DailyMetrics(ctx context.Context, branchID, date string) (models.DailyMetrics, error)
	ResetQueue(ctx context.Context, req queue.ResetQueueRequest) (int64, error)
}

type CashService interface {
	ComputeHandoverPreview(ctx context.Context, req handover.PreviewRequest) (models.HandoverPreview, error)
	ExecuteHandover(ctx context.Context, req handover.ExecuteRequest) (models.HandoverResult, error)
	QuickHandover(ctx context.Context, req handover.QuickRequest) (models.QuickHandoverResult, error)
	OpenShift(ctx context.Context, req handover.OpenShiftRequest) (models.CashSession, error)
}

type Options struct {
	JWTSecret string
	Logger    *zap.Logger
}

type Handler struct {
	queue     QueueService
	cash      CashService
	audit     store.AuditReader
	jwtSecret []byte
	logger    *zap.Logger
}

func NewHandler(queueService QueueService, cashService CashService, audit store.AuditReader, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queue:     queueService,
		cash:      cashService,
		audit:     audit,
		jwtSecret: []byte(options.JWTSecret),
		logger:    logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleCreateTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/queue/dispatch-next", h.handleDispatchNext)
	mux.HandleFunc("/api/queue/complete-and-next", h.handleCompleteAndNext)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/queue/metrics", h.handleMetrics)
	mux.HandleFunc("/api/queue/reset", h.handleReset)
	mux.HandleFunc("/api/handover/preview", h.handlePreview)
	mux.HandleFunc("/api/handover/execute", h.handleExecute)
	mux.HandleFunc("/api/handover/quick", h.handleQuick)
	mux.HandleFunc("/api/shifts/open", h.handleOpenShift)
	mux.HandleFunc("/api/audit", h.handleAudit)
	mux.Handle("/debug/vars", expvar.Handler())
	return h.AuthMiddleware(mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req queue.CreateTicketRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	ticket, err := h.queue.CreateTicket(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, ticket)
}

// currentAgent returns the agent resolved by AuthMiddleware.
func (h *Handler) currentAgent(w http.ResponseWriter, r *http.Request) (Agent, bool) {
	agent, ok := agentFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{
			ErrorKind: string(store.KindAuthorization), ErrorCode: "UNAUTHENTICATED", Message: "missing bearer token",
		})
		return Agent{}, false
	}
	return agent, true
}

func (h *Handler) handleDispatchNext(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	agent, ok := h.currentAgent(w, r)
	if !ok {
		return
	}
	var req queue.DispatchRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	if err := requireBranch(agent, req.BranchID); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.AgentID = agent.UserID
	result, err := h.queue.DispatchNext(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleCompleteAndNext(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	agent, ok := h.currentAgent(w, r)
	if !ok {
		return
	}
	var req queue.CompleteAndDispatchRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	if err := requireBranch(agent, req.BranchID); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.AgentID = agent.UserID
	result, err := h.queue.CompleteAndDispatchNext(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// handleTicketActions serves /api/tickets/{id}/actions/{recall|complete|cancel}.
func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tickets/"), "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[0] == "" {
		h.writeError(w, r, store.ErrTicketNotFound.WithMessage("unknown ticket route"))
		return
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	agent, ok := h.currentAgent(w, r)
	if !ok {
		return
	}
	var req queue.TicketActionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	req.TicketID = parts[0]
	req.AgentID = agent.UserID
	req.BranchID = agent.BranchID

	var (
		data interface{}
		err  error
	)
	switch parts[2] {
	case "recall":
		data, err = h.queue.Recall(r.Context(), req)
	case "complete":
		data, err = h.queue.Complete(r.Context(), req)
	case "cancel":
		data, err = h.queue.Cancel(r.Context(), req)
	default:
		h.writeError(w, r, store.ErrInvalidInput.WithMessage("unknown action %q", parts[2]))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, data)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	status, err := h.queue.QueueStatus(r.Context(), strings.TrimSpace(r.URL.Query().Get("branch_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	agent, ok := h.currentAgent(w, r)
	if !ok {
		return
	}
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if err := requireBranch(agent, branchID); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics, err := h.queue.DailyMetrics(r.Context(), branchID, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, metrics)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	agent, ok := h.currentAgent(w, r)
	if !ok {
		return
	}
	var req queue.ResetQueueRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	if err := requireBranch(agent, req.BranchID); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.ActorID = agent.UserID
	req.ActorRole = agent.Role
	affected, err := h.queue.ResetQueue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"affected": affected})
}
