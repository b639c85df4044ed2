package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dealescrow/internal/engine"
	"dealescrow/internal/escrow"
	"dealescrow/internal/ledger"
	"dealescrow/internal/logger"
	"dealescrow/internal/models"
	"dealescrow/internal/storage"
)

// Service — операции движка эскроу, доступные через HTTP.
type Service interface {
	Prepare(ctx context.Context, p engine.DeployParams) (*models.Deal, error)
	Fund(ctx context.Context, id string) (*models.Deal, error)
	Get(ctx context.Context, id string) (*models.Deal, error)
	List(ctx context.Context, statuses ...models.Status) ([]*models.Deal, error)
	Execute(ctx context.Context, req engine.ActionRequest) (*models.Deal, escrow.Result, error)
	Sync(ctx context.Context, id string) (*models.Deal, error)
	Policy() escrow.Policy
}

type Handlers struct {
	svc           Service
	bg            context.Context
	serviceWallet models.Address
	arbiter       models.Address
	log           *logger.Logger
}

func (h *Handlers) logEntry() *logrus.Entry {
	return h.log.WithComponent("api")
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logEntry().WithError(err).Warn("Не удалось закодировать ответ.")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]any{"error": msg})
}

// writeServiceError отображает ошибки движка в HTTP-статусы.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var transition *escrow.TransitionError
	switch {
	case errors.As(err, &transition):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"code":      transition.Code,
			"violation": transition.Violation.String(),
		})
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "deal not found")
	case errors.Is(err, escrow.ErrUnknownAction),
		errors.Is(err, engine.ErrInvalidDeal),
		errors.Is(err, engine.ErrInvalidDisputeReason):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrActionPending), errors.Is(err, engine.ErrDealExists):
		h.writeError(w, http.StatusConflict, err.Error())
	case ledger.IsRejected(err):
		h.writeError(w, http.StatusBadGateway, err.Error())
	case ledger.IsRetryable(err):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// --- CreateDeal ---

type createDealRequest struct {
	ID            string         `json:"id"`
	Customer      models.Address `json:"customer"`
	Buyer         models.Address `json:"buyer"`
	ServiceWallet models.Address `json:"service_wallet"`
	Arbiter       models.Address `json:"arbiter"`

	ItemPrice  models.Amount `json:"item_price"`
	BuyerFee   models.Amount `json:"buyer_fee"`
	ServiceFee models.Amount `json:"service_fee"`
	Insurance  models.Amount `json:"insurance"`

	PurchaseDeadline time.Time `json:"purchase_deadline"`
	ShipDeadline     time.Time `json:"ship_deadline"`
	ConfirmDeadline  time.Time `json:"confirm_deadline"`

	// Title и CreatedAt описывают заказ: из них и id выводится metadata_hash, если хеш не передан.
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MetadataHash string    `json:"metadata_hash"`
}

var errTitleNeedsOrder = errors.New("title requires id and created_at")

func (h *Handlers) params(req createDealRequest) (engine.DeployParams, error) {
	p := engine.DeployParams{
		DealID:           strings.TrimSpace(req.ID),
		Customer:         req.Customer,
		Buyer:            req.Buyer,
		ServiceWallet:    req.ServiceWallet,
		Arbiter:          req.Arbiter,
		ItemPrice:        req.ItemPrice,
		BuyerFee:         req.BuyerFee,
		ServiceFee:       req.ServiceFee,
		Insurance:        req.Insurance,
		PurchaseDeadline: req.PurchaseDeadline,
		ShipDeadline:     req.ShipDeadline,
		ConfirmDeadline:  req.ConfirmDeadline,
	}
	if p.DealID == "" {
		p.DealID = engine.NewDealID()
	}
	if p.ServiceWallet == "" {
		p.ServiceWallet = h.serviceWallet
	}
	if p.Arbiter == "" {
		p.Arbiter = h.arbiter
	}

	switch {
	case req.MetadataHash != "":
		hash, err := models.ParseHash(req.MetadataHash)
		if err != nil {
			return p, err
		}
		p.MetadataHash = hash
	case req.Title != "":
		// Хеш зависит только от тела запроса, иначе повтор дал бы новый адрес контракта.
		if strings.TrimSpace(req.ID) == "" || req.CreatedAt.IsZero() {
			return p, errTitleNeedsOrder
		}
		p.MetadataHash = ledger.MetadataHash(p.DealID, req.Title, req.CreatedAt)
	}
	return p, nil
}

func (h *Handlers) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	p, err := h.params(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.Prepare(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if d.Status.Funded() {
		h.writeJSON(w, http.StatusOK, d)
		return
	}
	h.fundAsync(d.ID)
	h.writeJSON(w, http.StatusAccepted, d)
}

// fundAsync запускает финансирование в фоне: опрос леджера дольше HTTP-запроса.
func (h *Handlers) fundAsync(id string) {
	go func() {
		if _, err := h.svc.Fund(h.bg, id); err != nil {
			h.logEntry().WithError(err).WithField("deal_id", id).Warn("Деплой сделки завершился с ошибкой.")
		}
	}()
}

// --- ListDeals ---

func (h *Handlers) ListDeals(w http.ResponseWriter, r *http.Request) {
	var statuses []models.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			s, err := models.ParseStatus(part)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, s)
		}
	}

	deals, err := h.svc.List(r.Context(), statuses...)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if deals == nil {
		deals = []*models.Deal{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deals": deals,
		"total": len(deals),
	})
}

// --- GetDeal ---

func (h *Handlers) GetDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// --- DeployDeal ---

func (h *Handlers) DeployDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if d.Status.Funded() {
		h.writeJSON(w, http.StatusOK, d)
		return
	}
	h.fundAsync(d.ID)
	h.writeJSON(w, http.StatusAccepted, d)
}

// --- ExecuteAction ---

type actionRequest struct {
	Action        string               `json:"action"`
	Actor         models.Address       `json:"actor"`
	DisputeReason ledger.DisputeReason `json:"dispute_reason"`
}

type actionResponse struct {
	Deal            *models.Deal                    `json:"deal"`
	Result          escrow.Result                   `json:"result"`
	PayoutByAddress map[models.Address]models.Amount `json:"payout_by_address,omitempty"`
}

func (h *Handlers) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	d, res, err := h.svc.Execute(r.Context(), engine.ActionRequest{
		DealID:        chi.URLParam(r, "id"),
		Action:        action,
		Actor:         req.Actor,
		DisputeReason: req.DisputeReason,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := actionResponse{Deal: d, Result: res}
	if res.Payout != nil {
		resp.PayoutByAddress = res.Payout.ByAddress(d)
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// --- SyncDeal ---

func (h *Handlers) SyncDeal(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Sync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// --- PreviewPayout ---

type payoutPreview struct {
	Status    models.Status                    `json:"status"`
	ByRole    models.Payout                    `json:"by_role"`
	ByAddress map[models.Address]models.Amount `json:"by_address"`
}

func (h *Handlers) PreviewPayout(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	var targets []models.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := models.ParseStatus(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.IsTerminal() {
			h.writeError(w, http.StatusBadRequest, "status must be terminal")
			return
		}
		if !escrow.Reachable(d.Status, s) {
			h.writeError(w, http.StatusConflict, "status is not reachable from "+string(d.Status))
			return
		}
		targets = append(targets, s)
	} else {
		for _, s := range models.AllStatuses {
			if s.IsTerminal() && escrow.Reachable(d.Status, s) {
				targets = append(targets, s)
			}
		}
	}

	policy := h.svc.Policy()
	previews := make([]payoutPreview, 0, len(targets))
	for _, s := range targets {
		payout := escrow.ComputePayout(d, s, policy)
		previews = append(previews, payoutPreview{
			Status:    s,
			ByRole:    payout,
			ByAddress: payout.ByAddress(d),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deal_id": d.ID,
		"total":   d.TotalEscrowed(),
		"payouts": previews,
	})
}
