// Package handler содержит HTTP-обработчики API сервиса взносов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/appasalvi/catarse/internal/middleware"
	"github.com/appasalvi/catarse/internal/model"
	"github.com/appasalvi/catarse/internal/repository"
	"github.com/appasalvi/catarse/internal/service"
	"github.com/appasalvi/catarse/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateBacker(ctx context.Context, userID, projectID int64, rewardID *int64, value float64, usesCredits bool) (*model.Backer, []validation.Reason, error)
	GetBackersByUser(ctx context.Context, userID int64) ([]model.Backer, error)
	CreditBalance(ctx context.Context, userID int64) (float64, error)
	RequestRefund(ctx context.Context, userID, backerID int64) error
	BackersByState(ctx context.Context, state model.BackerState) ([]model.Backer, error)
	BackersBetweenValues(ctx context.Context, min, max float64) ([]model.Backer, error)
	PendingToRefund(ctx context.Context) ([]model.Backer, error)
	InTimeToConfirm(ctx context.Context) ([]model.Backer, error)
}

// Handler реализует HTTP-обработчики API сервиса взносов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createBackerRequest struct {
	ProjectID   int64   `json:"project_id"`
	RewardID    *int64  `json:"reward_id,omitempty"`
	Value       float64 `json:"value"`
	UsesCredits bool    `json:"uses_credits"`
}

type backerResponse struct {
	ID           int64   `json:"id"`
	ProjectID    int64   `json:"project_id"`
	RewardID     *int64  `json:"reward_id,omitempty"`
	Value        float64 `json:"value"`
	DisplayValue string  `json:"display_value"`
	State        string  `json:"state"`
	UsesCredits  bool    `json:"uses_credits"`
	CreatedAt    string  `json:"created_at"`
}

type validationErrorResponse struct {
	Reasons []validation.Reason `json:"reasons"`
}

func toBackerResponse(b model.Backer) backerResponse {
	return backerResponse{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		RewardID:     b.RewardID,
		Value:        b.Value(),
		DisplayValue: b.DisplayValue(),
		State:        string(b.State),
		UsesCredits:  b.UsesCredits,
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
}

// CreateBacker создаёт новый взнос текущего пользователя.
func (h *Handler) CreateBacker(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createBackerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, reasons, err := h.service.CreateBacker(r.Context(), userID, req.ProjectID, req.RewardID, req.Value, req.UsesCredits)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) || errors.Is(err, repository.ErrRewardNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("create backer error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(reasons) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(validationErrorResponse{Reasons: reasons})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toBackerResponse(*b)); err != nil {
		h.logger.Error("encode backer error", zap.Error(err))
	}
}

// GetBackers возвращает список взносов текущего пользователя.
func (h *Handler) GetBackers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	backers, err := h.service.GetBackersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get backers error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeBackerList(w, backers)
}

type creditsResponse struct {
	Credits float64 `json:"credits"`
}

// GetCredits возвращает сумму кредитов текущего пользователя.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	credits, err := h.service.CreditBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get credits error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(creditsResponse{Credits: credits}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// RequestRefund регистрирует запрос текущего пользователя на возврат взноса.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	backerID, err := strconv.ParseInt(chi.URLParam(r, "backerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.RequestRefund(r.Context(), userID, backerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBackerNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrBackerNotOwned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrRefundNotAllowed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("request refund error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("backerID", backerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListBackers возвращает взносы для бэк-офиса: по состоянию либо по
// диапазону сумм, в зависимости от параметров запроса.
func (h *Handler) ListBackers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if stateParam := q.Get("state"); stateParam != "" {
		state := model.BackerState(stateParam)
		if !state.Valid() {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		backers, err := h.service.BackersByState(r.Context(), state)
		if err != nil {
			h.logger.Error("list backers by state error", zap.Error(err), zap.String("state", stateParam))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		h.writeBackerList(w, backers)
		return
	}

	if q.Get("min_value") != "" || q.Get("max_value") != "" {
		minValue, errMin := strconv.ParseFloat(q.Get("min_value"), 64)
		maxValue, errMax := strconv.ParseFloat(q.Get("max_value"), 64)
		if errMin != nil || errMax != nil || minValue > maxValue {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		backers, err := h.service.BackersBetweenValues(r.Context(), minValue, maxValue)
		if err != nil {
			h.logger.Error("list backers between values error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		h.writeBackerList(w, backers)
		return
	}

	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

// PendingToRefund возвращает взносы, ожидающие завершения возврата.
func (h *Handler) PendingToRefund(w http.ResponseWriter, r *http.Request) {
	backers, err := h.service.PendingToRefund(r.Context())
	if err != nil {
		h.logger.Error("pending to refund error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeBackerList(w, backers)
}

// InTimeToConfirm возвращает взносы, ожидающие подтверждения оплаты.
func (h *Handler) InTimeToConfirm(w http.ResponseWriter, r *http.Request) {
	backers, err := h.service.InTimeToConfirm(r.Context())
	if err != nil {
		h.logger.Error("in time to confirm error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeBackerList(w, backers)
}

func (h *Handler) writeBackerList(w http.ResponseWriter, backers []model.Backer) {
	if len(backers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]backerResponse, 0, len(backers))
	for _, b := range backers {
		resp = append(resp, toBackerResponse(b))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
