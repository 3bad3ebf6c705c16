// Package handler содержит HTTP-обработчики API сервиса парковки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/parking-system/internal/middleware"
	"github.com/mmeshcher/parking-system/internal/model"
	"github.com/mmeshcher/parking-system/internal/repository"
	"github.com/mmeshcher/parking-system/internal/service"
	"github.com/mmeshcher/parking-system/internal/tariff"
	"github.com/mmeshcher/parking-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, password, name string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	CheckIn(ctx context.Context, plate, owner string, category model.VehicleCategory) (*model.VehicleSession, error)
	CheckOut(ctx context.Context, sessionID int64) (*model.CheckOutResult, error)
	Spaces(ctx context.Context) ([]model.SpaceView, error)
	FreeSpaces(ctx context.Context, category model.VehicleCategory) ([]model.Space, error)
	Session(ctx context.Context, sessionID int64) (*model.VehicleSession, error)
	Status(ctx context.Context) (*model.ParkingStatus, error)
	ActiveSessions(ctx context.Context) ([]model.VehicleSession, error)
	SearchByPlate(ctx context.Context, plate string) ([]model.VehicleSession, error)
	History(ctx context.Context, filter model.SessionFilter) ([]model.VehicleSession, error)
	Statistics(ctx context.Context, from, to *time.Time) (*model.Statistics, error)
	ExportHistoryCSV(ctx context.Context, w io.Writer, filter model.SessionFilter) error
}

// Handler реализует HTTP-обработчики API сервиса парковки.
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
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Register обрабатывает создание нового пользователя администратором.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.Password, req.Name, model.Role(req.Role))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrInvalidRole):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("register user error", zap.Error(err))
			h.writeStoreError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int64{"id": userID}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Login выполняет аутентификацию пользователя и устанавливает cookie с ролью.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.Role)
	w.WriteHeader(http.StatusOK)
}

type checkInRequest struct {
	Plate    string `json:"plate"`
	Owner    string `json:"owner"`
	Category string `json:"category"`
}

type sessionResponse struct {
	ID          int64   `json:"id"`
	Plate       string  `json:"plate"`
	Owner       string  `json:"owner"`
	Category    string  `json:"category"`
	SpaceNumber int     `json:"space_number"`
	State       string  `json:"state"`
	EntryTime   string  `json:"entry_time"`
	ExitTime    *string `json:"exit_time,omitempty"`
	Duration    *string `json:"duration,omitempty"`
}

func toSessionResponse(s model.VehicleSession) sessionResponse {
	resp := sessionResponse{
		ID:          s.ID,
		Plate:       validation.FormatPlate(s.Plate),
		Owner:       s.Owner,
		Category:    string(s.Category),
		SpaceNumber: s.SpaceNumber,
		State:       string(s.State),
		EntryTime:   s.EntryTime.Format(time.RFC3339),
	}
	if s.ExitTime != nil {
		exit := s.ExitTime.Format(time.RFC3339)
		resp.ExitTime = &exit
	}
	return resp
}

// CheckIn регистрирует въезд автомобиля и возвращает созданную сессию.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.CheckIn(r.Context(), req.Plate, req.Owner, model.VehicleCategory(req.Category))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPlate), errors.Is(err, service.ErrInvalidCategory):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrDuplicateActiveSession):
			http.Error(w, "vehicle already checked in", http.StatusConflict)
		case errors.Is(err, repository.ErrNoSpaceAvailable):
			http.Error(w, "no free space for category", http.StatusConflict)
		default:
			h.logger.Error("check-in error", zap.Error(err), zap.String("plate", req.Plate))
			h.writeStoreError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toSessionResponse(*session)); err != nil {
		h.logger.Error("encode check-in response", zap.Error(err))
	}
}

type checkOutRequest struct {
	SessionID int64 `json:"session_id"`
}

type checkOutResponse struct {
	SessionID   int64   `json:"session_id"`
	SpaceNumber int     `json:"space_number"`
	Duration    string  `json:"duration"`
	Fee         float64 `json:"fee"`
}

// CheckOut регистрирует выезд: закрывает сессию, считает стоимость и освобождает место.
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	var req checkOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SessionID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.CheckOut(r.Context(), req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrSessionClosed):
			http.Error(w, "session already closed", http.StatusConflict)
		case errors.Is(err, repository.ErrInvalidExitTime):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("check-out error", zap.Error(err), zap.Int64("sessionID", req.SessionID))
			h.writeStoreError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(checkOutResponse{
		SessionID:   res.SessionID,
		SpaceNumber: res.SpaceNumber,
		Duration:    res.Duration,
		Fee:         float64(res.FeeCents) / 100,
	}); err != nil {
		h.logger.Error("encode check-out response", zap.Error(err))
	}
}

type spaceResponse struct {
	Number   int              `json:"number"`
	Category string           `json:"category"`
	Occupied bool             `json:"occupied"`
	Vehicle  *sessionResponse `json:"vehicle,omitempty"`
}

// Spaces возвращает все места вместе с занимающими их автомобилями.
func (h *Handler) Spaces(w http.ResponseWriter, r *http.Request) {
	spaces, err := h.service.Spaces(r.Context())
	if err != nil {
		h.logger.Error("list spaces error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	resp := make([]spaceResponse, 0, len(spaces))
	for _, sp := range spaces {
		item := spaceResponse{
			Number:   sp.Number,
			Category: string(sp.Category),
			Occupied: sp.Occupied,
		}
		if sp.Vehicle != nil {
			v := toSessionResponse(*sp.Vehicle)
			item.Vehicle = &v
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// FreeSpaces возвращает свободные места, по желанию отфильтрованные по категории.
func (h *Handler) FreeSpaces(w http.ResponseWriter, r *http.Request) {
	category := model.VehicleCategory(r.URL.Query().Get("category"))

	spaces, err := h.service.FreeSpaces(r.Context(), category)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCategory) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("free spaces error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	resp := make([]spaceResponse, 0, len(spaces))
	for _, sp := range spaces {
		resp = append(resp, spaceResponse{
			Number:   sp.Number,
			Category: string(sp.Category),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Session возвращает сессию по идентификатору из пути.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess, err := h.service.Session(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get session error", zap.Error(err), zap.Int64("sessionID", id))
		h.writeStoreError(w, err)
		return
	}

	item := toSessionResponse(*sess)
	if sess.ExitTime != nil {
		label := tariff.FormatDuration(sess.ExitTime.Sub(sess.EntryTime))
		item.Duration = &label
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(item); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Status возвращает сводку занятости парковки.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("parking status error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ActiveSessions возвращает список открытых сессий.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ActiveSessions(r.Context())
	if err != nil {
		h.logger.Error("active sessions error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	h.writeSessions(w, sessions)
}

// Search возвращает всю историю сессий по номерному знаку из параметра plate.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	plate := r.URL.Query().Get("plate")
	if plate == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sessions, err := h.service.SearchByPlate(r.Context(), plate)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPlate) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("search error", zap.Error(err), zap.String("plate", plate))
		h.writeStoreError(w, err)
		return
	}

	h.writeSessions(w, sessions)
}

// History возвращает историю сессий с фильтрами from, to и category.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSessionFilter(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sessions, err := h.service.History(r.Context(), filter)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCategory) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("history error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	h.writeSessions(w, sessions)
}

// ExportHistory выгружает историю сессий в CSV-файл.
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSessionFilter(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	filename := fmt.Sprintf("history_%s.csv", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := h.service.ExportHistoryCSV(r.Context(), w, filter); err != nil {
		h.logger.Error("export history error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Statistics возвращает агрегаты по сессиям за период from..to.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stats, err := h.service.Statistics(r.Context(), from, to)
	if err != nil {
		h.logger.Error("statistics error", zap.Error(err))
		h.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) writeSessions(w http.ResponseWriter, sessions []model.VehicleSession) {
	if len(sessions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		item := toSessionResponse(s)
		if s.ExitTime != nil {
			label := tariff.FormatDuration(s.ExitTime.Sub(s.EntryTime))
			item.Duration = &label
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// writeStoreError различает недоступность хранилища и прочие внутренние сбои.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrStoreUnavailable) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// parseTimeParam принимает RFC3339 либо дату без времени. Дата без времени
// в параметре to означает конец этого дня, чтобы диапазон включал весь день.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}

	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if name == "to" {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseSessionFilter(r *http.Request) (model.SessionFilter, error) {
	var filter model.SessionFilter

	from, err := parseTimeParam(r, "from")
	if err != nil {
		return filter, err
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		return filter, err
	}

	filter.From = from
	filter.To = to
	filter.Category = model.VehicleCategory(r.URL.Query().Get("category"))

	return filter, nil
}
