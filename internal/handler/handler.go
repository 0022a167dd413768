// Package handler содержит HTTP-обработчики API сервиса столовой.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/canteen-system/internal/identity"
	"github.com/mmeshcher/canteen-system/internal/middleware"
	"github.com/mmeshcher/canteen-system/internal/model"
	"github.com/mmeshcher/canteen-system/internal/razorpay"
	"github.com/mmeshcher/canteen-system/internal/repository"
	"github.com/mmeshcher/canteen-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SyncUser(ctx context.Context, claims *identity.Claims) (*model.User, error)
	ListMenu(ctx context.Context, onlyAvailable bool, category string) ([]model.MenuItem, error)
	CreateMenuItem(ctx context.Context, item *model.MenuItem) (*model.MenuItem, error)
	UpdateMenuItem(ctx context.Context, item *model.MenuItem) error
	ToggleMenuItemAvailability(ctx context.Context, id int64) (bool, error)
	DeleteMenuItem(ctx context.Context, id int64) error
	CreatePaymentIntent(ctx context.Context, cart []service.CartLine, fulfillment model.Fulfillment) (*razorpay.PaymentIntent, error)
	PaymentKeyID() string
	CreateOrder(ctx context.Context, userID int64, cart []service.CartLine, fulfillment model.Fulfillment, deliveryAddress *string, confirmation service.PaymentConfirmation) (*model.Order, error)
	GetOrder(ctx context.Context, caller *model.User, orderID int64) (*model.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error)
	ListActiveOrders(ctx context.Context) (active, ready []*model.Order, err error)
	UpdateOrderStatus(ctx context.Context, orderID int64, target model.OrderStatus) (*model.Order, error)
	CleanupReadyOrders(ctx context.Context) (int, error)
}

// Handler реализует HTTP-обработчики API сервиса столовой.
type Handler struct {
	service        Service
	verifier       identity.Verifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier identity.Verifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		verifier:       verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError переводит типизированные ошибки ядра в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidFulfillment),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrItemUnavailable),
		errors.Is(err, service.ErrMissingConfirmation),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidMenuItem):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrMenuItemNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrPaymentVerification):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, repository.ErrDuplicatePayment),
		errors.Is(err, service.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, razorpay.ErrUnavailable):
		h.writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// Health сообщает о работоспособности сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type userResponse struct {
	ID          int64  `json:"id"`
	FirebaseUID string `json:"firebaseUid"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		FirebaseUID: u.FirebaseUID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        string(u.Role),
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

// SyncUser создаёт учётную запись при первом входе или возвращает существующую.
// Единственный маршрут, который проверяет токен сам: учётной записи может ещё не быть.
func (h *Handler) SyncUser(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "no token provided")
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	user, err := h.service.SyncUser(r.Context(), claims)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(user))
}

// GetProfile возвращает учётную запись текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type menuItemResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	ImageURL    string  `json:"imageUrl"`
	IsAvailable bool    `json:"isAvailable"`
}

func toMenuItemResponse(m model.MenuItem) menuItemResponse {
	return menuItemResponse{
		ID:          m.ID,
		Name:        m.Name,
		Category:    m.Category,
		Price:       float64(m.Price) / 100,
		ImageURL:    m.ImageURL,
		IsAvailable: m.Available,
	}
}

func (h *Handler) listMenu(w http.ResponseWriter, r *http.Request, onlyAvailable bool) {
	items, err := h.service.ListMenu(r.Context(), onlyAvailable, r.URL.Query().Get("category"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := make([]menuItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toMenuItemResponse(item))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetMenu возвращает доступные позиции меню. Доступен без аутентификации.
func (h *Handler) GetMenu(w http.ResponseWriter, r *http.Request) {
	h.listMenu(w, r, true)
}

// GetAllMenu возвращает все позиции меню, включая скрытые.
func (h *Handler) GetAllMenu(w http.ResponseWriter, r *http.Request) {
	h.listMenu(w, r, false)
}

type menuItemRequest struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	ImageURL    string  `json:"imageUrl"`
	IsAvailable *bool   `json:"isAvailable"`
}

func (req *menuItemRequest) toModel() *model.MenuItem {
	available := true
	if req.IsAvailable != nil {
		available = *req.IsAvailable
	}

	return &model.MenuItem{
		Name:      req.Name,
		Category:  req.Category,
		Price:     int64(math.Round(req.Price * 100)),
		ImageURL:  req.ImageURL,
		Available: available,
	}
}

// CreateMenuItem создаёт новую позицию меню.
func (h *Handler) CreateMenuItem(w http.ResponseWriter, r *http.Request) {
	var req menuItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.service.CreateMenuItem(r.Context(), req.toModel())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toMenuItemResponse(*item))
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// UpdateMenuItem обновляет позицию меню.
func (h *Handler) UpdateMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid menu item id")
		return
	}

	var req menuItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := req.toModel()
	item.ID = id

	if err := h.service.UpdateMenuItem(r.Context(), item); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toMenuItemResponse(*item))
}

// ToggleAvailability переключает доступность позиции меню.
func (h *Handler) ToggleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid menu item id")
		return
	}

	available, err := h.service.ToggleMenuItemAvailability(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"isAvailable": available,
	})
}

// DeleteMenuItem удаляет позицию меню.
func (h *Handler) DeleteMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid menu item id")
		return
	}

	if err := h.service.DeleteMenuItem(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cartLineRequest struct {
	MenuItemID int64 `json:"menuItemId"`
	Qty        int   `json:"qty"`
}

func toCartLines(lines []cartLineRequest) []service.CartLine {
	cart := make([]service.CartLine, 0, len(lines))
	for _, line := range lines {
		cart = append(cart, service.CartLine{MenuItemID: line.MenuItemID, Qty: line.Qty})
	}
	return cart
}

type paymentIntentRequest struct {
	Items          []cartLineRequest `json:"items"`
	DeliveryOption string            `json:"deliveryOption"`
}

type paymentIntentResponse struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"keyId"`
}

// CreatePaymentIntent пересчитывает сумму корзины и создаёт платёжное намерение в шлюзе.
// Сумма возвращается в пайсах, как того требует платёжный виджет.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req paymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	intent, err := h.service.CreatePaymentIntent(r.Context(), toCartLines(req.Items), model.Fulfillment(req.DeliveryOption))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, paymentIntentResponse{
		OrderID:  intent.ID,
		Amount:   intent.Amount,
		Currency: intent.Currency,
		KeyID:    h.service.PaymentKeyID(),
	})
}

type orderLineResponse struct {
	MenuItemID int64   `json:"menuItemId"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Qty        int     `json:"qty"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	TokenNumber     string              `json:"tokenNumber"`
	Status          string              `json:"status"`
	DeliveryOption  string              `json:"deliveryOption"`
	DeliveryAddress *string             `json:"deliveryAddress,omitempty"`
	Items           []orderLineResponse `json:"items"`
	Surcharge       float64             `json:"surcharge"`
	TotalAmount     float64             `json:"totalAmount"`
	PaymentID       string              `json:"paymentId"`
	ReadyAt         *string             `json:"readyAt"`
	CreatedAt       string              `json:"createdAt"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderLineResponse, 0, len(o.Lines))
	for _, line := range o.Lines {
		items = append(items, orderLineResponse{
			MenuItemID: line.MenuItemID,
			Name:       line.Name,
			Price:      float64(line.Price) / 100,
			Qty:        line.Qty,
		})
	}

	var readyAt *string
	if o.ReadyAt != nil {
		v := o.ReadyAt.Format(time.RFC3339)
		readyAt = &v
	}

	return orderResponse{
		ID:              o.ID,
		TokenNumber:     o.Token,
		Status:          string(o.Status),
		DeliveryOption:  string(o.Fulfillment),
		DeliveryAddress: o.DeliveryAddress,
		Items:           items,
		Surcharge:       float64(o.Surcharge) / 100,
		TotalAmount:     float64(o.Total) / 100,
		PaymentID:       o.PaymentID,
		ReadyAt:         readyAt,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
}

func toOrderResponses(orders []*model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	return resp
}

type createOrderRequest struct {
	Items           []cartLineRequest `json:"items"`
	DeliveryOption  string            `json:"deliveryOption"`
	DeliveryAddress *string           `json:"deliveryAddress"`
	PaymentID       string            `json:"paymentId"`
	RazorpayOrderID string            `json:"razorpayOrderId"`
	Signature       string            `json:"signature"`
}

// CreateOrder создаёт заказ по подтверждённому платежу.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), user.ID,
		toCartLines(req.Items),
		model.Fulfillment(req.DeliveryOption),
		req.DeliveryAddress,
		service.PaymentConfirmation{
			PaymentID:       req.PaymentID,
			RazorpayOrderID: req.RazorpayOrderID,
			Signature:       req.Signature,
		},
	)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetMyOrders возвращает заказы текущего пользователя, новые первыми.
func (h *Handler) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	orders, err := h.service.ListUserOrders(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

type allOrdersResponse struct {
	Active []orderResponse `json:"active"`
	Ready  []orderResponse `json:"ready"`
}

// GetAllOrders возвращает незавершённые заказы для панели администратора.
func (h *Handler) GetAllOrders(w http.ResponseWriter, r *http.Request) {
	active, ready, err := h.service.ListActiveOrders(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, allOrdersResponse{
		Active: toOrderResponses(active),
		Ready:  toOrderResponses(ready),
	})
}

// GetOrder возвращает один заказ. Не-администратор видит только свои заказы.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.service.GetOrder(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus переводит заказ в запрошенный статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), id, model.OrderStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CleanupReadyOrders запускает уборку залежавшихся заказов по запросу администратора.
func (h *Handler) CleanupReadyOrders(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CleanupReadyOrders(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"cleaned": count})
}
