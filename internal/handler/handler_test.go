package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/canteen-system/internal/identity"
	"github.com/mmeshcher/canteen-system/internal/middleware"
	"github.com/mmeshcher/canteen-system/internal/model"
	"github.com/mmeshcher/canteen-system/internal/razorpay"
	"github.com/mmeshcher/canteen-system/internal/repository"
	"github.com/mmeshcher/canteen-system/internal/service"
)

type stubVerifier struct {
	claims *identity.Claims
	err    error
}

func (s *stubVerifier) Verify(token string) (*identity.Claims, error) {
	return s.claims, s.err
}

type stubUserSource struct {
	user *model.User
	err  error
}

func (s *stubUserSource) GetUserByUID(ctx context.Context, firebaseUID string) (*model.User, error) {
	return s.user, s.err
}

type stubService struct {
	syncedUser *model.User
	syncErr    error

	menuItems []model.MenuItem
	menuErr   error

	createdItem *model.MenuItem
	itemErr     error

	toggleResult bool

	intent    *razorpay.PaymentIntent
	intentErr error

	order    *model.Order
	orderErr error

	userOrders []*model.Order

	active []*model.Order
	ready  []*model.Order

	updatedOrder *model.Order
	updateErr    error

	cleaned    int
	cleanupErr error
}

func (s *stubService) SyncUser(ctx context.Context, claims *identity.Claims) (*model.User, error) {
	return s.syncedUser, s.syncErr
}

func (s *stubService) ListMenu(ctx context.Context, onlyAvailable bool, category string) ([]model.MenuItem, error) {
	return s.menuItems, s.menuErr
}

func (s *stubService) CreateMenuItem(ctx context.Context, item *model.MenuItem) (*model.MenuItem, error) {
	return s.createdItem, s.itemErr
}

func (s *stubService) UpdateMenuItem(ctx context.Context, item *model.MenuItem) error {
	return s.itemErr
}

func (s *stubService) ToggleMenuItemAvailability(ctx context.Context, id int64) (bool, error) {
	return s.toggleResult, s.itemErr
}

func (s *stubService) DeleteMenuItem(ctx context.Context, id int64) error {
	return s.itemErr
}

func (s *stubService) CreatePaymentIntent(ctx context.Context, cart []service.CartLine, fulfillment model.Fulfillment) (*razorpay.PaymentIntent, error) {
	return s.intent, s.intentErr
}

func (s *stubService) PaymentKeyID() string { return "rzp_test_key" }

func (s *stubService) CreateOrder(ctx context.Context, userID int64, cart []service.CartLine, fulfillment model.Fulfillment, deliveryAddress *string, confirmation service.PaymentConfirmation) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, caller *model.User, orderID int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error) {
	return s.userOrders, s.orderErr
}

func (s *stubService) ListActiveOrders(ctx context.Context) ([]*model.Order, []*model.Order, error) {
	return s.active, s.ready, s.orderErr
}

func (s *stubService) UpdateOrderStatus(ctx context.Context, orderID int64, target model.OrderStatus) (*model.Order, error) {
	return s.updatedOrder, s.updateErr
}

func (s *stubService) CleanupReadyOrders(ctx context.Context) (int, error) {
	return s.cleaned, s.cleanupErr
}

func newTestHandler(t *testing.T, svc Service, caller *model.User) *Handler {
	t.Helper()

	verifier := &stubVerifier{claims: &identity.Claims{UID: "uid-1", Email: "u@example.com"}}
	auth := middleware.NewAuthMiddleware(verifier, &stubUserSource{user: caller})

	return NewHandler(svc, verifier, zap.NewNop(), auth)
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func student() *model.User {
	return &model.User{ID: 1, FirebaseUID: "uid-1", Role: model.RoleStudent}
}

func admin() *model.User {
	return &model.User{ID: 2, FirebaseUID: "uid-2", Role: model.RoleAdmin}
}

func TestSyncUser_Success(t *testing.T) {
	svc := &stubService{
		syncedUser: &model.User{ID: 1, FirebaseUID: "uid-1", Email: "u@example.com", Name: "U", Role: model.RoleStudent},
	}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/auth/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp userResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Role != "student" {
		t.Fatalf("role = %q, want student", resp.Role)
	}
}

func TestSyncUser_NoToken(t *testing.T) {
	h := newTestHandler(t, &stubService{}, student())

	req := httptest.NewRequest(http.MethodPost, "/api/auth/sync", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetMenu_Public(t *testing.T) {
	svc := &stubService{
		menuItems: []model.MenuItem{
			{ID: 1, Name: "Idli", Category: "Breakfast", Price: 4000, Available: true},
		},
	}
	h := newTestHandler(t, svc, student())

	req := httptest.NewRequest(http.MethodGet, "/api/menu/", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []menuItemResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Price != 40 {
		t.Fatalf("unexpected menu response: %+v", resp)
	}
}

func TestCreateOrder_Created(t *testing.T) {
	now := time.Now()
	svc := &stubService{
		order: &model.Order{
			ID:     7,
			UserID: 1,
			Lines: []model.OrderLine{
				{MenuItemID: 1, Name: "Idli", Price: 3000, Qty: 2},
			},
			Total:       6000,
			Status:      model.OrderStatusPending,
			Fulfillment: model.FulfillmentDineIn,
			PaymentID:   "pay_xyz",
			Token:       "123456",
			CreatedAt:   now,
		},
	}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/orders/", createOrderRequest{
		Items:           []cartLineRequest{{MenuItemID: 1, Qty: 2}},
		DeliveryOption:  "dinein",
		PaymentID:       "pay_xyz",
		RazorpayOrderID: "order_abc",
		Signature:       "sig",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp orderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TokenNumber != "123456" {
		t.Fatalf("token = %q, want 123456", resp.TokenNumber)
	}
	if resp.TotalAmount != 60 {
		t.Fatalf("totalAmount = %v, want 60", resp.TotalAmount)
	}
	if resp.ReadyAt != nil {
		t.Fatalf("readyAt = %v, want null", resp.ReadyAt)
	}
}

func TestCreateOrder_PaymentVerificationFailed(t *testing.T) {
	svc := &stubService{orderErr: service.ErrPaymentVerification}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/orders/", createOrderRequest{
		Items:          []cartLineRequest{{MenuItemID: 1, Qty: 1}},
		DeliveryOption: "dinein",
	})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}
}

func TestCreateOrder_DuplicatePayment(t *testing.T) {
	svc := &stubService{orderErr: repository.ErrDuplicatePayment}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/orders/", createOrderRequest{
		Items:          []cartLineRequest{{MenuItemID: 1, Qty: 1}},
		DeliveryOption: "dinein",
	})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestUpdateOrderStatus_IllegalTransition(t *testing.T) {
	svc := &stubService{updateErr: service.ErrIllegalTransition}
	h := newTestHandler(t, svc, admin())

	rec := doRequest(t, h, http.MethodPatch, "/api/orders/1/status", updateStatusRequest{Status: "Delivered"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetAllOrders_ForbiddenForStudent(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodGet, "/api/orders/all", nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestGetAllOrders_SplitForAdmin(t *testing.T) {
	svc := &stubService{
		active: []*model.Order{{ID: 1, Status: model.OrderStatusPending}},
		ready:  []*model.Order{{ID: 2, Status: model.OrderStatusReady}},
	}
	h := newTestHandler(t, svc, admin())

	rec := doRequest(t, h, http.MethodGet, "/api/orders/all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp allOrdersResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Active) != 1 || len(resp.Ready) != 1 {
		t.Fatalf("unexpected split: active=%d ready=%d", len(resp.Active), len(resp.Ready))
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &stubService{orderErr: repository.ErrOrderNotFound}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodGet, "/api/orders/99", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetOrder_ForbiddenForStranger(t *testing.T) {
	svc := &stubService{orderErr: service.ErrForbidden}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodGet, "/api/orders/5", nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestCreatePaymentIntent_ReturnsKey(t *testing.T) {
	svc := &stubService{
		intent: &razorpay.PaymentIntent{ID: "order_abc", Amount: 6000, Currency: "INR"},
	}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/orders/create-razorpay-order", paymentIntentRequest{
		Items:          []cartLineRequest{{MenuItemID: 1, Qty: 2}},
		DeliveryOption: "dinein",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp paymentIntentResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "order_abc" || resp.Amount != 6000 || resp.KeyID != "rzp_test_key" {
		t.Fatalf("unexpected intent response: %+v", resp)
	}
}

func TestCreatePaymentIntent_UpstreamFailure(t *testing.T) {
	svc := &stubService{intentErr: razorpay.ErrUnavailable}
	h := newTestHandler(t, svc, student())

	rec := doRequest(t, h, http.MethodPost, "/api/orders/create-razorpay-order", paymentIntentRequest{
		Items:          []cartLineRequest{{MenuItemID: 1, Qty: 2}},
		DeliveryOption: "dinein",
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestCleanupReadyOrders_AdminOnly(t *testing.T) {
	svc := &stubService{cleaned: 3}

	h := newTestHandler(t, svc, admin())
	rec := doRequest(t, h, http.MethodPost, "/api/orders/cleanup-ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["cleaned"] != 3 {
		t.Fatalf("cleaned = %d, want 3", resp["cleaned"])
	}

	h = newTestHandler(t, svc, student())
	rec = doRequest(t, h, http.MethodPost, "/api/orders/cleanup-ready", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestCreateMenuItem_RequiresAdmin(t *testing.T) {
	svc := &stubService{
		createdItem: &model.MenuItem{ID: 1, Name: "Idli", Category: "Breakfast", Price: 4000, Available: true},
	}

	h := newTestHandler(t, svc, student())
	rec := doRequest(t, h, http.MethodPost, "/api/menu/", menuItemRequest{Name: "Idli", Category: "Breakfast", Price: 40})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	h = newTestHandler(t, svc, admin())
	rec = doRequest(t, h, http.MethodPost, "/api/menu/", menuItemRequest{Name: "Idli", Category: "Breakfast", Price: 40})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}
