// Package service реализует бизнес-логику сервиса столовой.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/canteen-system/internal/identity"
	"github.com/mmeshcher/canteen-system/internal/model"
	"github.com/mmeshcher/canteen-system/internal/razorpay"
	"github.com/mmeshcher/canteen-system/internal/repository"
)

// ErrEmptyCart возвращается при попытке оформить заказ без позиций.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidFulfillment возвращается, если способ получения не распознан.
	ErrInvalidFulfillment = errors.New("invalid fulfillment option")
	// ErrInvalidQuantity возвращается, если количество какой-либо позиции меньше единицы.
	ErrInvalidQuantity = errors.New("item quantity must be at least 1")
	// ErrItemUnavailable возвращается, если позиция меню снята с продажи.
	ErrItemUnavailable = errors.New("menu item is unavailable")
	// ErrMissingConfirmation возвращается, если подтверждение платежа неполное.
	ErrMissingConfirmation = errors.New("payment confirmation is incomplete")
	// ErrPaymentVerification возвращается, если подпись или сумма платежа не подтвердились.
	ErrPaymentVerification = errors.New("payment verification failed")
	// ErrIllegalTransition возвращается при недопустимом переходе статуса заказа.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrInvalidStatus возвращается, если запрошенный статус не распознан.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrForbidden возвращается при попытке обратиться к чужому заказу.
	ErrForbidden = errors.New("access to order denied")
	// ErrInvalidMenuItem возвращается при некорректных данных позиции меню.
	ErrInvalidMenuItem = errors.New("invalid menu item")
)

// tokenAttempts ограничивает число повторов генерации талона при коллизиях.
const tokenAttempts = 5

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	UpsertUser(ctx context.Context, firebaseUID, email, name string) (*model.User, error)
	GetUserByUID(ctx context.Context, firebaseUID string) (*model.User, error)
	ListMenuItems(ctx context.Context, onlyAvailable bool, category string) ([]model.MenuItem, error)
	GetMenuItemsByIDs(ctx context.Context, ids []int64) (map[int64]model.MenuItem, error)
	CreateMenuItem(ctx context.Context, item *model.MenuItem) (int64, error)
	UpdateMenuItem(ctx context.Context, item *model.MenuItem) error
	SetMenuItemAvailability(ctx context.Context, id int64) (bool, error)
	DeleteMenuItem(ctx context.Context, id int64) error
	CreateOrder(ctx context.Context, order *model.Order) (*model.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]*model.Order, error)
	GetActiveOrders(ctx context.Context) ([]*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, readyAt *time.Time) (bool, error)
	DeliverStaleReadyOrders(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// PaymentClient описывает контракт платёжного шлюза, используемый сервисом.
type PaymentClient interface {
	CreateOrder(ctx context.Context, amount int64, receipt string) (*razorpay.PaymentIntent, error)
	GetOrder(ctx context.Context, id string) (*razorpay.PaymentIntent, error)
	VerifySignature(orderID, paymentID, signature string) bool
	KeyID() string
}

// CartLine описывает позицию корзины, присланную клиентом.
// Цена позиции клиенту не доверяется и берётся из актуального меню.
type CartLine struct {
	MenuItemID int64
	Qty        int
}

// PaymentConfirmation содержит тройку, возвращённую шлюзом после оплаты.
type PaymentConfirmation struct {
	PaymentID       string
	RazorpayOrderID string
	Signature       string
}

// Service содержит бизнес-логику сервиса столовой.
type Service struct {
	repo            Repository
	payments        PaymentClient
	logger          *zap.Logger
	readyRetention  time.Duration
	cleanupInterval time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и платёжным клиентом.
func NewService(repo Repository, payments PaymentClient, logger *zap.Logger, readyRetention, cleanupInterval time.Duration) *Service {
	return &Service{
		repo:            repo,
		payments:        payments,
		logger:          logger,
		readyRetention:  readyRetention,
		cleanupInterval: cleanupInterval,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// SyncUser создаёт учётную запись при первом входе или возвращает существующую.
// Новые учётные записи получают роль student.
func (s *Service) SyncUser(ctx context.Context, claims *identity.Claims) (*model.User, error) {
	name := claims.Name
	if name == "" {
		if at := strings.Index(claims.Email, "@"); at > 0 {
			name = claims.Email[:at]
		} else {
			name = "User"
		}
	}

	return s.repo.UpsertUser(ctx, claims.UID, claims.Email, name)
}

// ListMenu возвращает позиции меню с опциональным фильтром по категории.
func (s *Service) ListMenu(ctx context.Context, onlyAvailable bool, category string) ([]model.MenuItem, error) {
	return s.repo.ListMenuItems(ctx, onlyAvailable, category)
}

func validateMenuItem(item *model.MenuItem) error {
	if item.Name == "" || item.Category == "" {
		return fmt.Errorf("%w: name and category are required", ErrInvalidMenuItem)
	}
	if item.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidMenuItem)
	}
	return nil
}

// CreateMenuItem создаёт новую позицию меню.
func (s *Service) CreateMenuItem(ctx context.Context, item *model.MenuItem) (*model.MenuItem, error) {
	if err := validateMenuItem(item); err != nil {
		return nil, err
	}

	id, err := s.repo.CreateMenuItem(ctx, item)
	if err != nil {
		return nil, err
	}
	item.ID = id

	return item, nil
}

// UpdateMenuItem обновляет позицию меню. Снимки позиций в уже созданных
// заказах не пересчитываются.
func (s *Service) UpdateMenuItem(ctx context.Context, item *model.MenuItem) error {
	if err := validateMenuItem(item); err != nil {
		return err
	}
	return s.repo.UpdateMenuItem(ctx, item)
}

// ToggleMenuItemAvailability переключает доступность позиции меню.
func (s *Service) ToggleMenuItemAvailability(ctx context.Context, id int64) (bool, error) {
	return s.repo.SetMenuItemAvailability(ctx, id)
}

// DeleteMenuItem удаляет позицию меню.
func (s *Service) DeleteMenuItem(ctx context.Context, id int64) error {
	return s.repo.DeleteMenuItem(ctx, id)
}

// buildLines валидирует корзину и собирает снимок позиций по актуальному меню.
// Возвращает позиции заказа и сумму с учётом наценки за способ получения.
func (s *Service) buildLines(ctx context.Context, cart []CartLine, fulfillment model.Fulfillment) ([]model.OrderLine, int64, error) {
	if len(cart) == 0 {
		return nil, 0, ErrEmptyCart
	}
	if !fulfillment.IsValid() {
		return nil, 0, ErrInvalidFulfillment
	}

	ids := make([]int64, 0, len(cart))
	for _, line := range cart {
		if line.Qty < 1 {
			return nil, 0, fmt.Errorf("%w: item %d", ErrInvalidQuantity, line.MenuItemID)
		}
		ids = append(ids, line.MenuItemID)
	}

	items, err := s.repo.GetMenuItemsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	lines := make([]model.OrderLine, 0, len(cart))
	var total int64
	for _, line := range cart {
		item, ok := items[line.MenuItemID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %d", repository.ErrMenuItemNotFound, line.MenuItemID)
		}
		if !item.Available {
			return nil, 0, fmt.Errorf("%w: %s", ErrItemUnavailable, item.Name)
		}

		lines = append(lines, model.OrderLine{
			MenuItemID: item.ID,
			Name:       item.Name,
			Price:      item.Price,
			Qty:        line.Qty,
		})
		total += item.Price * int64(line.Qty)
	}

	return lines, total + fulfillment.Surcharge(), nil
}

// CreatePaymentIntent пересчитывает сумму корзины по актуальному меню и создаёт
// в шлюзе платёжное намерение на эту сумму.
func (s *Service) CreatePaymentIntent(ctx context.Context, cart []CartLine, fulfillment model.Fulfillment) (*razorpay.PaymentIntent, error) {
	_, total, err := s.buildLines(ctx, cart, fulfillment)
	if err != nil {
		return nil, err
	}

	receipt := "rcpt_" + uuid.NewString()

	intent, err := s.payments.CreateOrder(ctx, total, receipt)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	return intent, nil
}

// PaymentKeyID возвращает публичный идентификатор ключа шлюза для клиентского виджета оплаты.
func (s *Service) PaymentKeyID() string {
	return s.payments.KeyID()
}

// CreateOrder создаёт заказ по подтверждённому платежу. Сумма пересчитывается
// на сервере по актуальному меню, подпись и сумма платёжного намерения
// сверяются со шлюзом; при любом расхождении заказ не создаётся.
func (s *Service) CreateOrder(ctx context.Context, userID int64, cart []CartLine, fulfillment model.Fulfillment, deliveryAddress *string, confirmation PaymentConfirmation) (*model.Order, error) {
	lines, total, err := s.buildLines(ctx, cart, fulfillment)
	if err != nil {
		return nil, err
	}

	if confirmation.PaymentID == "" || confirmation.RazorpayOrderID == "" || confirmation.Signature == "" {
		return nil, ErrMissingConfirmation
	}

	if !s.payments.VerifySignature(confirmation.RazorpayOrderID, confirmation.PaymentID, confirmation.Signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrPaymentVerification)
	}

	intent, err := s.payments.GetOrder(ctx, confirmation.RazorpayOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment intent: %w", err)
	}
	if intent.Amount != total {
		return nil, fmt.Errorf("%w: intent amount %d does not match expected total %d", ErrPaymentVerification, intent.Amount, total)
	}

	order := &model.Order{
		UserID:          userID,
		Lines:           lines,
		Surcharge:       fulfillment.Surcharge(),
		Total:           total,
		Status:          model.OrderStatusPending,
		Fulfillment:     fulfillment,
		DeliveryAddress: deliveryAddress,
		PaymentID:       confirmation.PaymentID,
		RazorpayOrderID: confirmation.RazorpayOrderID,
		Signature:       confirmation.Signature,
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		order.Token = generateToken(attempt)

		created, err := s.repo.CreateOrder(ctx, order)
		if err != nil {
			if errors.Is(err, repository.ErrTokenTaken) {
				continue
			}
			return nil, err
		}
		return created, nil
	}

	return nil, fmt.Errorf("assign order token: %w", repository.ErrTokenTaken)
}

// generateToken выдаёт шестизначный талон заказа. Первая попытка берёт
// младшие разряды текущего времени, повторные — случайное число.
// Глобальную уникальность гарантирует ограничение в БД.
func generateToken(attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("%06d", time.Now().UnixMilli()%1000000)
	}
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}

// GetOrder возвращает заказ по идентификатору. Не-администратор может
// получить только собственный заказ.
func (s *Service) GetOrder(ctx context.Context, caller *model.User, orderID int64) (*model.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.UserID != caller.ID && !caller.IsAdmin() {
		return nil, ErrForbidden
	}

	return order, nil
}

// ListUserOrders возвращает заказы пользователя, новые первыми.
func (s *Service) ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// ListActiveOrders возвращает незавершённые заказы, разделённые на очереди:
// active — Pending и Preparing, ready — Ready. Доставленные не возвращаются.
func (s *Service) ListActiveOrders(ctx context.Context) (active, ready []*model.Order, err error) {
	orders, err := s.repo.GetActiveOrders(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, o := range orders {
		if o.Status == model.OrderStatusReady {
			ready = append(ready, o)
		} else {
			active = append(active, o)
		}
	}

	return active, ready, nil
}

// UpdateOrderStatus переводит заказ в запрошенный статус, если переход допустим.
// Переход выполняется условным обновлением по текущему статусу, поэтому гонка
// с другим переходом не может отбросить статус назад.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, target model.OrderStatus) (*model.Order, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, target)
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !model.CanTransition(order.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, order.Status, target)
	}

	var readyAt *time.Time
	if target == model.OrderStatusReady {
		now := time.Now()
		readyAt = &now
	}

	updated, err := s.repo.UpdateOrderStatus(ctx, orderID, order.Status, target, readyAt)
	if err != nil {
		return nil, err
	}
	if !updated {
		// Статус изменился между чтением и обновлением.
		current, err := s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, target)
	}

	order.Status = target
	if readyAt != nil {
		order.ReadyAt = readyAt
	}

	return order, nil
}

// CleanupReadyOrders переводит в Delivered заказы, находящиеся в Ready дольше
// настроенного порога. Возвращает количество завершённых заказов.
func (s *Service) CleanupReadyOrders(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.readyRetention)

	delivered, err := s.repo.DeliverStaleReadyOrders(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if len(delivered) > 0 {
		s.logger.Info("stale ready orders delivered",
			zap.Int("count", len(delivered)),
			zap.Int64s("order_ids", delivered),
		)
	}

	return len(delivered), nil
}

// StartCleanupSweep запускает фоновую периодическую уборку залежавшихся
// заказов. Останавливается при отмене контекста. Ошибка одной итерации
// логируется и не прерывает следующие.
func (s *Service) StartCleanupSweep(ctx context.Context) {
	if s.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupReadyOrders(ctx); err != nil {
					s.logger.Error("cleanup sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
