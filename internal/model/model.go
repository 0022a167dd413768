// Package model содержит доменные сущности сервиса студенческой столовой.
package model

import "time"

// Role описывает роль учётной записи в системе.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// User представляет учётную запись, привязанную к внешнему идентификатору.
type User struct {
	ID          int64
	FirebaseUID string
	Email       string
	Name        string
	Role        Role
	CreatedAt   time.Time
}

// IsAdmin сообщает, обладает ли пользователь правами администратора.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// MenuItem описывает позицию меню столовой. Цена хранится в пайсах.
type MenuItem struct {
	ID        int64
	Name      string
	Category  string
	Price     int64
	ImageURL  string
	Available bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderStatus описывает стадию обработки заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusPreparing OrderStatus = "Preparing"
	OrderStatusReady     OrderStatus = "Ready"
	OrderStatusDelivered OrderStatus = "Delivered"
)

// IsValid проверяет, что статус принадлежит известному множеству значений.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady, OrderStatusDelivered:
		return true
	}
	return false
}

// statusTransitions задаёт допустимые переходы статусов.
// Статус движется только вперёд, Delivered — терминальный.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPreparing, OrderStatusReady},
	OrderStatusPreparing: {OrderStatusReady},
	OrderStatusReady:     {OrderStatusDelivered},
	OrderStatusDelivered: {},
}

// CanTransition сообщает, разрешён ли переход из статуса from в статус to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Fulfillment описывает выбранный клиентом способ получения заказа.
type Fulfillment string

const (
	FulfillmentDelivery Fulfillment = "delivery"
	FulfillmentTakeaway Fulfillment = "takeaway"
	FulfillmentDineIn   Fulfillment = "dinein"
)

// IsValid проверяет, что способ получения принадлежит известному множеству значений.
func (f Fulfillment) IsValid() bool {
	switch f {
	case FulfillmentDelivery, FulfillmentTakeaway, FulfillmentDineIn:
		return true
	}
	return false
}

// Surcharge возвращает фиксированную наценку за способ получения в пайсах.
func (f Fulfillment) Surcharge() int64 {
	switch f {
	case FulfillmentDelivery:
		return 2000
	case FulfillmentTakeaway:
		return 1000
	default:
		return 0
	}
}

// OrderLine описывает позицию заказа. Название и цена копируются из меню
// в момент создания заказа и больше не меняются.
type OrderLine struct {
	MenuItemID int64
	Name       string
	Price      int64
	Qty        int
}

// Order описывает заказ пользователя. После создания изменяются
// только Status, ReadyAt и UpdatedAt.
type Order struct {
	ID              int64
	UserID          int64
	Lines           []OrderLine
	Surcharge       int64
	Total           int64
	Status          OrderStatus
	Fulfillment     Fulfillment
	DeliveryAddress *string
	PaymentID       string
	RazorpayOrderID string
	Signature       string
	Token           string
	ReadyAt         *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
