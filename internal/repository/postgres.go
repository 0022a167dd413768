// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/canteen-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если учётная запись не найдена.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrMenuItemNotFound возвращается, если позиция меню не найдена.
	ErrMenuItemNotFound = errors.New("menu item not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicatePayment возвращается при попытке создать второй заказ по тому же платежу.
	ErrDuplicatePayment = errors.New("payment already used by an existing order")
	// ErrTokenTaken возвращается при коллизии номерного талона заказа.
	ErrTokenTaken = errors.New("order token already taken")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertUser создаёт учётную запись при первом входе или возвращает существующую.
// Внешний идентификатор уникален и после создания не меняется.
func (r *PostgresRepository) UpsertUser(ctx context.Context, firebaseUID, email, name string) (*model.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (firebase_uid, email, name, role) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (firebase_uid) DO NOTHING`,
		firebaseUID, email, name, string(model.RoleStudent),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	var u model.User
	var role string
	err = tx.QueryRow(ctx,
		`SELECT id, firebase_uid, email, name, role, created_at FROM users WHERE firebase_uid = $1`,
		firebaseUID,
	).Scan(&u.ID, &u.FirebaseUID, &u.Email, &u.Name, &role, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.Role = model.Role(role)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &u, nil
}

// GetUserByUID возвращает учётную запись по внешнему идентификатору.
func (r *PostgresRepository) GetUserByUID(ctx context.Context, firebaseUID string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, firebase_uid, email, name, role, created_at FROM users WHERE firebase_uid = $1`,
		firebaseUID,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.FirebaseUID, &u.Email, &u.Name, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// ListMenuItems возвращает позиции меню. При onlyAvailable=true скрытые позиции
// не возвращаются; category пустая — без фильтра по категории.
func (r *PostgresRepository) ListMenuItems(ctx context.Context, onlyAvailable bool, category string) ([]model.MenuItem, error) {
	query := `SELECT id, name, category, price, image_url, is_available, created_at, updated_at
		 FROM menu_items`
	var conds []string
	var args []any

	if onlyAvailable {
		conds = append(conds, "is_available = TRUE")
	}
	if category != "" {
		args = append(args, category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY category, name"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var m model.MenuItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.Price, &m.ImageURL, &m.Available, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetMenuItemsByIDs возвращает позиции меню по списку идентификаторов.
func (r *PostgresRepository) GetMenuItemsByIDs(ctx context.Context, ids []int64) (map[int64]model.MenuItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, category, price, image_url, is_available, created_at, updated_at
		 FROM menu_items
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	items := make(map[int64]model.MenuItem, len(ids))
	for rows.Next() {
		var m model.MenuItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.Price, &m.ImageURL, &m.Available, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items[m.ID] = m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// CreateMenuItem создаёт новую позицию меню и возвращает её идентификатор.
func (r *PostgresRepository) CreateMenuItem(ctx context.Context, item *model.MenuItem) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO menu_items (name, category, price, image_url, is_available)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		item.Name, item.Category, item.Price, item.ImageURL, item.Available,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert menu item: %w", err)
	}
	return id, nil
}

// UpdateMenuItem обновляет позицию меню. Существующие заказы при этом не меняются.
func (r *PostgresRepository) UpdateMenuItem(ctx context.Context, item *model.MenuItem) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE menu_items
		 SET name = $2, category = $3, price = $4, image_url = $5, is_available = $6, updated_at = now()
		 WHERE id = $1`,
		item.ID, item.Name, item.Category, item.Price, item.ImageURL, item.Available,
	)
	if err != nil {
		return fmt.Errorf("update menu item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMenuItemNotFound
	}
	return nil
}

// SetMenuItemAvailability переключает доступность позиции меню и возвращает новое значение.
func (r *PostgresRepository) SetMenuItemAvailability(ctx context.Context, id int64) (bool, error) {
	var available bool
	err := r.pool.QueryRow(ctx,
		`UPDATE menu_items
		 SET is_available = NOT is_available, updated_at = now()
		 WHERE id = $1
		 RETURNING is_available`,
		id,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMenuItemNotFound
		}
		return false, fmt.Errorf("toggle menu item: %w", err)
	}
	return available, nil
}

// DeleteMenuItem удаляет позицию меню. Снимки позиций в заказах остаются нетронутыми.
func (r *PostgresRepository) DeleteMenuItem(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM menu_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete menu item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMenuItemNotFound
	}
	return nil
}

// CreateOrder сохраняет заказ вместе с позициями в одной транзакции.
// Повторное использование платежа или коллизия талона приводят к нарушению
// уникального ограничения и типизированной ошибке.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, surcharge, total, status, fulfillment, delivery_address,
		                     payment_id, razorpay_order_id, signature, token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		order.UserID, order.Surcharge, order.Total, string(order.Status), string(order.Fulfillment),
		order.DeliveryAddress, order.PaymentID, order.RazorpayOrderID, order.Signature, order.Token,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			switch pgErr.ConstraintName {
			case "orders_payment_id_key":
				return nil, fmt.Errorf("%w: %s", ErrDuplicatePayment, order.PaymentID)
			case "orders_token_key":
				return nil, fmt.Errorf("%w: %s", ErrTokenTaken, order.Token)
			}
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, line := range order.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, menu_item_id, name, price, qty)
			 VALUES ($1, $2, $3, $4, $5)`,
			order.ID, line.MenuItemID, line.Name, line.Price, line.Qty,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

const orderColumns = `id, user_id, surcharge, total, status, fulfillment, delivery_address,
	payment_id, razorpay_order_id, signature, token, ready_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status, fulfillment string
	err := row.Scan(&o.ID, &o.UserID, &o.Surcharge, &o.Total, &status, &fulfillment, &o.DeliveryAddress,
		&o.PaymentID, &o.RazorpayOrderID, &o.Signature, &o.Token, &o.ReadyAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.Fulfillment = model.Fulfillment(fulfillment)
	return &o, nil
}

// GetOrderByID возвращает заказ с позициями по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.attachLines(ctx, []*model.Order{order}); err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]*model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}

	return orders, nil
}

// GetActiveOrders возвращает все незавершённые заказы, старые первыми.
// Доставленные заказы не возвращаются.
func (r *PostgresRepository) GetActiveOrders(ctx context.Context) ([]*model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status IN ($1, $2, $3)
		 ORDER BY created_at, id`,
		string(model.OrderStatusPending),
		string(model.OrderStatusPreparing),
		string(model.OrderStatusReady),
	)
	if err != nil {
		return nil, fmt.Errorf("select active orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}

	return orders, nil
}

func collectOrders(rows pgx.Rows) ([]*model.Order, error) {
	var orders []*model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func (r *PostgresRepository) attachLines(ctx context.Context, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*model.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := r.pool.Query(ctx,
		`SELECT order_id, menu_item_id, name, price, qty
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID int64
		var line model.OrderLine
		if err := rows.Scan(&orderID, &line.MenuItemID, &line.Name, &line.Price, &line.Qty); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Lines = append(o.Lines, line)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// UpdateOrderStatus выполняет условный переход статуса: строка обновляется,
// только если заказ всё ещё находится в статусе from. readyAt, если задан,
// записывается один раз при входе в Ready. Возвращает признак успеха перехода.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, readyAt *time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, ready_at = COALESCE($3, ready_at), updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, string(to), readyAt, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// DeliverStaleReadyOrders переводит в Delivered заказы, находящиеся в Ready
// дольше порога. Условие по статусу и времени входит в сам UPDATE, поэтому
// гонка с ручным переводом не может применить переход дважды.
func (r *PostgresRepository) DeliverStaleReadyOrders(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var delivered []int64

	err := r.withRetry(ctx, func() error {
		delivered = delivered[:0]

		rows, err := r.pool.Query(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = now()
			 WHERE status = $2 AND ready_at IS NOT NULL AND ready_at <= $3
			 RETURNING id`,
			string(model.OrderStatusDelivered), string(model.OrderStatusReady), cutoff,
		)
		if err != nil {
			return fmt.Errorf("deliver stale orders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan order id: %w", err)
			}
			delivered = append(delivered, id)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return delivered, nil
}
