package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ibfashionhub/order-service/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	// createAttempts ограничивает число повторов аллокации номера
	// при конкурентном конфликте.
	createAttempts = 3
)

var orderNumberConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shop_order_number_conflicts_total",
	Help: "Total number of order number allocation conflicts that were retried.",
})

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// CreateWithNumber резервирует следующий номер из счётчика и сохраняет
// заказ в одной транзакции. Конфликт аллокации повторяется со свежим
// чтением счётчика; после createAttempts попыток возвращается
// domain.ErrOrderNumberConflict.
func (r *orderRepository) CreateWithNumber(input domain.OrderCreationInput) (domain.CreatedOrder, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		created, err := r.tryCreate(input)
		if err == nil {
			return created, nil
		}
		if !isAllocationRetryable(err) {
			return domain.CreatedOrder{}, err
		}
		orderNumberConflicts.Inc()
		lastErr = err
	}

	return domain.CreatedOrder{}, fmt.Errorf("%w: %v", domain.ErrOrderNumberConflict, lastErr)
}

func (r *orderRepository) tryCreate(input domain.OrderCreationInput) (created domain.CreatedOrder, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	next, err := allocateNumberTx(ctx, tx)
	if err != nil {
		return domain.CreatedOrder{}, err
	}
	orderNumber := domain.FormatOrderNumber(next)

	now := time.Now().UTC()
	orderID := uuid.NewString()

	shippingJSON, err := json.Marshal(input.ShippingAddress)
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("marshal shipping address: %w", err)
	}
	billingJSON, err := json.Marshal(input.EffectiveBillingAddress())
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("marshal billing address: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, total_amount_minor,
			payment_status, order_status,
			shipping_address, billing_address,
			notes, payment_method, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		orderID, orderNumber, input.UserID, input.TotalAmountMinor,
		string(input.PaymentStatus), string(input.OrderStatus),
		shippingJSON, billingJSON,
		input.Notes, input.PaymentMethod, now, now,
	)
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("insert order: %w", err)
	}

	for i, item := range input.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, name,
				price_at_time_minor, quantity,
				selected_size, selected_color, position
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			uuid.NewString(), orderID, item.ProductID, item.Name,
			item.PriceAtTimeMinor, item.Quantity,
			item.SelectedSize, item.SelectedColor, i,
		); err != nil {
			return domain.CreatedOrder{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"order_number":       orderNumber,
		"user_id":            input.UserID,
		"total_amount_minor": input.TotalAmountMinor,
		"payment_status":     string(input.PaymentStatus),
		"order_status":       string(input.OrderStatus),
		"payment_method":     input.PaymentMethod,
		"created_at":         now,
	})
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("marshal order.created payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type,
			payload, status, attempt_count, created_at, updated_at
		) VALUES ($1,'order',$2,'order.created',$3,'pending',0,$4,$4)
	`, uuid.NewString(), orderNumber, payload, now)
	if err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("insert outbox message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.CreatedOrder{}, fmt.Errorf("commit create order: %w", err)
	}

	return domain.CreatedOrder{OrderNumber: orderNumber}, nil
}

// allocateNumberTx читает счётчик под блокировкой строки и возвращает
// следующее значение. Пустой счётчик означает первый заказ.
func allocateNumberTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `
		SELECT value FROM order_counter WHERE id = 1 FOR UPDATE
	`).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		next := int64(domain.OrderNumberStart)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_counter (id, value) VALUES (1, $1)
		`, next); err != nil {
			return 0, fmt.Errorf("init order counter: %w", err)
		}
		return next, nil
	case err != nil:
		return 0, fmt.Errorf("select order counter: %w", err)
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE order_counter SET value = $1 WHERE id = 1
	`, next); err != nil {
		return 0, fmt.Errorf("advance order counter: %w", err)
	}

	return next, nil
}

func (r *orderRepository) GetByNumber(userID, orderNumber string) (domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		record       domain.OrderRecord
		orderID      string
		shippingJSON []byte
		billingJSON  []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, total_amount_minor,
		       payment_status, order_status,
		       shipping_address, billing_address,
		       notes, payment_method, created_at, updated_at
		FROM orders
		WHERE user_id = $1 AND order_number = $2
	`, userID, orderNumber).Scan(
		&orderID, &record.OrderNumber, &record.UserID, &record.TotalAmountMinor,
		&record.PaymentStatus, &record.OrderStatus,
		&shippingJSON, &billingJSON,
		&record.Notes, &record.PaymentMethod, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrOrderNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("select order: %w", err)
	}

	if err := unmarshalAddresses(&record, shippingJSON, billingJSON); err != nil {
		return domain.OrderRecord{}, err
	}

	items, err := r.loadItems(ctx, orderID)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	record.Items = items

	return record, nil
}

func (r *orderRepository) ListByUser(userID string, limit int) ([]domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, order_number, user_id, total_amount_minor,
		       payment_status, order_status,
		       shipping_address, billing_address,
		       notes, payment_method, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, order_number DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	records := make([]domain.OrderRecord, 0)
	for rows.Next() {
		record, _, err := r.scanOrder(ctx, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return records, nil
}

func (r *orderRepository) ListAll(limit int) ([]domain.AdminOrder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT id, order_number, user_id, total_amount_minor,
		       payment_status, order_status,
		       shipping_address, billing_address,
		       notes, payment_method, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC, order_number DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $1", limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list all orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.AdminOrder, 0)
	for rows.Next() {
		record, orderID, err := r.scanOrder(ctx, rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, domain.AdminOrder{ID: orderID, OrderRecord: record})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) GetByID(id string) (domain.AdminOrder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		record       domain.OrderRecord
		orderID      string
		shippingJSON []byte
		billingJSON  []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, total_amount_minor,
		       payment_status, order_status,
		       shipping_address, billing_address,
		       notes, payment_method, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(
		&orderID, &record.OrderNumber, &record.UserID, &record.TotalAmountMinor,
		&record.PaymentStatus, &record.OrderStatus,
		&shippingJSON, &billingJSON,
		&record.Notes, &record.PaymentMethod, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AdminOrder{}, domain.ErrOrderNotFound
		}
		return domain.AdminOrder{}, fmt.Errorf("select order by id: %w", err)
	}

	if err := unmarshalAddresses(&record, shippingJSON, billingJSON); err != nil {
		return domain.AdminOrder{}, err
	}

	items, err := r.loadItems(ctx, orderID)
	if err != nil {
		return domain.AdminOrder{}, err
	}
	record.Items = items

	return domain.AdminOrder{ID: orderID, OrderRecord: record}, nil
}

func (r *orderRepository) UpdateStatus(id string, orderStatus domain.OrderStatus, paymentStatus domain.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET order_status = $1,
		    payment_status = $2,
		    updated_at = $3
		WHERE id = $4
	`, string(orderStatus), string(paymentStatus), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}

	return nil
}

func (r *orderRepository) UpdatePaymentStatusByNumber(orderNumber string, status domain.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Оплата уходит из pending ровно один раз; paid и failed — терминальные.
	// Правило зашито в WHERE, чтобы запоздавшее событие не откатило оплату
	// даже при гонке двух консюмеров.
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1,
		    updated_at = $2
		WHERE order_number = $3
		  AND (payment_status = $1 OR payment_status = $4)
	`, string(status), time.Now().UTC(), orderNumber, string(domain.PaymentStatusPending))
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var current string
		switch err := r.db.QueryRowContext(ctx, `
			SELECT payment_status FROM orders WHERE order_number = $1
		`, orderNumber).Scan(&current); {
		case errors.Is(err, sql.ErrNoRows):
			return domain.ErrOrderNotFound
		case err != nil:
			return fmt.Errorf("select payment status: %w", err)
		}
		return fmt.Errorf("%w: payment %s -> %s", domain.ErrStatusTransitionInvalid, current, status)
	}

	return nil
}

func (r *orderRepository) scanOrder(ctx context.Context, rows *sql.Rows) (domain.OrderRecord, string, error) {
	var (
		record       domain.OrderRecord
		orderID      string
		shippingJSON []byte
		billingJSON  []byte
	)

	if err := rows.Scan(
		&orderID, &record.OrderNumber, &record.UserID, &record.TotalAmountMinor,
		&record.PaymentStatus, &record.OrderStatus,
		&shippingJSON, &billingJSON,
		&record.Notes, &record.PaymentMethod, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return domain.OrderRecord{}, "", fmt.Errorf("scan order row: %w", err)
	}

	if err := unmarshalAddresses(&record, shippingJSON, billingJSON); err != nil {
		return domain.OrderRecord{}, "", err
	}

	items, err := r.loadItems(ctx, orderID)
	if err != nil {
		return domain.OrderRecord{}, "", err
	}
	record.Items = items

	return record, orderID, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, name, price_at_time_minor, quantity, selected_size, selected_color
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ProductID, &item.Name, &item.PriceAtTimeMinor,
			&item.Quantity, &item.SelectedSize, &item.SelectedColor,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func unmarshalAddresses(record *domain.OrderRecord, shippingJSON, billingJSON []byte) error {
	if err := json.Unmarshal(shippingJSON, &record.ShippingAddress); err != nil {
		return fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billingJSON, &record.BillingAddress); err != nil {
		return fmt.Errorf("unmarshal billing address: %w", err)
	}
	return nil
}

// isAllocationRetryable распознаёт конфликты, после которых имеет смысл
// повторить аллокацию: нарушение уникальности номера и сбои сериализации.
func isAllocationRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return true
		}
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
