package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ibfashionhub/order-service/internal/domain"
)

// orderRepositoryInMemory — однопроцессная реализация OrderRepository.
// Атомарность аллокации обеспечивается мьютексом; межпроцессные гарантии
// даёт только postgres-реализация.
type orderRepositoryInMemory struct {
	mu      sync.RWMutex
	counter int64
	orders  map[string]domain.OrderRecord
	outbox  domain.OutboxRepository
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки
// и тестов. outbox может быть nil — тогда события не записываются.
func NewOrderRepository(outbox domain.OutboxRepository) domain.OrderRepository {
	return &orderRepositoryInMemory{
		orders: make(map[string]domain.OrderRecord),
		outbox: outbox,
	}
}

// CreateWithNumber выделяет следующий номер и сохраняет заказ под мьютексом.
// Счётчик создаётся лениво: первый заказ получает OrderNumberStart.
func (r *orderRepositoryInMemory) CreateWithNumber(input domain.OrderCreationInput) (domain.CreatedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.counter + 1
	if r.counter == 0 {
		next = domain.OrderNumberStart
	}

	now := time.Now().UTC()
	record := domain.OrderRecord{
		OrderNumber:      domain.FormatOrderNumber(next),
		UserID:           input.UserID,
		TotalAmountMinor: input.TotalAmountMinor,
		PaymentStatus:    input.PaymentStatus,
		OrderStatus:      input.OrderStatus,
		Items:            append([]domain.OrderItem(nil), input.Items...),
		ShippingAddress:  input.ShippingAddress,
		BillingAddress:   input.EffectiveBillingAddress(),
		Notes:            input.Notes,
		PaymentMethod:    input.PaymentMethod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	id := uuid.NewString()
	if r.outbox != nil {
		payload, err := json.Marshal(orderCreatedPayload(record))
		if err != nil {
			return domain.CreatedOrder{}, err
		}
		if _, err := r.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   record.OrderNumber,
			EventType:     "order.created",
			Payload:       payload,
		}); err != nil {
			// Ни счётчик, ни заказ при ошибке не изменяются.
			return domain.CreatedOrder{}, err
		}
	}

	r.counter = next
	r.orders[id] = record

	return domain.CreatedOrder{OrderNumber: record.OrderNumber}, nil
}

// GetByNumber возвращает заказ покупателя по клиентскому номеру.
func (r *orderRepositoryInMemory) GetByNumber(userID, orderNumber string) (domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, record := range r.orders {
		if record.UserID == userID && record.OrderNumber == orderNumber {
			return cloneOrderRecord(record), nil
		}
	}
	return domain.OrderRecord{}, domain.ErrOrderNotFound
}

// ListByUser возвращает заказы покупателя, новые первыми.
func (r *orderRepositoryInMemory) ListByUser(userID string, limit int) ([]domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OrderRecord, 0, len(r.orders))
	for _, record := range r.orders {
		if record.UserID != userID {
			continue
		}
		result = append(result, cloneOrderRecord(record))
	}

	sortOrdersDesc(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListAll возвращает все заказы с внутренними идентификаторами (админ).
func (r *orderRepositoryInMemory) ListAll(limit int) ([]domain.AdminOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AdminOrder, 0, len(r.orders))
	for id, record := range r.orders {
		result = append(result, domain.AdminOrder{ID: id, OrderRecord: cloneOrderRecord(record)})
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].OrderNumber > result[j].OrderNumber
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetByID возвращает заказ по внутреннему идентификатору (админ).
func (r *orderRepositoryInMemory) GetByID(id string) (domain.AdminOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.orders[id]
	if !ok {
		return domain.AdminOrder{}, domain.ErrOrderNotFound
	}
	return domain.AdminOrder{ID: id, OrderRecord: cloneOrderRecord(record)}, nil
}

// UpdateStatus перезаписывает статусы заказа. Переходы проверяет сервисный слой.
func (r *orderRepositoryInMemory) UpdateStatus(id string, orderStatus domain.OrderStatus, paymentStatus domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	record.OrderStatus = orderStatus
	record.PaymentStatus = paymentStatus
	record.UpdatedAt = time.Now().UTC()
	r.orders[id] = record
	return nil
}

// UpdatePaymentStatusByNumber переводит статус оплаты по клиентскому номеру.
// Оплата уходит из pending ровно один раз: запоздавшее или повторное событие
// не откатывает уже применённый статус.
func (r *orderRepositoryInMemory) UpdatePaymentStatusByNumber(orderNumber string, status domain.PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, record := range r.orders {
		if record.OrderNumber != orderNumber {
			continue
		}
		if !record.PaymentStatus.CanTransitionTo(status) {
			return fmt.Errorf("%w: payment %s -> %s", domain.ErrStatusTransitionInvalid, record.PaymentStatus, status)
		}
		record.PaymentStatus = status
		record.UpdatedAt = time.Now().UTC()
		r.orders[id] = record
		return nil
	}
	return domain.ErrOrderNotFound
}

func sortOrdersDesc(orders []domain.OrderRecord) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].OrderNumber > orders[j].OrderNumber
	})
}

func cloneOrderRecord(src domain.OrderRecord) domain.OrderRecord {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

// orderCreatedPayload собирает тело события order.created.
func orderCreatedPayload(record domain.OrderRecord) map[string]any {
	return map[string]any{
		"order_number":       record.OrderNumber,
		"user_id":            record.UserID,
		"total_amount_minor": record.TotalAmountMinor,
		"payment_status":     string(record.PaymentStatus),
		"order_status":       string(record.OrderStatus),
		"payment_method":     record.PaymentMethod,
		"created_at":         record.CreatedAt,
	}
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
