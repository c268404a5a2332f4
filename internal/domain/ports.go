package domain

import "time"

// OrderRepository описывает требования к хранилищу заказов.
//
// CreateWithNumber — аллокатор номеров: за одну атомарную операцию
// резервирует следующий номер из счётчика и сохраняет запись заказа.
// Либо происходят оба эффекта, либо ни одного; конкурентные вызовы
// никогда не получают одинаковый номер.
type OrderRepository interface {
	// CreateWithNumber атомарно выделяет номер и сохраняет заказ.
	// Возвращает только клиентский номер; внутренний идентификатор
	// документа наружу не отдаётся.
	CreateWithNumber(input OrderCreationInput) (CreatedOrder, error)
	// GetByNumber возвращает заказ покупателя по клиентскому номеру
	// или ErrOrderNotFound.
	GetByNumber(userID, orderNumber string) (OrderRecord, error)
	// ListByUser возвращает заказы покупателя, новые первыми.
	ListByUser(userID string, limit int) ([]OrderRecord, error)
	// ListAll возвращает все заказы с внутренними идентификаторами (админ).
	ListAll(limit int) ([]AdminOrder, error)
	// GetByID возвращает заказ по внутреннему идентификатору (админ).
	GetByID(id string) (AdminOrder, error)
	// UpdateStatus применяет переход статусов; запись заказа не удаляется,
	// отмена — это статус. Допустимость перехода проверяет вызывающий слой.
	UpdateStatus(id string, orderStatus OrderStatus, paymentStatus PaymentStatus) error
	// UpdatePaymentStatusByNumber переводит статус оплаты заказа по его
	// клиентскому номеру (используется обработчиком платёжных событий).
	UpdatePaymentStatusByNumber(orderNumber string, status PaymentStatus) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по Idempotency-Key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
