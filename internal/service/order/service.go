package order

import (
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ibfashionhub/order-service/internal/domain"
	"github.com/ibfashionhub/order-service/internal/messaging/kafka"
	"github.com/ibfashionhub/order-service/internal/metrics"
)

const defaultListLimit = 100

// Service реализует операции с заказами поверх доменного репозитория.
// Создание заказа делегирует аллокатору номеров: номер и запись заказа
// появляются атомарно, и наружу уходит только клиентский номер.
type Service struct {
	repo    domain.OrderRepository
	outbox  domain.OutboxRepository
	metrics *metrics.OrderMetrics
	logger  *log.Entry
}

// NewService конструирует сервис с зависимостями.
func NewService(repo domain.OrderRepository, outbox domain.OutboxRepository, m *metrics.OrderMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &Service{
		repo:    repo,
		outbox:  outbox,
		metrics: m,
		logger:  logger,
	}
}

// Create проверяет инварианты входа и создаёт заказ с новым номером.
func (s *Service) Create(input domain.OrderCreationInput) (domain.CreatedOrder, error) {
	if violations := input.ValidateInvariants(); len(violations) > 0 {
		return domain.CreatedOrder{}, errors.Join(violations...)
	}

	start := time.Now()
	created, err := s.repo.CreateWithNumber(input)
	if s.metrics != nil {
		s.metrics.RecordCreateDuration(time.Since(start))
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordOrderFailed()
		}
		s.logger.WithError(err).WithField("user_id", input.UserID).Error("order creation failed")
		return domain.CreatedOrder{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.logger.WithFields(log.Fields{
		"order_number": created.OrderNumber,
		"user_id":      input.UserID,
	}).Info("order created")

	return created, nil
}

// GetMyOrder возвращает заказ покупателя по клиентскому номеру.
func (s *Service) GetMyOrder(userID, orderNumber string) (domain.OrderRecord, error) {
	return s.repo.GetByNumber(userID, orderNumber)
}

// ListMyOrders возвращает заказы покупателя, новые первыми.
func (s *Service) ListMyOrders(userID string, limit int) ([]domain.OrderRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListByUser(userID, limit)
}

// ListAllOrders возвращает все заказы для админки.
func (s *Service) ListAllOrders(limit int) ([]domain.AdminOrder, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListAll(limit)
}

// GetOrderByID возвращает заказ по внутреннему идентификатору (админ).
func (s *Service) GetOrderByID(id string) (domain.AdminOrder, error) {
	return s.repo.GetByID(id)
}

// UpdateOrderStatus применяет переход статусов заказа. Отмена — тоже
// переход статуса: запись заказа никогда не удаляется.
func (s *Service) UpdateOrderStatus(id string, orderStatus domain.OrderStatus, paymentStatus domain.PaymentStatus) (domain.AdminOrder, error) {
	if !orderStatus.Valid() {
		return domain.AdminOrder{}, domain.ErrOrderStatusInvalid
	}
	if !paymentStatus.Valid() {
		return domain.AdminOrder{}, domain.ErrPaymentStatusInvalid
	}

	current, err := s.repo.GetByID(id)
	if err != nil {
		return domain.AdminOrder{}, err
	}

	if !current.OrderStatus.CanTransitionTo(orderStatus) {
		return domain.AdminOrder{}, domain.ErrStatusTransitionInvalid
	}
	if !current.PaymentStatus.CanTransitionTo(paymentStatus) {
		return domain.AdminOrder{}, domain.ErrStatusTransitionInvalid
	}

	if err := s.repo.UpdateStatus(id, orderStatus, paymentStatus); err != nil {
		return domain.AdminOrder{}, err
	}

	if s.metrics != nil && orderStatus != current.OrderStatus {
		s.metrics.RecordStatusTransition(string(orderStatus))
	}
	s.enqueueStatusChanged(current.OrderNumber, current.UserID, orderStatus, paymentStatus)

	updated, err := s.repo.GetByID(id)
	if err != nil {
		return domain.AdminOrder{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_number":   updated.OrderNumber,
		"order_status":   string(orderStatus),
		"payment_status": string(paymentStatus),
	}).Info("order status updated")

	return updated, nil
}

// ApplyPaymentStatus переводит статус оплаты заказа по событию провайдера.
// Заказ уже существует к этому моменту: создание не ждёт подтверждения оплаты.
// Репозиторий отклоняет переходы из терминальных paid/failed, поэтому
// запоздавшее событие возвращает ErrStatusTransitionInvalid, а не откат.
func (s *Service) ApplyPaymentStatus(orderNumber string, status domain.PaymentStatus) error {
	if !status.Valid() {
		return domain.ErrPaymentStatusInvalid
	}

	if err := s.repo.UpdatePaymentStatusByNumber(orderNumber, status); err != nil {
		result := "error"
		if errors.Is(err, domain.ErrStatusTransitionInvalid) {
			result = "rejected"
		}
		if s.metrics != nil {
			s.metrics.RecordPaymentEvent(result)
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(string(status))
	}
	s.logger.WithFields(log.Fields{
		"order_number":   orderNumber,
		"payment_status": string(status),
	}).Info("payment status applied")

	return nil
}

func (s *Service) enqueueStatusChanged(orderNumber, userID string, orderStatus domain.OrderStatus, paymentStatus domain.PaymentStatus) {
	if s.outbox == nil {
		return
	}

	event := kafka.NewOrderEvent(kafka.EventTypeOrderStatusChanged, orderNumber, userID, string(orderStatus), string(paymentStatus), nil)
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Error("marshal status change event failed")
		return
	}

	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderNumber,
		EventType:     string(kafka.EventTypeOrderStatusChanged),
		Payload:       payload,
	}); err != nil {
		// Событие не критично для самого перехода; фиксируем и продолжаем.
		s.logger.WithError(err).WithField("order_number", orderNumber).Error("enqueue status change event failed")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}
