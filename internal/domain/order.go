package domain

import "time"

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	// PaymentStatusPending — оплата ещё не подтверждена (карта в обработке или COD).
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid — оплата подтверждена платёжным провайдером.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed — оплата отклонена или не прошла.
	PaymentStatusFailed PaymentStatus = "failed"
)

// Valid проверяет, что значение относится к поддерживаемым статусам оплаты.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// OrderStatus описывает состояние исполнения заказа.
type OrderStatus string

const (
	// OrderStatusProcessing — заказ принят и готовится к отправке.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted — заказ доставлен покупателю.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён; запись при этом не удаляется.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid проверяет, что значение относится к поддерживаемым статусам заказа.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода статуса исполнения.
// completed и cancelled — терминальные состояния.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	return s == OrderStatusProcessing && (next == OrderStatusCompleted || next == OrderStatusCancelled)
}

// CanTransitionTo проверяет допустимость перехода статуса оплаты.
// Из pending можно уйти в paid или failed; обратных переходов нет.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return true
	}
	return s == PaymentStatusPending && (next == PaymentStatusPaid || next == PaymentStatusFailed)
}

// Address — почтовый адрес покупателя.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country"`
}

// IsZero сообщает, что адрес не заполнен.
func (a Address) IsZero() bool {
	return a == Address{}
}

// OrderItem — позиция заказа, снимок товара на момент оформления.
// Последующие изменения каталога не должны менять уже размещённый заказ.
type OrderItem struct {
	ProductID string
	Name      string
	// PriceAtTimeMinor — цена за единицу в минимальных денежных единицах (центы).
	PriceAtTimeMinor int64
	Quantity         int32
	SelectedSize     string
	SelectedColor    string
}

// OrderRecord — бизнес-запись покупки. Идентификатор документа хранилища
// сюда не входит: покупателю виден только OrderNumber вида "ORD-<n>".
type OrderRecord struct {
	OrderNumber      string
	UserID           string
	TotalAmountMinor int64
	PaymentStatus    PaymentStatus
	OrderStatus      OrderStatus
	Items            []OrderItem
	ShippingAddress  Address
	BillingAddress   Address
	Notes            string
	PaymentMethod    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AdminOrder — заказ вместе с внутренним идентификатором хранилища.
// Используется только в админских операциях.
type AdminOrder struct {
	ID string
	OrderRecord
}

// OrderCreationInput — входные данные для создания заказа с номером.
type OrderCreationInput struct {
	UserID           string
	TotalAmountMinor int64
	PaymentStatus    PaymentStatus
	OrderStatus      OrderStatus
	Items            []OrderItem
	ShippingAddress  Address
	// BillingAddress опционален; при отсутствии используется ShippingAddress.
	BillingAddress *Address
	Notes          string
	PaymentMethod  string
}

// ValidateInvariants проверяет базовые инварианты входа и возвращает список замечаний.
// Вызывающая сторона обязана отклонить запрос до обращения к аллокатору номеров.
func (in *OrderCreationInput) ValidateInvariants() []error {
	var errs []error

	if in.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if in.TotalAmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !in.PaymentStatus.Valid() {
		errs = append(errs, ErrPaymentStatusInvalid)
	}
	if !in.OrderStatus.Valid() {
		errs = append(errs, ErrOrderStatusInvalid)
	}
	if len(in.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if in.ShippingAddress.IsZero() {
		errs = append(errs, ErrShippingAddressRequired)
	}
	if in.PaymentMethod == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}

	// Сверяем сумму заказа с суммой позиций: quantity * priceAtTime.
	var calc int64
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceAtTimeMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Quantity) * item.PriceAtTimeMinor
	}
	if len(in.Items) > 0 && calc != in.TotalAmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// EffectiveBillingAddress возвращает платёжный адрес с учётом дефолта.
func (in *OrderCreationInput) EffectiveBillingAddress() Address {
	if in.BillingAddress != nil && !in.BillingAddress.IsZero() {
		return *in.BillingAddress
	}
	return in.ShippingAddress
}

// CreatedOrder — результат успешной аллокации: только номер заказа.
// Внутренний идентификатор документа наружу не отдаётся.
type CreatedOrder struct {
	OrderNumber string
}
