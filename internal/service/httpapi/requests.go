package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/ibfashionhub/order-service/internal/domain"
)

// AddressDTO — адрес в теле запроса и в ответах.
type AddressDTO struct {
	Street  string `json:"street" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state" validate:"required"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country" validate:"required"`
}

// OrderItemDTO — позиция заказа: снимок товара на момент оформления.
type OrderItemDTO struct {
	ProductID        string `json:"productId" validate:"required"`
	Name             string `json:"name" validate:"required"`
	PriceAtTimeMinor int64  `json:"priceAtTime" validate:"min=0"`
	Quantity         int32  `json:"quantity" validate:"required,min=1"`
	SelectedSize     string `json:"selectedSize,omitempty"`
	SelectedColor    string `json:"selectedColor,omitempty"`
}

// CreateOrderRequest — тело POST /api/orders.
type CreateOrderRequest struct {
	Items            []OrderItemDTO `json:"items" validate:"required,min=1,dive"`
	TotalAmountMinor int64          `json:"totalAmount" validate:"min=0"`
	PaymentStatus    string         `json:"paymentStatus" validate:"required,oneof=pending paid failed"`
	OrderStatus      string         `json:"orderStatus" validate:"required,oneof=processing completed cancelled"`
	PaymentMethod    string         `json:"paymentMethod" validate:"required"`
	ShippingAddress  AddressDTO     `json:"shippingAddress" validate:"required"`
	BillingAddress   *AddressDTO    `json:"billingAddress,omitempty"`
	Notes            string         `json:"notes,omitempty"`
}

// newRequestValidator возвращает validator с проверкой суммы заказа:
// totalAmount обязан равняться Σ quantity × priceAtTime.
func newRequestValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	return v
}

func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	var sum int64
	for _, item := range req.Items {
		sum += int64(item.Quantity) * item.PriceAtTimeMinor
	}
	if len(req.Items) > 0 && sum != req.TotalAmountMinor {
		sl.ReportError(req.TotalAmountMinor, "totalAmount", "TotalAmountMinor", "amount_match_items", "")
	}
}

// bindAndValidate биндит JSON и гоняет валидацию; при ошибке сам пишет 400.
func bindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
		return false
	}
	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"fields":  validationErrorsToMap(err),
		})
		return false
	}
	return true
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Tag()
		}
		return out
	}
	out["request"] = err.Error()
	return out
}

// toCreationInput переводит DTO в доменный вход аллокатора.
func (r *CreateOrderRequest) toCreationInput(userID string) domain.OrderCreationInput {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID:        item.ProductID,
			Name:             item.Name,
			PriceAtTimeMinor: item.PriceAtTimeMinor,
			Quantity:         item.Quantity,
			SelectedSize:     item.SelectedSize,
			SelectedColor:    item.SelectedColor,
		})
	}

	input := domain.OrderCreationInput{
		UserID:           userID,
		TotalAmountMinor: r.TotalAmountMinor,
		PaymentStatus:    domain.PaymentStatus(r.PaymentStatus),
		OrderStatus:      domain.OrderStatus(r.OrderStatus),
		Items:            items,
		ShippingAddress:  toDomainAddress(r.ShippingAddress),
		PaymentMethod:    r.PaymentMethod,
		Notes:            r.Notes,
	}
	if r.BillingAddress != nil {
		billing := toDomainAddress(*r.BillingAddress)
		input.BillingAddress = &billing
	}
	return input
}

func toDomainAddress(dto AddressDTO) domain.Address {
	return domain.Address{
		Street:  dto.Street,
		City:    dto.City,
		State:   dto.State,
		ZipCode: dto.ZipCode,
		Country: dto.Country,
	}
}

func toAddressDTO(addr domain.Address) AddressDTO {
	return AddressDTO{
		Street:  addr.Street,
		City:    addr.City,
		State:   addr.State,
		ZipCode: addr.ZipCode,
		Country: addr.Country,
	}
}

// OrderResponse — представление заказа для покупателя.
// Внутренний идентификатор хранилища в ответ не попадает.
type OrderResponse struct {
	OrderNumber      string         `json:"orderNumber"`
	TotalAmountMinor int64          `json:"totalAmount"`
	PaymentStatus    string         `json:"paymentStatus"`
	OrderStatus      string         `json:"orderStatus"`
	PaymentMethod    string         `json:"paymentMethod"`
	Items            []OrderItemDTO `json:"items"`
	ShippingAddress  AddressDTO     `json:"shippingAddress"`
	BillingAddress   AddressDTO     `json:"billingAddress"`
	Notes            string         `json:"notes"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// AdminOrderResponse дополняет OrderResponse внутренним идентификатором
// и идентификатором покупателя; используется только в админских ручках.
type AdminOrderResponse struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	OrderResponse
}

func toOrderResponse(record domain.OrderRecord) OrderResponse {
	items := make([]OrderItemDTO, 0, len(record.Items))
	for _, item := range record.Items {
		items = append(items, OrderItemDTO{
			ProductID:        item.ProductID,
			Name:             item.Name,
			PriceAtTimeMinor: item.PriceAtTimeMinor,
			Quantity:         item.Quantity,
			SelectedSize:     item.SelectedSize,
			SelectedColor:    item.SelectedColor,
		})
	}

	return OrderResponse{
		OrderNumber:      record.OrderNumber,
		TotalAmountMinor: record.TotalAmountMinor,
		PaymentStatus:    string(record.PaymentStatus),
		OrderStatus:      string(record.OrderStatus),
		PaymentMethod:    record.PaymentMethod,
		Items:            items,
		ShippingAddress:  toAddressDTO(record.ShippingAddress),
		BillingAddress:   toAddressDTO(record.BillingAddress),
		Notes:            record.Notes,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

func toAdminOrderResponse(order domain.AdminOrder) AdminOrderResponse {
	return AdminOrderResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		OrderResponse: toOrderResponse(order.OrderRecord),
	}
}

// UpdateOrderStatusRequest — тело PATCH /api/admin/orders/:id.
type UpdateOrderStatusRequest struct {
	OrderStatus   string `json:"orderStatus" validate:"required,oneof=processing completed cancelled"`
	PaymentStatus string `json:"paymentStatus" validate:"required,oneof=pending paid failed"`
}
