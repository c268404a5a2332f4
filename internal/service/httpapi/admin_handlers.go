package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ibfashionhub/order-service/internal/domain"
)

// handleAdminListOrders — GET /api/admin/orders: все заказы магазина,
// включая внутренние идентификаторы хранилища.
func (s *Server) handleAdminListOrders(c *gin.Context) {
	orders, err := s.orders.ListAllOrders(0)
	if err != nil {
		s.logger.WithError(err).Error("failed to list all orders")
		c.JSON(http.StatusInternalServerError, errorBody("Error fetching orders"))
		return
	}

	responses := make([]AdminOrderResponse, 0, len(orders))
	for _, order := range orders {
		responses = append(responses, toAdminOrderResponse(order))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": responses})
}

// handleAdminGetOrder — GET /api/admin/orders/:id.
func (s *Server) handleAdminGetOrder(c *gin.Context) {
	id := c.Param("id")
	order, err := s.orders.GetOrderByID(id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, errorBody("Order not found"))
			return
		}
		s.logger.WithError(err).WithField("order_id", id).Error("failed to fetch order")
		c.JSON(http.StatusInternalServerError, errorBody("Error fetching order"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": toAdminOrderResponse(order)})
}

// handleAdminUpdateStatus — PATCH /api/admin/orders/:id. Отмена заказа —
// это перевод orderStatus в cancelled, запись при этом сохраняется.
func (s *Server) handleAdminUpdateStatus(c *gin.Context) {
	var req UpdateOrderStatusRequest
	if !bindAndValidate(c, &req, s.validator) {
		return
	}

	id := c.Param("id")
	order, err := s.orders.UpdateOrderStatus(
		id,
		domain.OrderStatus(req.OrderStatus),
		domain.PaymentStatus(req.PaymentStatus),
	)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, errorBody("Order not found"))
		case errors.Is(err, domain.ErrStatusTransitionInvalid):
			c.JSON(http.StatusConflict, errorBody("Status transition is not allowed"))
		case errors.Is(err, domain.ErrOrderStatusInvalid), errors.Is(err, domain.ErrPaymentStatusInvalid):
			c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		default:
			s.logger.WithError(err).WithField("order_id", id).Error("failed to update order status")
			c.JSON(http.StatusInternalServerError, errorBody("Error updating order"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": toAdminOrderResponse(order)})
}
