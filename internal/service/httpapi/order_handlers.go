package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ibfashionhub/order-service/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
	maxRequestBodyBytes  = 1 << 20
)

// handlerResult — подготовленный JSON-ответ обработчика. Тело сериализуется
// заранее, чтобы его можно было положить в idempotency-кеш как есть.
type handlerResult struct {
	status int
	body   []byte
}

func jsonResult(status int, payload any) handlerResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return handlerResult{
			status: http.StatusInternalServerError,
			body:   []byte(`{"success":false,"error":"Internal server error"}`),
		}
	}
	return handlerResult{status: status, body: body}
}

func (r handlerResult) write(c *gin.Context) {
	c.Data(r.status, "application/json; charset=utf-8", r.body)
}

func (r handlerResult) failed() bool {
	return r.status >= http.StatusBadRequest
}

// handleCreateOrder — POST /api/orders. Запрос с заголовком Idempotency-Key
// обрабатывается не более одного раза: повтор с тем же телом получает
// закешированный ответ, повтор с другим телом отклоняется.
func (s *Server) handleCreateOrder(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("Authentication required"))
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(rawBody))

	result := s.withIdempotency(c, rawBody, func() handlerResult {
		return s.createOrder(c, identity)
	})
	result.write(c)
}

func (s *Server) createOrder(c *gin.Context, identity Identity) handlerResult {
	var req CreateOrderRequest
	if !bindJSON(c, rawRequest(c), &req) {
		return jsonResult(http.StatusBadRequest, errorBody("Invalid request body"))
	}
	if err := s.validator.Struct(&req); err != nil {
		return jsonResult(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"fields":  validationErrorsToMap(err),
		})
	}

	created, err := s.orders.Create(req.toCreationInput(identity.UserID))
	if err != nil {
		if isValidationError(err) {
			return jsonResult(http.StatusBadRequest, errorBody(err.Error()))
		}
		if domain.IsAllocationConflict(err) {
			// Контеншн на счётчике номеров исчерпал повторы; клиент
			// может безопасно повторить запрос.
			s.logger.WithError(err).WithField("user_id", identity.UserID).Warn("order number allocation contention")
			return jsonResult(http.StatusServiceUnavailable, errorBody("Order allocation is busy, please retry"))
		}
		s.logger.WithError(err).WithField("user_id", identity.UserID).Error("order creation failed")
		// Детали внутренней ошибки клиенту не раскрываются.
		return jsonResult(http.StatusInternalServerError, errorBody("Error creating order"))
	}

	return jsonResult(http.StatusOK, gin.H{
		"success":     true,
		"orderNumber": created.OrderNumber,
	})
}

// handleListMyOrders — GET /api/my-orders: заказы вызывающего, новые первыми.
func (s *Server) handleListMyOrders(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("Authentication required"))
		return
	}

	records, err := s.orders.ListMyOrders(identity.UserID, 0)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", identity.UserID).Error("failed to list orders")
		c.JSON(http.StatusInternalServerError, errorBody("Error fetching orders"))
		return
	}

	responses := make([]OrderResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, toOrderResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": responses})
}

// handleGetMyOrder — GET /api/my-orders/:orderNumber.
func (s *Server) handleGetMyOrder(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody("Authentication required"))
		return
	}

	orderNumber := c.Param("orderNumber")
	record, err := s.orders.GetMyOrder(identity.UserID, orderNumber)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, errorBody("Order not found"))
			return
		}
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id":      identity.UserID,
			"order_number": orderNumber,
		}).Error("failed to fetch order")
		c.JSON(http.StatusInternalServerError, errorBody("Error fetching order"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": toOrderResponse(record)})
}

// withIdempotency оборачивает обработчик кешем по Idempotency-Key.
// Без заголовка запрос обрабатывается напрямую.
func (s *Server) withIdempotency(c *gin.Context, rawBody []byte, handler func() handlerResult) handlerResult {
	if s.idempotency == nil {
		return handler()
	}

	key := c.GetHeader(idempotencyKeyHeader)
	if key == "" {
		return handler()
	}

	requestHash := buildRequestHash(c.Request.Method, c.FullPath(), rawBody)

	record, err := s.idempotency.CreateProcessing(key, requestHash, time.Now().UTC().Add(idempotencyTTL))
	if err != nil {
		return s.replayIdempotency(key, err, record)
	}

	result := handler()

	if result.failed() {
		if markErr := s.idempotency.MarkFailed(key, result.body, result.status); markErr != nil {
			s.logger.WithError(markErr).WithField("idempotency_key", key).Warn("failed to cache failure response")
		}
		return result
	}

	if markErr := s.idempotency.MarkDone(key, result.body, result.status); markErr != nil {
		s.logger.WithError(markErr).WithField("idempotency_key", key).Warn("failed to cache success response")
	}
	return result
}

func (s *Server) replayIdempotency(key string, createErr error, record domain.IdempotencyRecord) handlerResult {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return jsonResult(http.StatusConflict, errorBody("Idempotency key is already used with different request payload"))
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if len(record.ResponseBody) == 0 {
				return jsonResult(http.StatusInternalServerError, errorBody("Idempotency cache is empty"))
			}
			return handlerResult{status: record.HTTPStatus, body: record.ResponseBody}
		case domain.IdempotencyStatusProcessing:
			return jsonResult(http.StatusConflict, errorBody("Request with the same idempotency key is already processing"))
		default:
			return jsonResult(http.StatusInternalServerError, errorBody("Unknown idempotency record status"))
		}
	default:
		s.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return jsonResult(http.StatusInternalServerError, errorBody("Failed to initialize idempotency request"))
	}
}

// buildRequestHash считает отпечаток запроса для защиты от переиспользования
// ключа с другим телом.
func buildRequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func rawRequest(c *gin.Context) []byte {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func bindJSON(_ *gin.Context, raw []byte, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// isValidationError определяет, произошла ли ошибка из-за некорректного входа.
func isValidationError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrUserRequired,
		domain.ErrAmountNegative,
		domain.ErrPaymentStatusInvalid,
		domain.ErrOrderStatusInvalid,
		domain.ErrItemsRequired,
		domain.ErrShippingAddressRequired,
		domain.ErrPaymentMethodRequired,
		domain.ErrItemQtyInvalid,
		domain.ErrItemPriceInvalid,
		domain.ErrAmountMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
