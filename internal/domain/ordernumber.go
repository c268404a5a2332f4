package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// OrderNumberPrefix — префикс клиентского номера заказа.
	OrderNumberPrefix = "ORD-"
	// OrderNumberStart — минимальное числовое значение номера (первый заказ — ORD-10001).
	// Значение выбрано читаемым и не похожим на индекс массива.
	OrderNumberStart = 10001
)

// FormatOrderNumber собирает клиентский номер из числового значения счётчика.
func FormatOrderNumber(value int64) string {
	return OrderNumberPrefix + strconv.FormatInt(value, 10)
}

// ParseOrderNumber извлекает числовое значение из номера вида "ORD-10042".
func ParseOrderNumber(orderNumber string) (int64, error) {
	raw, ok := strings.CutPrefix(orderNumber, OrderNumberPrefix)
	if !ok {
		return 0, fmt.Errorf("order number %q has no %q prefix", orderNumber, OrderNumberPrefix)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse order number %q: %w", orderNumber, err)
	}
	if value < OrderNumberStart {
		return 0, fmt.Errorf("order number %q is below the configured start", orderNumber)
	}
	return value, nil
}
