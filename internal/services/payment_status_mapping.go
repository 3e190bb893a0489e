package services

import (
	"strings"

	domain "github.com/tiendaflow/api/internal/domain"
)

// PaymentStatusMapping maps one gateway payment status to the local order pair.
type PaymentStatusMapping struct {
	GatewayStatus string
	OrderStatus   domain.OrderStatus
	PaymentStatus domain.PaymentStatus
}

// PaymentStatusTable is the fixed gateway-to-order mapping. Unlisted statuses map to UnrecognizedPaymentStatus.
var PaymentStatusTable = []PaymentStatusMapping{
	{GatewayStatus: "approved", OrderStatus: domain.OrderStatusConfirmed, PaymentStatus: domain.PaymentStatusCompleted},
	{GatewayStatus: "pending", OrderStatus: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending},
	{GatewayStatus: "in_process", OrderStatus: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending},
	{GatewayStatus: "rejected", OrderStatus: domain.OrderStatusCancelled, PaymentStatus: domain.PaymentStatusFailed},
	{GatewayStatus: "cancelled", OrderStatus: domain.OrderStatusCancelled, PaymentStatus: domain.PaymentStatusFailed},
	{GatewayStatus: "refunded", OrderStatus: domain.OrderStatusCancelled, PaymentStatus: domain.PaymentStatusRefunded},
	{GatewayStatus: "charged_back", OrderStatus: domain.OrderStatusCancelled, PaymentStatus: domain.PaymentStatusRefunded},
}

// UnrecognizedPaymentStatus is the pair used for gateway statuses missing from the table.
var UnrecognizedPaymentStatus = PaymentStatusMapping{
	GatewayStatus: "*",
	OrderStatus:   domain.OrderStatusPending,
	PaymentStatus: domain.PaymentStatusPending,
}

var paymentStatusIndex = func() map[string]PaymentStatusMapping {
	index := make(map[string]PaymentStatusMapping, len(PaymentStatusTable))
	for _, row := range PaymentStatusTable {
		index[row.GatewayStatus] = row
	}
	return index
}()

// MapGatewayStatus returns the order pair for a gateway status and whether the status was recognised.
func MapGatewayStatus(gatewayStatus string) (PaymentStatusMapping, bool) {
	key := strings.ToLower(strings.TrimSpace(gatewayStatus))
	if row, ok := paymentStatusIndex[key]; ok {
		return row, true
	}
	row := UnrecognizedPaymentStatus
	row.GatewayStatus = key
	return row, false
}
