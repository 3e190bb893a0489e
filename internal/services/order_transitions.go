package services

import (
	"fmt"
	"strings"

	domain "github.com/tiendaflow/api/internal/domain"
)

// orderTransitions lists the statuses each status may move to. Staying in place is always allowed.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to domain.OrderStatus) bool {
	if from == to {
		return true
	}
	for _, candidate := range orderTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the statuses reachable from status.
func AllowedTransitions(status domain.OrderStatus) []domain.OrderStatus {
	return append([]domain.OrderStatus(nil), orderTransitions[status]...)
}

// BackwardPolicy decides what reconciliation does with a transition the table does not allow.
type BackwardPolicy string

const (
	// BackwardPolicyAllow applies the gateway state anyway and logs a warning.
	BackwardPolicyAllow BackwardPolicy = "allow"
	// BackwardPolicySuppress skips the update and leaves the order untouched.
	BackwardPolicySuppress BackwardPolicy = "suppress"
)

// ParseBackwardPolicy accepts "allow" or "suppress"; empty means allow.
func ParseBackwardPolicy(value string) (BackwardPolicy, error) {
	switch policy := BackwardPolicy(strings.ToLower(strings.TrimSpace(value))); policy {
	case "":
		return BackwardPolicyAllow, nil
	case BackwardPolicyAllow, BackwardPolicySuppress:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown backward policy %q", value)
	}
}

// isPaymentRetry reports a failed payment superseded by an approved one.
// Suppression never applies to it: a buyer retrying after a decline must end up confirmed.
func isPaymentRetry(from, to domain.PaymentStatus) bool {
	return from == domain.PaymentStatusFailed && to == domain.PaymentStatusCompleted
}
