package models

// orderTransitions is the only definition of which order status moves
// are legal. Delivered, cancelled and refunded are terminal.
var orderTransitions = map[string][]string{
	OrderStatusPaymentPending: {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusProcessing, OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
	OrderStatusRefunded:       {},
}

// CanTransition reports whether an order may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalOrderStatus reports whether no further transitions exist.
func IsTerminalOrderStatus(status string) bool {
	return len(orderTransitions[status]) == 0
}

// ValidOrderStatus reports whether the status string names a known state.
func ValidOrderStatus(status string) bool {
	_, ok := orderTransitions[status]
	return ok
}
