package fulfillment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Topic names for the commands the orchestrator dispatches and the result
// events it consumes. Collaborators subscribe to the command topics and reply
// on the event topics, partitioned by order id.
const (
	TopicReserveInventory = "inventory.reserve"
	TopicReleaseInventory = "inventory.release"
	TopicProcessPayment   = "payment.process"
	TopicRefundPayment    = "payment.refund"
	TopicScheduleDelivery = "delivery.schedule"
	TopicCancelDelivery   = "delivery.cancel"
	TopicSendNotification = "notification.send"
	TopicStepResult       = "saga.step.result"
	TopicSagaCompleted    = "saga.completed"
)

// OrderLine is one ordered quantity of a product from a warehouse.
type OrderLine struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity"`
}

// ReserveInventoryCommand asks the inventory collaborator to hold stock.
type ReserveInventoryCommand struct {
	OrderID        string      `json:"order_id"`
	LineItems      []OrderLine `json:"line_items"`
	TimeoutSeconds int64       `json:"timeout_seconds"`
}

// ReleaseInventoryCommand is the compensation mirror of reservation.
type ReleaseInventoryCommand struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

// InventoryReservedEvent confirms a successful reservation.
type InventoryReservedEvent struct {
	OrderID       string      `json:"order_id"`
	ReservationID string      `json:"reservation_id"`
	LineItems     []OrderLine `json:"line_items"`
}

// InventoryReservationFailedEvent reports an unsatisfiable reservation.
type InventoryReservationFailedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ProcessPaymentCommand asks the payment collaborator to charge the order.
type ProcessPaymentCommand struct {
	OrderID            string  `json:"order_id"`
	Amount             float64 `json:"amount"`
	PaymentMethodToken string  `json:"payment_method_token"`
}

// RefundPaymentCommand is the compensation mirror of payment.
type RefundPaymentCommand struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// PaymentProcessedEvent confirms a successful charge.
type PaymentProcessedEvent struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// PaymentFailedEvent reports a declined or failed charge.
type PaymentFailedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ScheduleDeliveryCommand asks the delivery collaborator to book shipment.
type ScheduleDeliveryCommand struct {
	OrderID         string          `json:"order_id"`
	ShippingDetails json.RawMessage `json:"shipping_details,omitempty"`
}

// CancelDeliveryCommand is the compensation mirror of delivery scheduling.
type CancelDeliveryCommand struct {
	OrderID     string `json:"order_id"`
	TrackingRef string `json:"tracking_ref"`
	Reason      string `json:"reason"`
}

// DeliveryScheduledEvent confirms a booked shipment.
type DeliveryScheduledEvent struct {
	OrderID     string `json:"order_id"`
	TrackingRef string `json:"tracking_ref"`
}

// DeliverySchedulingFailedEvent reports a failed booking.
type DeliverySchedulingFailedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// SendNotificationCommand asks for a best-effort customer notification.
// Failure never triggers compensation.
type SendNotificationCommand struct {
	OrderID      string          `json:"order_id"`
	TemplateName string          `json:"template_name"`
	Context      json.RawMessage `json:"context,omitempty"`
}

// NotificationSentEvent confirms a sent notification.
type NotificationSentEvent struct {
	OrderID string `json:"order_id"`
}

// StepResultEvent is how collaborators report step outcomes back to the
// orchestrator, partitioned by the saga's correlation id.
type StepResultEvent struct {
	SagaID   string          `json:"saga_id"`
	StepName string          `json:"step_name"`
	Outcome  Outcome         `json:"outcome"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SplitIdempotencyKey decomposes a command envelope's idempotency key into
// the saga id and step name it was dispatched for. Collaborators use it both
// to deduplicate redeliveries and to address their StepResultEvent reply.
func SplitIdempotencyKey(key string) (sagaID, stepName string, undo bool, err error) {
	parts := strings.Split(key, ":")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], false, nil
	case 3:
		if parts[2] != "undo" {
			return "", "", false, fmt.Errorf("malformed idempotency key %q", key)
		}
		return parts[0], parts[1], true, nil
	default:
		return "", "", false, fmt.Errorf("malformed idempotency key %q", key)
	}
}

// SagaCompletedEvent announces a terminal saga state to external observers.
type SagaCompletedEvent struct {
	SagaID        string     `json:"saga_id"`
	Type          string     `json:"type"`
	CorrelationID string     `json:"correlation_id"`
	Status        SagaStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
}
