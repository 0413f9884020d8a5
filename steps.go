package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// StepContext is what dispatch and compensation functions see: the saga's
// identity, its accumulated context, and a publisher already bound to the
// right partition and idempotency keys.
type StepContext struct {
	SagaID        string
	CorrelationID string
	StepName      string
	Attempt       int
	Context       *Context

	publish func(ctx context.Context, topic string, payload any) error
}

// Publish sends a command on topic. The envelope carries the saga's
// correlation id as partition key and `sagaID:stepName` (plus an `:undo`
// suffix during compensation) as idempotency key, so retries of the same step
// are recognized as duplicates by the receiving collaborator.
func (sc *StepContext) Publish(ctx context.Context, topic string, payload any) error {
	return sc.publish(ctx, topic, payload)
}

// DispatchFunc issues the step's command. It must not block on the result;
// the outcome arrives later as a step-result event.
type DispatchFunc func(ctx context.Context, sc *StepContext) error

// CompensateFunc semantically reverses a completed step. It must be
// idempotent: it can run again after a crash or redelivery.
type CompensateFunc func(ctx context.Context, sc *StepContext) error

// StepDefinition is one row of a saga type's static step table.
type StepDefinition struct {
	// Name identifies the step; it is also the context key its result event
	// payload is stored under.
	Name string

	// Next names the step dispatched after this one succeeds. Empty means
	// the saga completes here.
	Next string

	// Timeout bounds how long the orchestrator waits for the step's result
	// before treating it as failed.
	Timeout time.Duration

	// MaxAttempts is the dispatch retry budget: a timeout within the budget
	// re-sends the command instead of failing the saga.
	MaxAttempts int

	// BestEffort marks steps whose failure must not trigger compensation;
	// the saga records the failure and moves on.
	BestEffort bool

	Dispatch   DispatchFunc
	Compensate CompensateFunc
}

// Definition is the validated step table for one saga type.
type Definition struct {
	Type  string
	First string

	steps map[string]*StepDefinition
}

// NewDefinition validates the step table: unique names, resolvable Next
// references, no cycles, and exactly one entry step. The chain is checked
// with a topological sort over the step graph.
func NewDefinition(sagaType string, steps []StepDefinition) (*Definition, error) {
	if sagaType == "" {
		return nil, fmt.Errorf("definition: empty saga type")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("definition %s: no steps", sagaType)
	}

	byName := make(map[string]*StepDefinition, len(steps))
	ids := make(map[string]int64, len(steps))
	g := simple.NewDirectedGraph()
	for i := range steps {
		s := steps[i]
		if s.Name == "" {
			return nil, fmt.Errorf("definition %s: step %d has no name", sagaType, i)
		}
		if s.Dispatch == nil {
			return nil, fmt.Errorf("definition %s: step %s has no dispatch function", sagaType, s.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("definition %s: duplicate step %s", sagaType, s.Name)
		}
		byName[s.Name] = &s
		ids[s.Name] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}

	referenced := make(map[string]bool)
	for name, s := range byName {
		if s.Next == "" {
			continue
		}
		next, ok := byName[s.Next]
		if !ok {
			return nil, fmt.Errorf("definition %s: step %s references unknown next step %s",
				sagaType, name, s.Next)
		}
		referenced[next.Name] = true
		g.SetEdge(g.NewEdge(simple.Node(ids[name]), simple.Node(ids[s.Next])))
	}

	if _, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	}); err != nil {
		return nil, fmt.Errorf("definition %s: step graph has a cycle: %w", sagaType, err)
	}

	var first string
	for name := range byName {
		if !referenced[name] {
			if first != "" {
				return nil, fmt.Errorf("definition %s: multiple entry steps (%s, %s)",
					sagaType, first, name)
			}
			first = name
		}
	}
	if first == "" {
		return nil, fmt.Errorf("definition %s: no entry step", sagaType)
	}

	return &Definition{Type: sagaType, First: first, steps: byName}, nil
}

// Step returns the definition for name, or nil.
func (d *Definition) Step(name string) *StepDefinition {
	return d.steps[name]
}

// Registry holds the step tables by saga type.
type Registry struct {
	definitions *xsync.MapOf[string, *Definition]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{definitions: xsync.NewMapOf[string, *Definition]()}
}

// Register adds a definition. Registering a saga type twice is an error.
func (r *Registry) Register(def *Definition) error {
	if _, loaded := r.definitions.LoadOrStore(def.Type, def); loaded {
		return fmt.Errorf("definition for saga type %q already registered", def.Type)
	}
	return nil
}

// Get retrieves the definition for sagaType.
func (r *Registry) Get(sagaType string) (*Definition, error) {
	def, ok := r.definitions.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("no definition registered for saga type %q", sagaType)
	}
	return def, nil
}

func marshalRaw(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal shipping details: %w", err)
	}
	return data, nil
}

// SagaTypeOrderFulfillment is the built-in order fulfillment saga.
const SagaTypeOrderFulfillment = "ORDER_FULFILLMENT"

// Step names of the order fulfillment saga.
const (
	StepReserveInventory = "reserve-inventory"
	StepProcessPayment   = "process-payment"
	StepScheduleDelivery = "schedule-delivery"
	StepSendNotification = "send-notification"
)

// KeyOrder is the context key the order details are seeded under at Start.
const KeyOrder = "order"

// OrderDetails is the initial context of an order fulfillment saga.
type OrderDetails struct {
	OrderID            string      `json:"order_id"`
	Lines              []OrderLine `json:"lines"`
	Amount             float64     `json:"amount"`
	PaymentMethodToken string      `json:"payment_method_token,omitempty"`
	ShippingDetails    string      `json:"shipping_details,omitempty"`
}

// OrderFulfillmentOptions tunes the built-in step table.
type OrderFulfillmentOptions struct {
	StepTimeout time.Duration
	MaxAttempts int
}

// OrderFulfillmentDefinition builds the static step table for
// ORDER_FULFILLMENT: reserve inventory, process payment, schedule delivery,
// then a best-effort confirmation notification. Compensations mirror the
// forward commands.
func OrderFulfillmentDefinition(opts OrderFulfillmentOptions) (*Definition, error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	order := func(sc *StepContext) (OrderDetails, error) {
		var od OrderDetails
		ok, err := sc.Context.Get(KeyOrder, &od)
		if err != nil {
			return od, err
		}
		if !ok {
			return od, fmt.Errorf("saga %s: context has no %q entry", sc.SagaID, KeyOrder)
		}
		return od, nil
	}

	return NewDefinition(SagaTypeOrderFulfillment, []StepDefinition{
		{
			Name:        StepReserveInventory,
			Next:        StepProcessPayment,
			Timeout:     opts.StepTimeout,
			MaxAttempts: opts.MaxAttempts,
			Dispatch: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				return sc.Publish(ctx, TopicReserveInventory, ReserveInventoryCommand{
					OrderID:        od.OrderID,
					LineItems:      od.Lines,
					TimeoutSeconds: int64(opts.StepTimeout / time.Second),
				})
			},
			Compensate: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				var reserved InventoryReservedEvent
				if ok, err := sc.Context.Get(StepReserveInventory, &reserved); err != nil || !ok {
					return fmt.Errorf("saga %s: no reservation recorded to release: %w", sc.SagaID, err)
				}
				return sc.Publish(ctx, TopicReleaseInventory, ReleaseInventoryCommand{
					OrderID:       od.OrderID,
					ReservationID: reserved.ReservationID,
					Reason:        "saga compensation",
				})
			},
		},
		{
			Name:        StepProcessPayment,
			Next:        StepScheduleDelivery,
			Timeout:     opts.StepTimeout,
			MaxAttempts: opts.MaxAttempts,
			Dispatch: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				return sc.Publish(ctx, TopicProcessPayment, ProcessPaymentCommand{
					OrderID:            od.OrderID,
					Amount:             od.Amount,
					PaymentMethodToken: od.PaymentMethodToken,
				})
			},
			Compensate: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				var charged PaymentProcessedEvent
				if ok, err := sc.Context.Get(StepProcessPayment, &charged); err != nil || !ok {
					return fmt.Errorf("saga %s: no payment recorded to refund: %w", sc.SagaID, err)
				}
				return sc.Publish(ctx, TopicRefundPayment, RefundPaymentCommand{
					OrderID:       od.OrderID,
					TransactionID: charged.TransactionID,
					Reason:        "saga compensation",
				})
			},
		},
		{
			Name:        StepScheduleDelivery,
			Next:        StepSendNotification,
			Timeout:     opts.StepTimeout,
			MaxAttempts: opts.MaxAttempts,
			Dispatch: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				details, err := marshalRaw(od.ShippingDetails)
				if err != nil {
					return err
				}
				return sc.Publish(ctx, TopicScheduleDelivery, ScheduleDeliveryCommand{
					OrderID:         od.OrderID,
					ShippingDetails: details,
				})
			},
			Compensate: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				var scheduled DeliveryScheduledEvent
				if ok, err := sc.Context.Get(StepScheduleDelivery, &scheduled); err != nil || !ok {
					return fmt.Errorf("saga %s: no delivery recorded to cancel: %w", sc.SagaID, err)
				}
				return sc.Publish(ctx, TopicCancelDelivery, CancelDeliveryCommand{
					OrderID:     od.OrderID,
					TrackingRef: scheduled.TrackingRef,
					Reason:      "saga compensation",
				})
			},
		},
		{
			Name:        StepSendNotification,
			Timeout:     opts.StepTimeout,
			MaxAttempts: 1,
			BestEffort:  true,
			Dispatch: func(ctx context.Context, sc *StepContext) error {
				od, err := order(sc)
				if err != nil {
					return err
				}
				return sc.Publish(ctx, TopicSendNotification, SendNotificationCommand{
					OrderID:      od.OrderID,
					TemplateName: "order-confirmed",
				})
			},
		},
	})
}
