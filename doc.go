package fulfillment

// Package fulfillment coordinates multi-step order fulfillment across
// independently-owned services (inventory, payment, delivery, notification)
// without a shared database or two-phase commit.
//
// The core is a saga orchestrator: each saga type has a static step table
// mapping step name to a dispatch command, a compensation action, a timeout,
// and a retry budget. The orchestrator persists every transition in a
// versioned Store, dispatches commands over a partitioned event bus, and
// resumes from the store after a crash. When a step fails, times out, or the
// saga is cancelled, the compensation engine unwinds completed steps in
// reverse order.
//
// Overview
//
//  1. Build a step table with NewDefinition (or use
//     OrderFulfillmentDefinition) and register it in a Registry.
//  2. Pick a Store: NewMemoryStore for tests, NewFileStore or
//     NewPostgresStore for durability.
//  3. Pick a bus: eventbus.NewMemoryBus in-process, eventbus.NewRedisBus for
//     Redis Streams.
//  4. Create the Orchestrator with NewOrchestrator, call Recover once, then
//     drive it with Start / HandleStepResult / Cancel / GetStatus.
//
// The inventory subpackage provides the stock ledger and reservation manager
// the built-in order fulfillment saga drives.
//
// For a complete wiring, see examples/orderdemo.
