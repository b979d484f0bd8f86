// Package orderflow is a durable-execution kernel for order
// processing. An order submission becomes a workflow instance whose
// progress is an append-only event history; a pure state machine
// replays the history to decide the next step, activities execute with
// timeouts and retries, and a failure after partial progress triggers
// compensating steps (refund, inventory restore) in reverse order.
//
// Because every transition is recorded before it takes effect, a
// crashed process resumes exactly where it left off: on restart the
// history is replayed and the next pending action is dispatched again.
// Activities must be idempotent with respect to their invocation's
// IdempotencyKey, since an attempt whose outcome was never recorded may
// be followed by another attempt.
//
// Typical use:
//
//	rt, err := orderflow.NewSQLite("orders.db")
//	if err != nil { ... }
//	defer rt.Close()
//
//	rt.Kernel.RegisterActivity(orderflow.StepValidateInventory, validate)
//	rt.Kernel.RegisterActivity(orderflow.StepProcessPayment, charge)
//	// ... remaining steps and compensations ...
//
//	go rt.Run(ctx)
//
//	inst, err := rt.Kernel.SubmitOrder(ctx, order)
package orderflow
