package api

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"

	// StatusTerminatedByCompensation marks an instance whose forward
	// progress failed permanently and whose completed steps were undone
	// by their compensating steps.
	StatusTerminatedByCompensation Status = "TERMINATED_BY_COMPENSATION"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminatedByCompensation:
		return true
	}
	return false
}

// Step identifies a single activity of the order-processing workflow.
type Step string

const (
	StepValidateInventory Step = "ValidateInventory"
	StepProcessPayment    Step = "ProcessPayment"
	StepUpdateInventory   Step = "UpdateInventory"
	StepSendConfirmation  Step = "SendConfirmation"

	// Compensating steps, invoked in reverse completion order when a
	// later step fails permanently.
	StepRefundPayment    Step = "RefundPayment"
	StepRestoreInventory Step = "RestoreInventory"
)

// ForwardSteps is the canonical execution order of the workflow.
var ForwardSteps = []Step{
	StepValidateInventory,
	StepProcessPayment,
	StepUpdateInventory,
	StepSendConfirmation,
}

// Compensation returns the compensating step for s, if one is defined.
// ValidateInventory has no external effect to undo and SendConfirmation
// is never compensated.
func (s Step) Compensation() (Step, bool) {
	switch s {
	case StepProcessPayment:
		return StepRefundPayment, true
	case StepUpdateInventory:
		return StepRestoreInventory, true
	}
	return "", false
}

// IsCompensation reports whether s is a compensating step.
func (s Step) IsCompensation() bool {
	return s == StepRefundPayment || s == StepRestoreInventory
}

// OrderItem is a single line of an order.
type OrderItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// PaymentInfo carries the details needed to charge a payment.
// Token stands in for whatever opaque reference the payment gateway
// hands out; the kernel never inspects it.
type PaymentInfo struct {
	Method string `json:"method"`
	Token  string `json:"token"`
}

// Order is the input of a workflow instance.
type Order struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"total_amount"`
	Payment     PaymentInfo `json:"payment"`
}

// WorkflowInstance is the mutable bookkeeping record of one order
// submission. Everything that matters for correctness lives in the
// event history; the instance row only caches status and progress for
// cheap listing and leasing.
type WorkflowInstance struct {
	ID      string
	OrderID string
	Status  Status

	// CurrentStep is the step the instance is working on, or the last
	// step acted upon once the instance is terminal.
	CurrentStep Step

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	Status  Status
	OrderID string
}

// StatusReport is the observability view over one instance: the cached
// status plus the full durable history.
type StatusReport struct {
	InstanceID  string
	OrderID     string
	Status      Status
	CurrentStep Step
	History     []Event
}

// Kernel is the durable-execution engine API.
//
// SubmitOrder, GetStatus and Cancel form the external surface.
// DispatchInstance, FireTimer and RecoverPending are the worker-facing
// operations; applications normally drive them through pkg/worker
// rather than calling them directly.
type Kernel interface {
	// RegisterActivity binds the implementation of a step. Every step
	// that can be scheduled (including compensations) must be
	// registered before workers run.
	RegisterActivity(step Step, fn ActivityFunc) error

	// SubmitOrder creates a workflow instance for the order, appends
	// its started event and enqueues it for dispatch.
	SubmitOrder(ctx context.Context, order Order) (*WorkflowInstance, error)

	// GetStatus returns the instance status together with its full
	// event history.
	GetStatus(ctx context.Context, instanceID string) (*StatusReport, error)

	// Cancel requests cancellation. The next dispatch observes the
	// request and routes the instance into compensation instead of
	// continuing the step sequence.
	Cancel(ctx context.Context, instanceID, reason string) error

	// DispatchInstance runs one dispatch activation: lease, replay,
	// decide, act. It returns nil without doing work when another
	// worker holds the lease.
	DispatchInstance(ctx context.Context, instanceID string) error

	// FireTimer durably records that a retry timer elapsed for the
	// given step attempt. Callers dispatch the instance afterwards.
	FireTimer(ctx context.Context, instanceID string, step Step, attempt int) error

	// RecoverPending re-enqueues every non-terminal instance for
	// dispatch. It is intended to be called on process startup before
	// workers start, so that instances abandoned by a crashed process
	// resume from their last durably recorded event.
	RecoverPending(ctx context.Context) (int, error)
}
