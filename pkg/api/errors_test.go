package api

import (
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	if IsPermanent(Retryable("gateway down")) {
		t.Fatal("retryable error classified as permanent")
	}
	if !IsPermanent(Permanent("card declined")) {
		t.Fatal("permanent error not recognized")
	}
	if !IsPermanent(fmt.Errorf("charge: %w", Permanent("card declined"))) {
		t.Fatal("wrapped permanent error not recognized")
	}
	if IsPermanent(fmt.Errorf("plain error")) {
		t.Fatal("unclassified error must default to retryable")
	}
}

func TestTimeoutErrorIsRetryable(t *testing.T) {
	err := &TimeoutError{Step: StepProcessPayment, Timeout: 10 * time.Second}
	if !IsTimeout(err) {
		t.Fatal("timeout not recognized")
	}
	if IsPermanent(err) {
		t.Fatal("timeouts must be retryable")
	}
	if err.Error() != "step ProcessPayment timed out after 10s" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCompensationMapping(t *testing.T) {
	if comp, ok := StepProcessPayment.Compensation(); !ok || comp != StepRefundPayment {
		t.Fatalf("expected RefundPayment, got %s %v", comp, ok)
	}
	if comp, ok := StepUpdateInventory.Compensation(); !ok || comp != StepRestoreInventory {
		t.Fatalf("expected RestoreInventory, got %s %v", comp, ok)
	}
	if _, ok := StepValidateInventory.Compensation(); ok {
		t.Fatal("ValidateInventory has nothing to undo")
	}
	if _, ok := StepSendConfirmation.Compensation(); ok {
		t.Fatal("SendConfirmation is never compensated")
	}
	if !StepRefundPayment.IsCompensation() || StepProcessPayment.IsCompensation() {
		t.Fatal("IsCompensation misclassifies steps")
	}
}
