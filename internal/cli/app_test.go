package cli

import (
	"testing"
	"time"

	"narrachat/internal/service/ai"
)

func TestLockHoldOutlastsCompletion(t *testing.T) {
	svc := ai.New(nil, 120*time.Second, 3)
	hold := lockHold(svc.MaxCallDuration())
	if hold <= 3*120*time.Second {
		t.Fatalf("lock hold %v would expire during a retried completion", hold)
	}
	if hold != svc.MaxCallDuration()+lockMargin {
		t.Fatalf("lock hold = %v", hold)
	}
}
