package metrics

import (
	"testing"
	"time"
)

func TestGetReturnsSameRegistryEachCall(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Fatalf("expected Get to return the same process-wide registry instance")
	}
}

func TestObserveMethodsDoNotPanic(t *testing.T) {
	r := Get()
	r.ObserveIntention("Transfer", "accepted", 10*time.Millisecond)
	r.ObserveIntention("", "rejected", time.Millisecond)
	r.ObserveTick("committed", 5, 20*time.Millisecond)
	r.ObserveTick("failed", 0, time.Millisecond)
	r.ObserveWebhook("success")
	r.ObserveWebhook("rate_limited")
}

func TestObserveMethodsToleratesNilRegistry(t *testing.T) {
	var r *Registry
	r.ObserveIntention("Transfer", "accepted", time.Millisecond)
	r.ObserveTick("committed", 1, time.Millisecond)
	r.ObserveWebhook("success")
}
