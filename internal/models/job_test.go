package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
	if !StatusFailed.Terminal() || StatusPending.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
	if Status("cancelled").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)

	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending", Job{Status: StatusPending}, true},
		{"pending backoff elapsed", Job{Status: StatusPending, NotBefore: &past}, true},
		{"pending backoff exact", Job{Status: StatusPending, NotBefore: &now}, true},
		{"pending in backoff", Job{Status: StatusPending, NotBefore: &future}, false},
		{"processing leased", Job{Status: StatusProcessing, LeaseExpiresAt: &future}, false},
		{"processing lease expired", Job{Status: StatusProcessing, LeaseExpiresAt: &past}, true},
		{"processing without lease", Job{Status: StatusProcessing}, false},
		{"completed", Job{Status: StatusCompleted}, false},
		{"failed", Job{Status: StatusFailed}, false},
	}
	for _, c := range cases {
		if got := c.job.Eligible(now); got != c.want {
			t.Fatalf("%s: Eligible = %v, want %v", c.name, got, c.want)
		}
	}
}
