package sched

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func statusFor(t *testing.T, h *Health, name string) JobStatus {
	t.Helper()
	for _, st := range h.Snapshot() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no status for job %s", name)
	return JobStatus{}
}

func TestRunOnceRecordsOutcomes(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	ok := Job{Name: "ok", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		return nil
	}}
	bad := Job{Name: "bad", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		return errors.New("boom")
	}}

	s.runOnce(ctx, ok)
	s.runOnce(ctx, bad)

	st := statusFor(t, s.Health(), "ok")
	if st.Runs != 1 || st.LastRun == nil || st.LastSuccess == nil || st.LastError != "" {
		t.Fatalf("ok status = %+v", st)
	}
	st = statusFor(t, s.Health(), "bad")
	if st.Runs != 1 || st.LastSuccess != nil || st.LastError != "boom" {
		t.Fatalf("bad status = %+v", st)
	}

	// a later success clears the recorded error
	s.runOnce(ctx, Job{Name: "bad", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		return nil
	}})
	st = statusFor(t, s.Health(), "bad")
	if st.Runs != 2 || st.LastError != "" || st.LastSuccess == nil {
		t.Fatalf("recovered status = %+v", st)
	}
}

func TestRunOnceRecoversPanic(t *testing.T) {
	s := New(nil)

	s.runOnce(context.Background(), Job{Name: "panicky", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		panic("job blew up")
	}})

	st := statusFor(t, s.Health(), "panicky")
	if !strings.Contains(st.LastError, "panic: job blew up") {
		t.Fatalf("last error = %q", st.LastError)
	}
	if st.LastSuccess != nil {
		t.Fatal("panicking run recorded as success")
	}
}

func TestRunOnceHonoursCancelledContext(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	s.runOnce(ctx, Job{Name: "late", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})
	if ran {
		t.Fatal("job ran after the context ended")
	}
	if len(s.Health().Snapshot()) != 0 {
		t.Fatal("cancelled run was recorded")
	}
}

func TestRegisterDefaultsTimeout(t *testing.T) {
	s := New(nil)
	s.Register(Job{Name: "j", Every: time.Hour})
	if s.jobs[0].Timeout != 5*time.Minute {
		t.Fatalf("timeout = %v", s.jobs[0].Timeout)
	}
}

func TestRegisterStandardJobSet(t *testing.T) {
	s := New(nil)
	Register(s, Deps{}, Config{EscalationsEnabled: true})
	names := make(map[string]bool)
	for _, j := range s.jobs {
		names[j.Name] = true
	}
	for _, want := range []string{
		"auto_expire", "expiry_reminder", "overdue_steps",
		"closeout_reminder", "webhook_retry", "daily_summary", "notification_cleanup",
	} {
		if !names[want] {
			t.Fatalf("job %s not registered", want)
		}
	}

	// escalation job is opt-in
	s = New(nil)
	Register(s, Deps{}, Config{})
	for _, j := range s.jobs {
		if j.Name == "overdue_steps" {
			t.Fatal("overdue_steps registered without escalations enabled")
		}
	}
}
