package provider

import (
	"context"
	"errors"
	"testing"
)

type mockHealthProvider struct {
	err error
}

func (m *mockHealthProvider) Send(_ context.Context, _ *Message) (*SendResult, error) {
	return nil, nil
}

func (m *mockHealthProvider) Name() string { return "mock" }

func (m *mockHealthProvider) Ping(_ context.Context) error { return m.err }

func TestHealthChecker_Threshold(t *testing.T) {
	p := &mockHealthProvider{err: errors.New("unreachable")}
	hc := NewHealthChecker(p)
	ctx := context.Background()

	for i := 1; i < unhealthyThreshold; i++ {
		hc.Check(ctx)
		if !hc.Status().Healthy {
			t.Fatalf("unhealthy after %d failures, threshold is %d", i, unhealthyThreshold)
		}
	}
	hc.Check(ctx)
	s := hc.Status()
	if s.Healthy || s.ConsecutiveFailures != unhealthyThreshold || s.LastError != "unreachable" {
		t.Errorf("status = %+v", s)
	}
	if err := hc.Ping(ctx); err == nil {
		t.Error("Ping() = nil while unhealthy")
	}

	p.err = nil
	hc.Check(ctx)
	if s := hc.Status(); !s.Healthy || s.ConsecutiveFailures != 0 || s.LastError != "" {
		t.Errorf("status after recovery = %+v", s)
	}
	if err := hc.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestHealthChecker_RunStopsWithContext(t *testing.T) {
	hc := NewHealthChecker(&mockHealthProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if hc.Status().LastCheck.IsZero() {
		t.Error("Run() should check once before waiting")
	}
}
