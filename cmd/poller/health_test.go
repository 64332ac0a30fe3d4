package main

import (
	"context"
	"testing"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serving    = grpc_health_v1.HealthCheckResponse_SERVING
	notServing = grpc_health_v1.HealthCheckResponse_NOT_SERVING
)

func servingStatus(t *testing.T, hs *health.Server, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthReporter_InitialState(t *testing.T) {
	hs := health.NewServer()
	NewHealthReporter(hs, []string{"a", "b"}, 3, nil)

	for _, svc := range []string{"", ServiceName("a"), ServiceName("b")} {
		if got := servingStatus(t, hs, svc); got != serving {
			t.Errorf("%q = %v, want SERVING", svc, got)
		}
	}
}

func TestHealthReporter_Report(t *testing.T) {
	tests := []struct {
		name     string
		failures []int
		want     grpc_health_v1.HealthCheckResponse_ServingStatus
	}{
		{"below threshold", []int{1, 2}, serving},
		{"at threshold", []int{1, 2, 3}, notServing},
		{"recovered", []int{3, 4, 0}, serving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := health.NewServer()
			h := NewHealthReporter(hs, []string{"cam"}, 3, nil)
			for _, f := range tt.failures {
				h.Report("cam", f)
			}
			if got := servingStatus(t, hs, ServiceName("cam")); got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
			if got := servingStatus(t, hs, ""); got != serving {
				t.Errorf("overall status = %v, want SERVING", got)
			}
		})
	}
}

func TestHealthReporter_Shutdown(t *testing.T) {
	hs := health.NewServer()
	h := NewHealthReporter(hs, []string{"cam"}, 1, nil)
	h.Shutdown()

	if got := servingStatus(t, hs, ""); got != notServing {
		t.Errorf("overall after Shutdown = %v, want NOT_SERVING", got)
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName("i80-ashby"); got != "camera/i80-ashby" {
		t.Errorf("ServiceName() = %q", got)
	}
}
