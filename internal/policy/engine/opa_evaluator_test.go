package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	testCases := []struct {
		name     string
		deviceID string
		allow    bool
		reason   string
	}{
		{"uuid", "3f2b8c4e-9a1d-4c7e-8f00-1b2c3d4e5f60", true, ""},
		{"dotted", "laptop.home:1", true, ""},
		{"underscore", "work_phone", true, ""},
		{"single char", "x", true, ""},
		{"max length", strings.Repeat("a", 128), true, ""},
		{"empty", "", false, "device_id is empty"},
		{"too long", strings.Repeat("a", 129), false, "device_id longer than 128 characters"},
		{"space", "my laptop", false, "device_id contains invalid characters"},
		{"slash", "a/b", false, "device_id contains invalid characters"},
		{"unicode", "télé", false, "device_id contains invalid characters"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Evaluate(ctx, "auth0|alice", tc.deviceID)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Allow != tc.allow || d.Reason != tc.reason {
				t.Errorf("Evaluate(%q) = %+v, want allow=%v reason=%q", tc.deviceID, d, tc.allow, tc.reason)
			}
			if b := builtinDecision(tc.deviceID); b != d {
				t.Errorf("builtinDecision(%q) = %+v, disagrees with policy %+v", tc.deviceID, b, d)
			}
		})
	}
}

const blockIdentityPolicy = `package sessions.device

default allow := false

allow if {
	input.identity != "auth0|blocked"
	count(input.device_id) > 0
}

reason := "identity blocked" if input.identity == "auth0|blocked"

default reason := ""

decision := {"allow": allow, "reason": reason}
`

func TestOPAEvaluator_CustomPolicyFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.rego")
	if err := os.WriteFile(path, []byte(blockIdentityPolicy), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := LoadOPAEvaluator(ctx, path, nil)
	if err != nil {
		t.Fatalf("LoadOPAEvaluator: %v", err)
	}
	d, err := e.Evaluate(ctx, "auth0|blocked", "laptop")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow || d.Reason != "identity blocked" {
		t.Errorf("blocked identity: got %+v", d)
	}
	d, err = e.Evaluate(ctx, "auth0|alice", "any thing goes")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allow {
		t.Errorf("custom policy should allow alice: %+v", d)
	}
}

func TestOPAEvaluator_MalformedDecisionFallsBack(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "package sessions.device\n\ndecision := \"yes\"\n", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	d, err := e.Evaluate(ctx, "auth0|alice", "bad id!")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow || d.Reason != "device_id contains invalid characters" {
		t.Errorf("fallback decision = %+v", d)
	}
	if err := e.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail for a policy with a malformed decision")
	}
}

func TestNewOPAEvaluator_CompileError(t *testing.T) {
	if _, err := NewOPAEvaluator(context.Background(), "package sessions.device\n\nallow if {", nil); err == nil {
		t.Fatal("NewOPAEvaluator with invalid Rego should fail")
	}
}

func TestLoadOPAEvaluator_MissingFile(t *testing.T) {
	if _, err := LoadOPAEvaluator(context.Background(), "/nonexistent/policy.rego", nil); err == nil {
		t.Fatal("LoadOPAEvaluator with missing file should fail")
	}
}
