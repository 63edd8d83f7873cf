package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"unicode/utf8"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	devicePolicyQuery = "data.sessions.device.decision"
	maxDeviceIDLen    = 128
)

// Default Rego policy: a device_id is 1-128 characters of letters, digits, '_', '.', ':' or '-'.
const defaultRegoPolicy = `package sessions.device

default allow := false

valid_chars := ` + "`^[A-Za-z0-9_.:-]+$`" + `

allow if {
	count(input.device_id) >= 1
	count(input.device_id) <= 128
	regex.match(valid_chars, input.device_id)
}

deny_reason := "device_id is empty" if count(input.device_id) == 0

deny_reason := "device_id longer than 128 characters" if count(input.device_id) > 128

deny_reason := "device_id contains invalid characters" if {
	count(input.device_id) >= 1
	count(input.device_id) <= 128
	not regex.match(valid_chars, input.device_id)
}

default reason := ""

reason := deny_reason

decision := {"allow": allow, "reason": reason}
`

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Decision is the outcome of evaluating the device policy.
type Decision struct {
	Allow  bool
	Reason string
}

// DeviceEvaluator decides whether a device_id may open a session for an identity.
type DeviceEvaluator interface {
	Evaluate(ctx context.Context, identity, deviceID string) (Decision, error)
}

// OPAEvaluator evaluates the device policy with OPA Rego. The module is compiled once at construction.
type OPAEvaluator struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewOPAEvaluator compiles module (the built-in policy when empty). The module must define
// data.sessions.device.decision as {"allow": bool, "reason": string}.
func NewOPAEvaluator(ctx context.Context, module string, logger *slog.Logger) (*OPAEvaluator, error) {
	if module == "" {
		module = defaultRegoPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiler, err := ast.CompileModules(map[string]string{"device_policy.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile device policy: %w", err)
	}
	query, err := rego.New(
		rego.Query(devicePolicyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare device policy: %w", err)
	}
	return &OPAEvaluator{query: query, logger: logger}, nil
}

// LoadOPAEvaluator reads a Rego module from path; an empty path selects the built-in policy.
func LoadOPAEvaluator(ctx context.Context, path string, logger *slog.Logger) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "", logger)
	}
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(module), logger)
}

// Evaluate runs the policy for identity and deviceID. If the policy cannot be evaluated or returns
// a malformed decision, the built-in checks decide and the failure is logged.
func (e *OPAEvaluator) Evaluate(ctx context.Context, identity, deviceID string) (Decision, error) {
	input := map[string]interface{}{
		"identity":  identity,
		"device_id": deviceID,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		e.logger.Warn("policy.evaluate", "error", err, "fallback", "builtin")
		return builtinDecision(deviceID), nil
	}
	d, err := decisionFromResult(rs)
	if err != nil {
		e.logger.Warn("policy.evaluate", "error", err, "fallback", "builtin")
		return builtinDecision(deviceID), nil
	}
	return d, nil
}

// HealthCheck evaluates the compiled policy against a known-good device_id.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"identity":  "healthcheck",
		"device_id": "healthcheck-device",
	}))
	if err != nil {
		return fmt.Errorf("eval device policy: %w", err)
	}
	_, err = decisionFromResult(rs)
	return err
}

func decisionFromResult(rs rego.ResultSet) (Decision, error) {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy query returned no result")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy decision is %T, want object", rs[0].Expressions[0].Value)
	}
	allow, ok := obj["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy decision.allow is %T, want bool", obj["allow"])
	}
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

func builtinDecision(deviceID string) Decision {
	switch {
	case deviceID == "":
		return Decision{Reason: "device_id is empty"}
	case utf8.RuneCountInString(deviceID) > maxDeviceIDLen:
		return Decision{Reason: "device_id longer than 128 characters"}
	case !deviceIDPattern.MatchString(deviceID):
		return Decision{Reason: "device_id contains invalid characters"}
	default:
		return Decision{Allow: true}
	}
}
