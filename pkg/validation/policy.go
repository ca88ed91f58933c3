package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// Policy is an admission rule written in Rego. The module must define a
// "deny" set; each element is either a message string or an object with
// "message" and optional "pointer" fields.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rego        string `json:"rego"`
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// PolicyValidator evaluates Rego admission policies against the resource model.
type PolicyValidator struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
	logger   *telemetry.Logger
}

// NewPolicyValidator compiles policies.
func NewPolicyValidator(ctx context.Context, policies []Policy, logger *telemetry.Logger) (*PolicyValidator, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	v := &PolicyValidator{logger: logger.NewComponentLogger("policy-validator")}
	if err := v.Load(ctx, policies); err != nil {
		return nil, err
	}
	return v, nil
}

// Load replaces the active policy set. On error the previous set stays active.
func (v *PolicyValidator) Load(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	v.mu.Lock()
	v.policies = compiled
	v.mu.Unlock()

	v.logger.WithField("count", len(compiled)).Debug("Policies loaded")
	return nil
}

// Names returns the names of the active policies.
func (v *PolicyValidator) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.policies))
	for _, cp := range v.policies {
		names = append(names, cp.policy.Name)
	}
	return names
}

func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(fmt.Sprintf("%s.deny", module.Package.Path)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query}, nil
}

// Validate implements Validator.
func (v *PolicyValidator) Validate(ctx context.Context, raw json.RawMessage) error {
	var input interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			verr := &Error{}
			verr.Add(RootPointer, fmt.Sprintf("resource model is not valid JSON: %v", err), "policy")
			return verr
		}
	}

	v.mu.RLock()
	policies := v.policies
	v.mu.RUnlock()

	verr := &Error{}
	for _, cp := range policies {
		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return fmt.Errorf("policy %s evaluation error: %w", cp.policy.Name, err)
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				pointer, msg := violationFromResult(d)
				verr.Add(pointer, msg, cp.policy.Name)
			}
		}
	}

	// Deny sets are unordered.
	sort.SliceStable(verr.Violations, func(i, j int) bool {
		a, b := verr.Violations[i], verr.Violations[j]
		if a.Pointer != b.Pointer {
			return a.Pointer < b.Pointer
		}
		return a.Message < b.Message
	})
	return verr.OrNil()
}

func violationFromResult(result interface{}) (pointer, message string) {
	pointer = RootPointer
	switch r := result.(type) {
	case string:
		message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			message = msg
		}
		if p, ok := r["pointer"].(string); ok && p != "" {
			pointer = p
		}
	default:
		message = fmt.Sprintf("%v", result)
	}
	return pointer, message
}

// LoadPolicies reads every .rego file under path, which may be a file or a directory.
func LoadPolicies(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		p, err := loadPolicyFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(file, ".rego") {
			return nil
		}
		p, err := loadPolicyFile(file)
		if err != nil {
			return err
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func loadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
	}, nil
}

// extractDescription returns the leading comment block of a Rego module.
func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" {
			break
		}
	}
	return description.String()
}
