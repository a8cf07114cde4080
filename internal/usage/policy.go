package usage

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const PolicySchemaV1 = "blockflow.limits.v1"

// Plan is the per-account ceiling set. Zero means unlimited.
type Plan struct {
	MonthlyExecutions int `json:"monthlyExecutions" yaml:"monthly_executions"`
	SyncPerMinute     int `json:"syncPerMinute" yaml:"sync_per_minute"`
	AsyncPerMinute    int `json:"asyncPerMinute" yaml:"async_per_minute"`
}

type Policy struct {
	Schema      string            `yaml:"schema"`
	DefaultPlan string            `yaml:"default_plan"`
	Plans       map[string]Plan   `yaml:"plans"`
	Users       map[string]string `yaml:"users,omitempty"`
}

// DefaultPolicy applies when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Schema:      PolicySchemaV1,
		DefaultPlan: "free",
		Plans: map[string]Plan{
			"free": {MonthlyExecutions: 1000, SyncPerMinute: 10, AsyncPerMinute: 50},
		},
	}
}

func ParsePolicy(input []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(input, &p); err != nil {
		return Policy{}, fmt.Errorf("decode limits policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read limits policy: %w", err)
	}
	return ParsePolicy(raw)
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	if len(p.Plans) == 0 {
		return errors.New("policy.plans must be non-empty")
	}
	if _, ok := p.Plans[p.DefaultPlan]; !ok {
		return fmt.Errorf("policy.default_plan %q is not defined", p.DefaultPlan)
	}
	for name, plan := range p.Plans {
		if plan.MonthlyExecutions < 0 || plan.SyncPerMinute < 0 || plan.AsyncPerMinute < 0 {
			return fmt.Errorf("policy.plans.%s limits must be >= 0", name)
		}
	}
	for user, plan := range p.Users {
		if _, ok := p.Plans[plan]; !ok {
			return fmt.Errorf("policy.users.%s references unknown plan %q", user, plan)
		}
	}
	return nil
}

// PlanFor returns the user's plan name and limits.
func (p Policy) PlanFor(userID string) (string, Plan) {
	name := p.DefaultPlan
	if assigned, ok := p.Users[userID]; ok {
		name = assigned
	}
	return name, p.Plans[name]
}
