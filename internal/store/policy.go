package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/lictor/internal/fault"
)

// canonicalPolicies is the installed timeout matrix: one row per
// (sla_class, action_class), step budget strictly below the execution
// budget. Values are milliseconds.
var canonicalPolicies = []TimeoutPolicy{
	{"fast", "information", 10_000, 8_000},
	{"fast", "operational", 15_000, 10_000},
	{"fast", "diagnostic", 12_000, 8_000},
	{"fast", "provisioning", 20_000, 15_000},
	{"medium", "information", 60_000, 30_000},
	{"medium", "operational", 120_000, 60_000},
	{"medium", "diagnostic", 90_000, 45_000},
	{"medium", "provisioning", 180_000, 90_000},
	{"long", "information", 600_000, 300_000},
	{"long", "operational", 1_800_000, 600_000},
	{"long", "diagnostic", 900_000, 450_000},
	{"long", "provisioning", 3_600_000, 900_000},
}

func (s *Store) seedTimeoutPolicies() error {
	for _, p := range canonicalPolicies {
		_, err := s.db.Exec(`INSERT INTO timeout_policies (sla_class, action_class, execution_timeout_ms, step_timeout_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(sla_class, action_class) DO NOTHING`,
			p.SLAClass, p.ActionClass, p.ExecutionTimeoutMS, p.StepTimeoutMS)
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyPolicyFile overrides matrix rows from a YAML file at boot. The
// matrix is read-only once the engine serves traffic.
func (s *Store) ApplyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var doc struct {
		Policies []TimeoutPolicy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	for _, p := range doc.Policies {
		if p.SLAClass == "" || p.ActionClass == "" {
			return fmt.Errorf("policy row missing sla_class or action_class")
		}
		if p.StepTimeoutMS <= 0 || p.ExecutionTimeoutMS <= 0 {
			return fmt.Errorf("policy %s/%s has non-positive budget", p.SLAClass, p.ActionClass)
		}
		if p.StepTimeoutMS >= p.ExecutionTimeoutMS {
			return fmt.Errorf("policy %s/%s: step budget must be below execution budget", p.SLAClass, p.ActionClass)
		}
		_, err := s.db.Exec(`INSERT INTO timeout_policies (sla_class, action_class, execution_timeout_ms, step_timeout_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(sla_class, action_class) DO UPDATE SET execution_timeout_ms = excluded.execution_timeout_ms, step_timeout_ms = excluded.step_timeout_ms`,
			p.SLAClass, p.ActionClass, p.ExecutionTimeoutMS, p.StepTimeoutMS)
		if err != nil {
			return err
		}
	}
	return nil
}

// LookupTimeoutPolicy returns the budget row for (sla_class, action_class).
func (s *Store) LookupTimeoutPolicy(slaClass, actionClass string) (*TimeoutPolicy, error) {
	var p TimeoutPolicy
	err := s.db.QueryRow(`SELECT sla_class, action_class, execution_timeout_ms, step_timeout_ms
		FROM timeout_policies WHERE sla_class = ? AND action_class = ?`, slaClass, actionClass).
		Scan(&p.SLAClass, &p.ActionClass, &p.ExecutionTimeoutMS, &p.StepTimeoutMS)
	if err != nil {
		if IsNotFound(err) {
			return nil, fault.New(fault.Validation, "no timeout policy for %s/%s", slaClass, actionClass)
		}
		return nil, err
	}
	return &p, nil
}

// MaxExecutionBudget returns the largest execution budget in the matrix.
// The cancellation token TTL must exceed it.
func (s *Store) MaxExecutionBudget() (int64, error) {
	var maxMS int64
	err := s.db.QueryRow(`SELECT MAX(execution_timeout_ms) FROM timeout_policies`).Scan(&maxMS)
	return maxMS, err
}
