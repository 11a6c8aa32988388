package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

// DefaultDesiredStatePath is where the policy checker looks for the
// desired-state document inside a snapshot.
const DefaultDesiredStatePath = "deploy.json"

// PolicyRule defines a single policy check over the desired-state
// document.
type PolicyRule struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	ResourceType string `json:"resource_type" yaml:"resource_type"` // empty = all types
	Condition    string `json:"condition" yaml:"condition"`         // property_equals, property_not_equals, require_property, deny_resource_type
	Property     string `json:"property" yaml:"property"`
	Value        string `json:"value" yaml:"value"`
	Severity     string `json:"severity" yaml:"severity"` // "error", "warning"
}

// desiredStateDoc is the parsed shape of the desired-state document.
type desiredStateDoc struct {
	Resources []desiredResource `json:"resources"`
}

type desiredResource struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// PolicyChecker evaluates rule-based compliance policies against the
// desired-state document of a revision snapshot.
type PolicyChecker struct {
	name    string
	rules   []PolicyRule
	docPath string
}

func NewPolicyChecker(name string, rules []PolicyRule, docPath string) *PolicyChecker {
	if docPath == "" {
		docPath = DefaultDesiredStatePath
	}
	return &PolicyChecker{name: name, rules: rules, docPath: docPath}
}

func (p *PolicyChecker) Name() string { return p.name }

func (p *PolicyChecker) Check(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
	raw, ok := rev.Files[p.docPath]
	if !ok {
		return model.CheckerResult{}, fmt.Errorf("snapshot has no desired-state document at %s", p.docPath)
	}

	var doc desiredStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.CheckerResult{}, fmt.Errorf("failed to parse %s: %w", p.docPath, err)
	}

	var findings []model.Finding
	for _, rule := range p.rules {
		for _, res := range doc.Resources {
			if rule.ResourceType != "" && res.Type != rule.ResourceType {
				continue
			}

			addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
			switch rule.Condition {
			case "deny_resource_type":
				findings = append(findings, model.Finding{
					Severity: ruleSeverity(rule),
					Message:  fmt.Sprintf("resource type %s is denied by policy %q", res.Type, rule.Name),
					Resource: addr,
				})

			case "property_equals":
				if val, ok := res.Properties[rule.Property]; ok {
					if fmt.Sprintf("%v", val) == rule.Value {
						findings = append(findings, model.Finding{
							Severity: ruleSeverity(rule),
							Message:  fmt.Sprintf("property %s=%v violates policy %q", rule.Property, val, rule.Name),
							Resource: addr,
						})
					}
				}

			case "property_not_equals":
				if val, ok := res.Properties[rule.Property]; ok {
					if fmt.Sprintf("%v", val) != rule.Value {
						findings = append(findings, model.Finding{
							Severity: ruleSeverity(rule),
							Message:  fmt.Sprintf("property %s=%v violates policy %q (expected %s)", rule.Property, val, rule.Name, rule.Value),
							Resource: addr,
						})
					}
				}

			case "require_property":
				if _, ok := res.Properties[rule.Property]; !ok {
					findings = append(findings, model.Finding{
						Severity: ruleSeverity(rule),
						Message:  fmt.Sprintf("missing required property %q per policy %q", rule.Property, rule.Name),
						Resource: addr,
					})
				}

			default:
				return model.CheckerResult{}, fmt.Errorf("unknown policy condition: %s", rule.Condition)
			}
		}
	}

	result := model.CheckerResult{Outcome: model.OutcomePass, Findings: findings}
	for _, f := range findings {
		if f.Severity == model.SeverityError {
			result.Outcome = model.OutcomeFail
			break
		}
	}
	return result, nil
}

// LoadPolicyRules reads policy rules from a YAML file with a top-level
// "rules" list.
func LoadPolicyRules(path string) ([]PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var doc struct {
		Rules []PolicyRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("policy file %s defines no rules", path)
	}
	return doc.Rules, nil
}

func ruleSeverity(rule PolicyRule) model.Severity {
	switch strings.ToLower(rule.Severity) {
	case "warning", "warn":
		return model.SeverityWarning
	case "info":
		return model.SeverityInfo
	default:
		return model.SeverityError
	}
}
