package planner

import (
	"context"
	"regexp"
	"strings"

	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/models"
)

// ErrNoRule signals that no registered rule matched; the composite planner
// falls through to the next strategy.
var ErrNoRule = apperrors.New(apperrors.KindNotFound, "no rule matches intent")

// BuildFunc turns a matched intent into a plan. matches holds the rule's
// regex capture groups.
type BuildFunc func(intent string, params map[string]interface{}, matches []string) *Plan

// Rule binds a regex pattern to a plan template. Rules are tried in
// registration order; first match wins.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Build   BuildFunc
}

// RulePlanner is the rule-based planning strategy.
type RulePlanner struct {
	rules []Rule
}

var _ Planner = (*RulePlanner)(nil)

// NewRulePlanner creates a planner with the given rules; no rules means
// every intent falls through.
func NewRulePlanner(rules []Rule) *RulePlanner {
	return &RulePlanner{rules: rules}
}

// Plan matches the intent against the rules in order.
func (p *RulePlanner) Plan(ctx context.Context, intent string, params map[string]interface{}) (*Plan, error) {
	lowered := strings.ToLower(intent)
	for _, rule := range p.rules {
		matches := rule.Pattern.FindStringSubmatch(lowered)
		if matches == nil {
			continue
		}
		plan := rule.Build(intent, params, matches)
		if plan.Reasoning == "" {
			plan.Reasoning = "rule: " + rule.Name
		}
		if err := validatePlan(plan); err != nil {
			return nil, err
		}
		return plan, nil
	}
	return nil, ErrNoRule
}

// DefaultRules returns the built-in intent templates.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "calculator",
			Pattern: regexp.MustCompile(`\b(calculate|compute|evaluate)\b`),
			Build:   buildCalculatorPlan,
		},
		{
			Name:    "send-mail",
			Pattern: regexp.MustCompile(`\b(send|write)\b.*\b(mail|email)\b`),
			Build:   buildMailPlan,
		},
		{
			Name:    "open-app",
			Pattern: regexp.MustCompile(`\bopen\b\s+(?:the\s+)?([\w .-]+)`),
			Build:   buildOpenAppPlan,
		},
		{
			Name:    "research",
			Pattern: regexp.MustCompile(`\b(research|search|look up)\b`),
			Build:   buildResearchPlan,
		},
	}
}

// stringParam reads a string parameter, falling back to def.
func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// buildCalculatorPlan is the two-step calculator template: evaluate the
// expression, then format the numeric result for the requested locale.
func buildCalculatorPlan(intent string, params map[string]interface{}, _ []string) *Plan {
	expression := stringParam(params, "expression", intent)
	locale := stringParam(params, "locale", "de-DE")
	return &Plan{
		Tasks: []*models.Task{
			{
				ID:     "t-calc",
				Action: models.ActionCallAgent,
				Target: "calculate",
				Payload: map[string]interface{}{
					"expression": expression,
				},
			},
			{
				ID:        "t-format",
				Action:    models.ActionCallAgent,
				Target:    "format",
				DependsOn: []string{"t-calc"},
				Payload: map[string]interface{}{
					"locale": locale,
				},
			},
		},
		Reasoning: "rule: calculator (evaluate, then locale-format the result)",
	}
}

func buildMailPlan(intent string, params map[string]interface{}, _ []string) *Plan {
	return &Plan{
		Tasks: []*models.Task{
			{
				ID:     "t-compose",
				Action: models.ActionCallAgent,
				Target: "compose",
				Payload: map[string]interface{}{
					"instruction": intent,
				},
			},
			{
				ID:        "t-send",
				Action:    models.ActionSendMail,
				Target:    stringParam(params, "recipient", ""),
				DependsOn: []string{"t-compose"},
			},
		},
	}
}

func buildOpenAppPlan(intent string, params map[string]interface{}, matches []string) *Plan {
	app := stringParam(params, "app", "")
	if app == "" && len(matches) > 1 {
		app = strings.TrimSpace(matches[1])
	}
	return &Plan{
		Tasks: []*models.Task{
			{
				ID:     "t-open",
				Action: models.ActionOpenApp,
				Target: app,
			},
			{
				ID:        "t-ready",
				Action:    models.ActionWaitFor,
				Target:    app,
				DependsOn: []string{"t-open"},
			},
		},
	}
}

func buildResearchPlan(intent string, params map[string]interface{}, _ []string) *Plan {
	return &Plan{
		Tasks: []*models.Task{
			{
				ID:     "t-search",
				Action: models.ActionCallAgent,
				Target: "research",
				Payload: map[string]interface{}{
					"query": stringParam(params, "query", intent),
				},
			},
			{
				ID:        "t-summarize",
				Action:    models.ActionCallAgent,
				Target:    "summarize",
				DependsOn: []string{"t-search"},
			},
		},
	}
}

// EthicsGate wraps a planner and prepends an ethics-check step to every
// multi-agent plan: all root tasks gain a dependency on the check, so a
// refusal fails the job before any other step runs.
type EthicsGate struct {
	inner Planner
}

var _ Planner = (*EthicsGate)(nil)

// NewEthicsGate wraps a planning strategy with the ethics pre-step.
func NewEthicsGate(inner Planner) *EthicsGate {
	return &EthicsGate{inner: inner}
}

const ethicsTaskID = "t-ethics"

// Plan delegates and inserts the ethics step when the plan involves more
// than one agent call.
func (g *EthicsGate) Plan(ctx context.Context, intent string, params map[string]interface{}) (*Plan, error) {
	plan, err := g.inner.Plan(ctx, intent, params)
	if err != nil {
		return nil, err
	}

	agentCalls := 0
	for _, task := range plan.Tasks {
		if task.Action == models.ActionCallAgent {
			agentCalls++
		}
	}
	if agentCalls < 2 {
		return plan, nil
	}

	ethics := &models.Task{
		ID:     ethicsTaskID,
		Action: models.ActionCallAgent,
		Target: "ethics-check",
		Payload: map[string]interface{}{
			"intent": intent,
		},
	}
	for _, task := range plan.Tasks {
		if len(task.DependsOn) == 0 {
			task.DependsOn = []string{ethicsTaskID}
		}
	}
	plan.Tasks = append([]*models.Task{ethics}, plan.Tasks...)
	return plan, nil
}
