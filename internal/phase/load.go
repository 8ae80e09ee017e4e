package phase

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a phase graph definition.
type File struct {
	Phases []Phase `yaml:"phases"`
}

// Load reads a YAML phase graph definition.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phases file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates a YAML phase graph definition.
func FromYAML(data []byte) (*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse phases file: %w", err)
	}
	return NewGraph(f.Phases)
}

// ToYAML renders the graph definition, criteria state included.
func ToYAML(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{Phases: g.Phases()}); err != nil {
		return nil, fmt.Errorf("encode phases: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode phases: %w", err)
	}
	return buf.Bytes(), nil
}

// Default returns the built-in evolution path.
func Default() *Graph {
	g, err := NewGraph([]Phase{
		{
			ID:    "planning",
			Name:  "Planning",
			Order: 0,
			Criteria: []Criterion{
				{ID: "requirements_defined", Description: "Requirements milestone reached", Kind: CriterionMilestone, Required: true},
				{ID: "architecture_reviewed", Description: "Architecture documentation approved", Kind: CriterionReview},
			},
			Triggers: []Trigger{
				{ID: "planning_deps", Condition: ConditionDependenciesMet, Action: ActionMarkCompleted, Enabled: false},
			},
		},
		{
			ID:            "development",
			Name:          "Development",
			Order:         1,
			Prerequisites: []string{"planning"},
			Criteria: []Criterion{
				{ID: "core_features", Description: "Core feature work completed", Kind: CriterionDependency, Required: true},
				{ID: "unit_tests_passed", Description: "Unit tests passing", Kind: CriterionTest, Required: true},
			},
			Triggers: []Trigger{
				{ID: "dev_tests_passed", Condition: ConditionTestsPassed, Parameters: map[string]any{"testType": "unit"}, Action: ActionMarkCompleted, Enabled: true},
				{ID: "dev_stale", Condition: ConditionTimeElapsed, Parameters: map[string]any{"hours": 336}, Action: ActionEscalate, Enabled: true},
			},
		},
		{
			ID:            "testing",
			Name:          "Testing",
			Order:         2,
			Prerequisites: []string{"development"},
			Criteria: []Criterion{
				{ID: "integration_tests_passed", Description: "Integration tests passing", Kind: CriterionTest, Required: true},
				{ID: "performance_baseline", Description: "Performance metrics collected", Kind: CriterionMetric},
			},
			Triggers: []Trigger{
				{ID: "testing_deps", Condition: ConditionDependenciesMet, Action: ActionMarkCompleted, Enabled: true},
			},
		},
		{
			ID:            "deployment",
			Name:          "Deployment",
			Order:         3,
			Prerequisites: []string{"testing"},
			Criteria: []Criterion{
				{ID: "release_ready", Description: "Release milestone reached", Kind: CriterionMilestone, Required: true},
			},
			Triggers: []Trigger{
				{ID: "deploy_release", Condition: ConditionMilestoneReached, Parameters: map[string]any{"milestoneId": "release_ready"}, Action: ActionMarkCompleted, Enabled: true},
				{ID: "deploy_signoff", Condition: ConditionManualApproval, Action: ActionMarkCompleted, Enabled: true},
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("default phase graph: %v", err))
	}
	return g
}
