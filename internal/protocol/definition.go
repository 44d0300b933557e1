package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/maraxen/praxis/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	APIVersionV1 = "v1"
	KindProtocol = "Protocol"
)

// StepKind tags the variant of a step descriptor.
type StepKind string

const (
	// StepKindCommand dispatches one instrument command to a machine.
	StepKindCommand StepKind = "command"
	// StepKindTransfer moves material between two assets.
	StepKindTransfer StepKind = "transfer"
	// StepKindIncubate holds the targeted assets for a duration.
	StepKindIncubate StepKind = "incubate"
)

// Definition models the root protocol document.
type Definition struct {
	APIVersion string             `yaml:"apiVersion" json:"apiVersion"`
	Kind       string             `yaml:"kind" json:"kind"`
	Metadata   Metadata           `yaml:"metadata" json:"metadata"`
	Assets     []AssetRequirement `yaml:"assets" json:"assets"`
	Steps      []Step             `yaml:"steps" json:"steps"`
}

// Metadata contains descriptive data for the protocol.
type Metadata struct {
	Alias       string            `yaml:"alias" json:"alias"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// AssetRequirement names one asset the protocol needs, by capability
// rather than concrete id. Ref is how steps address the asset.
type AssetRequirement struct {
	Ref        string `yaml:"ref" json:"ref"`
	Kind       string `yaml:"kind" json:"kind"`
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// Duration wraps time.Duration so manifests can spell timeouts as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Step is one ordered unit of work. Targets name asset refs declared
// in the assets section; parameters are passed to the hardware
// backend opaquely.
type Step struct {
	Name       string         `yaml:"name" json:"name"`
	Kind       StepKind       `yaml:"kind,omitempty" json:"kind,omitempty"`
	Targets    []string       `yaml:"targets" json:"targets"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout    Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// UnmarshalYAML sets defaults while deserialising a step.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type rawStep Step
	rs := rawStep{Kind: StepKindCommand}
	if err := value.Decode(&rs); err != nil {
		return err
	}
	*s = Step(rs)
	if s.Kind == "" {
		s.Kind = StepKindCommand
	}
	return nil
}

// Parse parses YAML bytes into a Definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate performs semantic validation on the definition.
func (d *Definition) Validate() error {
	if d.APIVersion != APIVersionV1 {
		return fmt.Errorf("unsupported apiVersion: %s", d.APIVersion)
	}
	if d.Kind != KindProtocol {
		return fmt.Errorf("unsupported kind: %s", d.Kind)
	}
	if strings.TrimSpace(d.Metadata.Alias) == "" {
		return fmt.Errorf("metadata.alias is required")
	}
	if len(d.Assets) == 0 {
		return fmt.Errorf("protocol requires at least one asset")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("protocol requires at least one step")
	}

	refs := map[string]models.AssetKind{}
	for i, req := range d.Assets {
		if strings.TrimSpace(req.Ref) == "" {
			return fmt.Errorf("assets[%d]: ref is required", i)
		}
		if _, dup := refs[req.Ref]; dup {
			return fmt.Errorf("assets[%d]: duplicate ref %q", i, req.Ref)
		}
		switch models.AssetKind(req.Kind) {
		case models.AssetKindMachine, models.AssetKindResource:
		default:
			return fmt.Errorf("assets[%d]: unknown kind %q", i, req.Kind)
		}
		refs[req.Ref] = models.AssetKind(req.Kind)
	}

	for i, step := range d.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		switch step.Kind {
		case StepKindCommand, StepKindTransfer, StepKindIncubate:
		default:
			return fmt.Errorf("steps[%d]: unknown kind %q", i, step.Kind)
		}
		if len(step.Targets) == 0 {
			return fmt.Errorf("steps[%d]: at least one target is required", i)
		}
		if step.Kind == StepKindTransfer && len(step.Targets) < 2 {
			return fmt.Errorf("steps[%d]: transfer requires a source and a destination", i)
		}
		for _, target := range step.Targets {
			if _, ok := refs[target]; !ok {
				return fmt.Errorf("steps[%d]: unknown target ref %q", i, target)
			}
		}
	}

	return nil
}

// Specs converts the asset requirements into schedule entry specs.
func (d *Definition) Specs() []models.AssetSpec {
	specs := make([]models.AssetSpec, len(d.Assets))
	for i, req := range d.Assets {
		specs[i] = models.AssetSpec{
			Ref:        req.Ref,
			Kind:       models.AssetKind(req.Kind),
			Capability: req.Capability,
		}
	}
	return specs
}
