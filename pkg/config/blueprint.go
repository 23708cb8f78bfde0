package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// BlueprintFile is the on-disk form of a blueprint and its targets.
type BlueprintFile struct {
	Blueprint BlueprintSpec `yaml:"blueprint"`
	Targets   []TargetSpec  `yaml:"targets" validate:"required,min=1,unique=ID,dive"`
}

// BlueprintSpec describes the blueprint itself.
type BlueprintSpec struct {
	ID          string            `yaml:"id" validate:"required,max=128"`
	Name        string            `yaml:"name" validate:"required,max=256"`
	Description string            `yaml:"description"`
	CreatedBy   string            `yaml:"createdBy"`
	Tags        map[string]string `yaml:"tags"`
}

// TargetSpec describes one deployment target.
type TargetSpec struct {
	ID          string               `yaml:"id" validate:"required,max=128"`
	TemplateRef string               `yaml:"templateRef" validate:"required"`
	Regions     []string             `yaml:"regions" validate:"required,min=1,unique,dive,required"`
	Rollout     stores.RolloutPolicy `yaml:"rollout"`
}

// LoadBlueprintFile reads and validates a blueprint definition.
func LoadBlueprintFile(path string) (*BlueprintFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprint file: %w", err)
	}

	file, err := ParseBlueprint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// ParseBlueprint decodes a blueprint definition. Unknown keys are rejected.
func ParseBlueprint(data []byte) (*BlueprintFile, error) {
	var file BlueprintFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint: %w", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid blueprint: %w", err)
	}
	return &file, nil
}

// Records converts the file into the store's types.
func (f *BlueprintFile) Records() (*stores.Blueprint, []*stores.DeploymentTarget) {
	bp := &stores.Blueprint{
		ID:          f.Blueprint.ID,
		Name:        f.Blueprint.Name,
		Description: f.Blueprint.Description,
		CreatedBy:   f.Blueprint.CreatedBy,
		Tags:        f.Blueprint.Tags,
	}

	targets := make([]*stores.DeploymentTarget, 0, len(f.Targets))
	for _, t := range f.Targets {
		targets = append(targets, &stores.DeploymentTarget{
			ID:          t.ID,
			BlueprintID: bp.ID,
			TemplateRef: t.TemplateRef,
			Regions:     append([]string(nil), t.Regions...),
			Rollout:     t.Rollout,
		})
	}
	return bp, targets
}
