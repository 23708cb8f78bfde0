package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

const sampleBlueprint = `
blueprint:
  id: web-sandbox
  name: Web sandbox
  createdBy: platform@example.com
  tags:
    team: platform
targets:
  - id: default
    templateRef: leasekeeper-web-sandbox
    regions: [us-east-1, us-west-2]
    rollout:
      regionOrder: [us-west-2]
      maxConcurrentPercentage: 25
      failureTolerancePercentage: 10
      regionConcurrency: SEQUENTIAL
  - id: eu
    templateRef: leasekeeper-web-sandbox-eu
    regions: [eu-west-1]
`

func TestLoadBlueprintFile(t *testing.T) {
	file, err := LoadBlueprintFile(writeFile(t, "bp.yaml", sampleBlueprint))
	require.NoError(t, err)

	bp, targets := file.Records()
	assert.Equal(t, "web-sandbox", bp.ID)
	assert.Equal(t, "Web sandbox", bp.Name)
	assert.Equal(t, map[string]string{"team": "platform"}, bp.Tags)

	require.Len(t, targets, 2)
	assert.Equal(t, "web-sandbox", targets[0].BlueprintID)
	assert.Equal(t, []string{"us-east-1", "us-west-2"}, targets[0].Regions)
	assert.Equal(t, stores.RolloutPolicy{
		RegionOrder:                []string{"us-west-2"},
		MaxConcurrentPercentage:    25,
		FailureTolerancePercentage: 10,
		RegionConcurrency:          stores.RegionConcurrencySequential,
	}, targets[0].Rollout)
	assert.Equal(t, "leasekeeper-web-sandbox-eu", targets[1].TemplateRef)
	assert.Zero(t, targets[1].Rollout)
}

func TestLoadBlueprintFileMissing(t *testing.T) {
	_, err := LoadBlueprintFile("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestParseBlueprintRejects(t *testing.T) {
	for name, content := range map[string]string{
		"empty":         ``,
		"no targets":    "blueprint:\n  id: a\n  name: A\n",
		"no id":         "blueprint:\n  name: A\ntargets:\n  - id: t\n    templateRef: r\n    regions: [us-east-1]\n",
		"no regions":    "blueprint:\n  id: a\n  name: A\ntargets:\n  - id: t\n    templateRef: r\n",
		"dup targets":   "blueprint:\n  id: a\n  name: A\ntargets:\n  - id: t\n    templateRef: r\n    regions: [us-east-1]\n  - id: t\n    templateRef: r\n    regions: [us-east-1]\n",
		"dup regions":   "blueprint:\n  id: a\n  name: A\ntargets:\n  - id: t\n    templateRef: r\n    regions: [us-east-1, us-east-1]\n",
		"bad rollout":   "blueprint:\n  id: a\n  name: A\ntargets:\n  - id: t\n    templateRef: r\n    regions: [us-east-1]\n    rollout:\n      maxConcurrentPercentage: 150\n",
		"unknown field": "blueprint:\n  id: a\n  name: A\n  owner: me\ntargets:\n  - id: t\n    templateRef: r\n    regions: [us-east-1]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBlueprint([]byte(content))
			assert.Error(t, err)
		})
	}
}
