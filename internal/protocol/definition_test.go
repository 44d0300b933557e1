package protocol

import (
	"testing"
	"time"

	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	def, err := Parse([]byte(testutil.SampleProtocol))
	require.NoError(t, err)

	require.Equal(t, "plate-prep", def.Metadata.Alias)
	require.Len(t, def.Assets, 2)
	require.Len(t, def.Steps, 3)

	// Steps without an explicit kind default to command.
	for _, step := range def.Steps {
		require.Equal(t, StepKindCommand, step.Kind)
	}
}

func TestParseTimeout(t *testing.T) {
	def, err := Parse([]byte(`
apiVersion: v1
kind: Protocol
metadata:
  alias: incubation
assets:
  - ref: plate
    kind: resource
steps:
  - name: incubate
    kind: incubate
    targets: [plate]
    timeout: 30s
`))
	require.NoError(t, err)
	require.Equal(t, Duration(30*time.Second), def.Steps[0].Timeout)

	_, err = Parse([]byte(`
apiVersion: v1
kind: Protocol
metadata:
  alias: incubation
assets:
  - ref: plate
    kind: resource
steps:
  - name: incubate
    targets: [plate]
    timeout: never
`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{
			name: "unsupported api version",
			source: `
apiVersion: v2
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "wrong kind",
			source: `
apiVersion: v1
kind: Workcell
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "missing alias",
			source: `
apiVersion: v1
kind: Protocol
metadata: {}
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "no assets",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets: []
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "duplicate ref",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "unknown asset kind",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: liquid
steps:
  - name: seal
    targets: [plate]
`,
		},
		{
			name: "unknown step kind",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    kind: teleport
    targets: [plate]
`,
		},
		{
			name: "step without targets",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: []
`,
		},
		{
			name: "transfer with single target",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: move
    kind: transfer
    targets: [plate]
`,
		},
		{
			name: "unknown target ref",
			source: `
apiVersion: v1
kind: Protocol
metadata:
  alias: p
assets:
  - ref: plate
    kind: resource
steps:
  - name: seal
    targets: [lid]
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.source))
			require.Error(t, err)
		})
	}
}

func TestSpecs(t *testing.T) {
	def, err := Parse([]byte(testutil.SampleProtocol))
	require.NoError(t, err)

	specs := def.Specs()
	require.Equal(t, []models.AssetSpec{
		{Ref: "handler", Kind: models.AssetKindMachine, Capability: "liquid_handling"},
		{Ref: "plate", Kind: models.AssetKindResource, Capability: "microplate"},
	}, specs)
}
