package endpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrevRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		wantStep string
		wantPath string
		wantOK   bool
	}{
		{"step and path", "$prev.CreateLines.0.d.TransactionKey", "CreateLines", "0.d.TransactionKey", true},
		{"step only", "$prev.CreateLines", "CreateLines", "", true},
		{"literal", "hello", "", "", false},
		{"guid marker", "$guid", "", "", false},
		{"bare prefix", "$prev.", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			step, path, ok := ParsePrevRef(tt.expr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStep, step)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestValidateCompositeConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		steps   []Step
		wantErr string
	}{
		{
			name: "valid plan",
			steps: []Step{
				{Name: "A", Endpoint: "E1", Method: "POST", IsArray: true, ArrayProperty: "Lines"},
				{Name: "B", Endpoint: "E2", DependsOn: "A",
					TemplateTransformations: map[string]string{"Key": "$prev.A.0.id"}},
			},
		},
		{
			name:    "unnamed step",
			steps:   []Step{{Endpoint: "E1"}},
			wantErr: "name is required",
		},
		{
			name: "duplicate step names",
			steps: []Step{
				{Name: "A", Endpoint: "E1"},
				{Name: "A", Endpoint: "E2"},
			},
			wantErr: "duplicated",
		},
		{
			name:    "missing endpoint",
			steps:   []Step{{Name: "A"}},
			wantErr: "endpoint is required",
		},
		{
			name:    "bad method",
			steps:   []Step{{Name: "A", Endpoint: "E1", Method: "SPLICE"}},
			wantErr: "not supported",
		},
		{
			name:    "isArray without arrayProperty",
			steps:   []Step{{Name: "A", Endpoint: "E1", IsArray: true}},
			wantErr: "arrayProperty is required",
		},
		{
			name:    "arrayProperty without isArray",
			steps:   []Step{{Name: "A", Endpoint: "E1", ArrayProperty: "Lines"}},
			wantErr: "requires isArray",
		},
		{
			name: "dependsOn unknown step",
			steps: []Step{
				{Name: "A", Endpoint: "E1", DependsOn: "Nope"},
			},
			wantErr: "unknown step",
		},
		{
			name: "dependsOn later step",
			steps: []Step{
				{Name: "A", Endpoint: "E1", DependsOn: "B"},
				{Name: "B", Endpoint: "E2"},
			},
			wantErr: "must appear earlier",
		},
		{
			name: "prev reference to unknown step",
			steps: []Step{
				{Name: "A", Endpoint: "E1",
					TemplateTransformations: map[string]string{"Key": "$prev.Ghost.id"}},
			},
			wantErr: "unknown step",
		},
		{
			name: "prev reference to later step",
			steps: []Step{
				{Name: "A", Endpoint: "E1",
					TemplateTransformations: map[string]string{"Key": "$prev.B.id"}},
				{Name: "B", Endpoint: "E2"},
			},
			wantErr: "runs later",
		},
		{
			name: "literals and guid pass through",
			steps: []Step{
				{Name: "A", Endpoint: "E1",
					TemplateTransformations: map[string]string{"Fixed": "value", "Key": "$guid"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &CompositeConfig{Name: "Flow", Steps: tt.steps}
			err := validateCompositeConfig(cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateDependencyCycles(t *testing.T) {
	t.Parallel()

	// Constructed directly: the per-step ordering check already rejects
	// forward references, so the cycle detector is the backstop.
	steps := []Step{
		{Name: "A", Endpoint: "E1", DependsOn: "B"},
		{Name: "B", Endpoint: "E2", DependsOn: "A"},
	}
	err := validateDependencyCycles(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	require.NoError(t, validateDependencyCycles([]Step{
		{Name: "A", Endpoint: "E1"},
		{Name: "B", Endpoint: "E2", DependsOn: "A"},
	}))
}
