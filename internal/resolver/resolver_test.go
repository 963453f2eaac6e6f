package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/internal/resolver"
	"github.com/agentoven/scriptrun/pkg/models"
)

func env(vals map[string]string) resolver.Option {
	return resolver.WithLookupEnv(func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want models.ModelSpec
	}{
		{"small", models.ModelSpec{Alias: "small"}},
		{"openai:gpt-4o", models.ModelSpec{Provider: "openai", Model: "gpt-4o"}},
		{"ollama:llama3:8b", models.ModelSpec{Provider: "ollama", Model: "llama3", Tag: "8b"}},
		{" echo ", models.ModelSpec{Alias: "echo"}},
	}
	for _, tt := range tests {
		got, err := resolver.Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", ":gpt", "openai:", "ollama:llama3:"} {
		_, err := resolver.Parse(bad)
		assert.True(t, models.IsKind(err, models.ErrConfiguration), "Parse(%q) error = %v", bad, err)
	}
}

func TestResolveExplicit(t *testing.T) {
	r := resolver.NewResolver(nil, nil, env(map[string]string{"OPENAI_API_KEY": "sk-test"}))

	rm, err := r.Resolve("openai:gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", rm.Kind)
	assert.Equal(t, "gpt-4o-mini", rm.Spec.ModelID())
	assert.Equal(t, "sk-test", rm.Credentials.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", rm.Credentials.Endpoint)
}

func TestResolveAliasChain(t *testing.T) {
	aliases := map[string]string{
		"large":  "smart",
		"smart":  "ollama:qwen2.5:14b",
		"small":  "echo",
		"broken": "nowhere:model",
	}
	r := resolver.NewResolver(aliases, nil, env(nil))

	rm, err := r.Resolve("large")
	require.NoError(t, err)
	assert.Equal(t, "ollama", rm.Spec.Provider)
	assert.Equal(t, "qwen2.5:14b", rm.Spec.ModelID())
	assert.Equal(t, "large", rm.Spec.Alias)

	rm, err = r.Resolve("small")
	require.NoError(t, err)
	assert.Equal(t, "echo", rm.Kind)

	_, err = r.Resolve("broken")
	assert.True(t, models.IsKind(err, models.ErrConfiguration))
}

func TestResolveIsDeterministic(t *testing.T) {
	r := resolver.NewResolver(map[string]string{"large": "anthropic:claude-sonnet"}, nil,
		env(map[string]string{"ANTHROPIC_API_KEY": "k"}))

	a, err := r.Resolve("large")
	require.NoError(t, err)
	b, err := r.Resolve("large")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolveErrors(t *testing.T) {
	r := resolver.NewResolver(map[string]string{"a": "b", "b": "a"}, nil, env(nil))

	cases := map[string]string{
		"unknown alias":       "nosuchalias",
		"unconfigured large":  "large",
		"unknown provider":    "acme:model-1",
		"missing credentials": "openai:gpt-4o",
		"alias cycle":         "a",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(in)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.ErrConfiguration), "Resolve(%q) error = %v", in, err)
			assert.False(t, models.IsTransient(err))
		})
	}
}

func TestProviderOverride(t *testing.T) {
	r := resolver.NewResolver(nil, []resolver.Provider{
		{Name: "openai", Endpoint: "http://proxy.local/v1", APIKey: "inline"},
		{Name: "lab", Kind: "ollama", Endpoint: "http://gpu-box:11434"},
	}, env(nil))

	rm, err := r.Resolve("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "inline", rm.Credentials.APIKey)
	assert.Equal(t, "http://proxy.local/v1", rm.Credentials.Endpoint)

	rm, err = r.Resolve("lab:llama3")
	require.NoError(t, err)
	assert.Equal(t, "ollama", rm.Kind)
	assert.Equal(t, "http://gpu-box:11434", rm.Credentials.Endpoint)
}

func TestResolveChain(t *testing.T) {
	r := resolver.NewResolver(map[string]string{"small": "echo"}, nil, env(nil))

	chain, err := r.ResolveChain("ollama:llama3", []string{"small", "ollama:llama3", "none"})
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "ollama", chain[0].Kind)
	assert.Equal(t, "echo", chain[1].Kind)
	assert.Equal(t, "none", chain[2].Kind)

	_, err = r.ResolveChain("ollama:llama3", []string{"openai:gpt-4o"})
	assert.True(t, models.IsKind(err, models.ErrConfiguration))
}
