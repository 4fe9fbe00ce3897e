package bind

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/streamweave/liveql/engine"
)

var optionsTestQuery = engine.Query{
	Name:     "viewer",
	Document: "query viewer { viewer { id name } }",
}

func TestNormalizeSkipForcesStandby(t *testing.T) {
	config := NormalizeOptions(optionsTestQuery, &QueryOptions{
		Skip:        true,
		FetchPolicy: engine.FetchPolicyNetworkOnly,
	}, nil)
	assert.Equal(t, engine.FetchPolicyStandby, config.FetchPolicy)

	// skip wins during a pre-render pass too
	config = NormalizeOptions(optionsTestQuery, &QueryOptions{
		Skip: true,
	}, NewPrerenderCoordinator())
	assert.Equal(t, engine.FetchPolicyStandby, config.FetchPolicy)
}

func TestNormalizeDefaultPolicy(t *testing.T) {
	config := NormalizeOptions(optionsTestQuery, &QueryOptions{}, nil)
	assert.Equal(t, engine.FetchPolicyCacheFirst, config.FetchPolicy)

	config = NormalizeOptions(optionsTestQuery, nil, nil)
	assert.Equal(t, engine.FetchPolicyCacheFirst, config.FetchPolicy)

	// a supplied policy is preserved outside pre-render
	config = NormalizeOptions(optionsTestQuery, &QueryOptions{
		FetchPolicy: engine.FetchPolicyNetworkOnly,
	}, nil)
	assert.Equal(t, engine.FetchPolicyNetworkOnly, config.FetchPolicy)
}

func TestNormalizePrerenderDowngrade(t *testing.T) {
	prerender := NewPrerenderCoordinator()

	config := NormalizeOptions(optionsTestQuery, &QueryOptions{
		FetchPolicy: engine.FetchPolicyNetworkOnly,
	}, prerender)
	assert.Equal(t, engine.FetchPolicyCacheFirst, config.FetchPolicy)

	config = NormalizeOptions(optionsTestQuery, &QueryOptions{
		FetchPolicy: engine.FetchPolicyCacheAndNetwork,
	}, prerender)
	assert.Equal(t, engine.FetchPolicyCacheFirst, config.FetchPolicy)

	// cache policies pass through unchanged
	config = NormalizeOptions(optionsTestQuery, &QueryOptions{
		FetchPolicy: engine.FetchPolicyCacheOnly,
	}, prerender)
	assert.Equal(t, engine.FetchPolicyCacheOnly, config.FetchPolicy)
}

func TestNormalizeDeterministic(t *testing.T) {
	options := &QueryOptions{
		Variables:   engine.Variables{"id": 7, "filter": map[string]any{"tag": "a"}},
		ErrorPolicy: engine.ErrorPolicyAll,
		DisplayName: "ViewerPanel",
		OnCompleted: func(data engine.Data) {},
	}

	a := NormalizeOptions(optionsTestQuery, options, nil)
	b := NormalizeOptions(optionsTestQuery, options, nil)
	assert.Equal(t, true, a.EqualTo(b))
	assert.Equal(t, optionsTestQuery, a.Query)
	assert.Equal(t, engine.ErrorPolicyAll, a.ErrorPolicy)

	// the config owns a copy of the variables. editing the caller's map
	// afterwards does not reach into a produced config
	options.Variables["id"] = 8
	assert.Equal(t, 7, a.Variables["id"])
}
