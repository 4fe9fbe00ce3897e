package bind

import (
	"time"

	"golang.org/x/exp/maps"

	"github.com/streamweave/liveql/engine"
)

// CompletedFunction is called when a query result arrives with no error.
type CompletedFunction = func(data engine.Data)

// QueryOptions are the caller-facing knobs for one binding.
// Binding-only fields (Skip, DisablePrerender, OnCompleted, OnError,
// DisplayName) are stripped before anything is forwarded to the engine.
type QueryOptions struct {
	Variables                   engine.Variables
	FetchPolicy                 engine.FetchPolicy
	ErrorPolicy                 engine.ErrorPolicy
	PollInterval                time.Duration
	NotifyOnNetworkStatusChange bool

	// do not execute the query. the binding stays in standby
	Skip bool
	// opt this binding out of the pre-render hydration wait
	DisablePrerender bool
	OnCompleted      CompletedFunction
	OnError          engine.ErrorFunction
	DisplayName      string
}

// NormalizeOptions derives the canonical engine config from caller options.
// It is deterministic and side effect free: equal inputs produce
// deep-equal configs, which is what makes the reconciler's equality
// checks meaningful.
//
// Policy rules, in order:
//  1. Skip forces the standby policy, overriding any caller policy.
//  2. During a pre-render pass, network-first policies are downgraded to
//     cache-first. Hitting the network during pre-render would duplicate
//     the fetch the eventual live render performs anyway.
//  3. An unset policy defaults to cache-first.
func NormalizeOptions(query engine.Query, options *QueryOptions, prerender *PrerenderCoordinator) engine.QueryConfig {
	if options == nil {
		options = &QueryOptions{}
	}

	fetchPolicy := options.FetchPolicy
	if options.Skip {
		fetchPolicy = engine.FetchPolicyStandby
	} else if prerender != nil && fetchPolicy.IsNetworkFirst() {
		fetchPolicy = engine.FetchPolicyCacheFirst
	} else if fetchPolicy == "" {
		fetchPolicy = engine.FetchPolicyCacheFirst
	}

	return engine.QueryConfig{
		Query:                       query,
		Variables:                   maps.Clone(options.Variables),
		FetchPolicy:                 fetchPolicy,
		ErrorPolicy:                 options.ErrorPolicy,
		PollInterval:                options.PollInterval,
		NotifyOnNetworkStatusChange: options.NotifyOnNetworkStatusChange,
	}
}
