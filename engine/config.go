package engine

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"time"

	"golang.org/x/exp/maps"
)

// comparable
// identity of a query document. two queries are the same query iff all
// fields compare equal
type Query struct {
	Name     string
	Document string
}

func (self Query) String() string {
	return self.Name
}

type Variables = map[string]any

// result data is json-shaped
type Data = map[string]any

type FetchPolicy string

const (
	FetchPolicyCacheFirst      FetchPolicy = "cache-first"
	FetchPolicyCacheOnly       FetchPolicy = "cache-only"
	FetchPolicyCacheAndNetwork FetchPolicy = "cache-and-network"
	FetchPolicyNetworkOnly     FetchPolicy = "network-only"
	FetchPolicyNoCache         FetchPolicy = "no-cache"
	// never executes. the observable stays dormant until reconfigured
	FetchPolicyStandby FetchPolicy = "standby"
)

func (self FetchPolicy) IsNetworkFirst() bool {
	switch self {
	case FetchPolicyNetworkOnly, FetchPolicyCacheAndNetwork:
		return true
	default:
		return false
	}
}

func (self FetchPolicy) UsesCache() bool {
	switch self {
	case FetchPolicyNoCache, FetchPolicyStandby:
		return false
	default:
		return true
	}
}

type ErrorPolicy string

const (
	ErrorPolicyNone   ErrorPolicy = "none"
	ErrorPolicyAll    ErrorPolicy = "all"
	ErrorPolicyIgnore ErrorPolicy = "ignore"
)

type NetworkStatus int

const (
	NetworkStatusLoading      NetworkStatus = 1
	NetworkStatusSetVariables NetworkStatus = 2
	NetworkStatusFetchMore    NetworkStatus = 3
	NetworkStatusRefetch      NetworkStatus = 4
	NetworkStatusPoll         NetworkStatus = 6
	NetworkStatusReady        NetworkStatus = 7
	NetworkStatusError        NetworkStatus = 8
)

func (self NetworkStatus) InFlight() bool {
	switch self {
	case NetworkStatusLoading, NetworkStatusSetVariables, NetworkStatusFetchMore,
		NetworkStatusRefetch, NetworkStatusPoll:
		return true
	default:
		return false
	}
}

// an immutable point-in-time view of a query result.
// engines allocate a new snapshot per push and never mutate a
// previously pushed one
type Snapshot struct {
	Data          Data
	Loading       bool
	NetworkStatus NetworkStatus
	Err           error
}

// the canonical execution parameters for one observable query.
// a config is immutable once built. a changed input produces a new
// config value, never an edit of the previous one
type QueryConfig struct {
	Query                       Query
	Variables                   Variables
	FetchPolicy                 FetchPolicy
	ErrorPolicy                 ErrorPolicy
	PollInterval                time.Duration
	NotifyOnNetworkStatusChange bool
}

// config equality is deep, not reference
func (self QueryConfig) EqualTo(config QueryConfig) bool {
	return self.Query == config.Query &&
		self.FetchPolicy == config.FetchPolicy &&
		self.ErrorPolicy == config.ErrorPolicy &&
		self.PollInterval == config.PollInterval &&
		self.NotifyOnNetworkStatusChange == config.NotifyOnNetworkStatusChange &&
		reflect.DeepEqual(self.Variables, config.Variables)
}

func (self QueryConfig) WithVariables(variables Variables) QueryConfig {
	next := self
	next.Variables = maps.Clone(variables)
	return next
}

// a stable key for deduplicating configs, e.g. during a pre-render pass.
// json map encoding sorts keys, so equal variables produce equal keys
func (self QueryConfig) Key() string {
	h := fnv.New64a()
	h.Write([]byte(self.Query.Name))
	h.Write([]byte{0})
	h.Write([]byte(self.Query.Document))
	variablesJson, err := json.Marshal(self.Variables)
	if err != nil {
		variablesJson = []byte(fmt.Sprintf("%v", self.Variables))
	}
	return fmt.Sprintf("%s/%x/%s/%s", self.Query.Name, h.Sum64(), self.FetchPolicy, string(variablesJson))
}
