package bind

import (
	"time"

	"github.com/streamweave/liveql/engine"
)

// ObservableOps is the fixed forwarding table for the pass-through
// operations of the current observable. The reconciler rebuilds it only
// when the observable identity changes, so consumers that memoize by
// identity see a stable value across cycles on the same observable.
type ObservableOps struct {
	observable engine.ObservableQuery
}

func newObservableOps(observable engine.ObservableQuery) *ObservableOps {
	return &ObservableOps{
		observable: observable,
	}
}

func (self *ObservableOps) Refetch(variables engine.Variables) error {
	return self.observable.Refetch(variables)
}

func (self *ObservableOps) FetchMore(variables engine.Variables, merge engine.MergeFunction) error {
	return self.observable.FetchMore(variables, merge)
}

func (self *ObservableOps) UpdateLocalResult(update engine.UpdateFunction) {
	self.observable.UpdateLocalResult(update)
}

func (self *ObservableOps) StartPolling(pollInterval time.Duration) {
	self.observable.StartPolling(pollInterval)
}

func (self *ObservableOps) StopPolling() {
	self.observable.StopPolling()
}

func (self *ObservableOps) SubscribeToMore(query engine.Query, variables engine.Variables, update engine.MergeFunction) func() {
	return self.observable.SubscribeToMore(query, variables, update)
}

// QueryResult is the read-only surface handed to the consumer on each
// cycle: the current snapshot fields, the active variable bindings, the
// engine identity, and the stable operation table.
type QueryResult struct {
	Data          engine.Data
	Loading       bool
	NetworkStatus engine.NetworkStatus
	Err           error

	Variables engine.Variables
	ClientId  engine.Id
	// always true once a cycle has run
	Called bool

	Ops *ObservableOps
}

// must be called with `stateLock`
func (self *Binding) resultLocked() *QueryResult {
	result := &QueryResult{
		Variables: self.config.Variables,
		ClientId:  self.engine.ClientId(),
		Called:    true,
		Ops:       self.ops,
	}
	if snapshot := self.store.GetSnapshot(); snapshot != nil {
		result.Data = snapshot.Data
		result.Loading = snapshot.Loading
		result.NetworkStatus = snapshot.NetworkStatus
		result.Err = snapshot.Err
	}
	return result
}
