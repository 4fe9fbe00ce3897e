package bind

import (
	"reflect"
	"sync"

	"github.com/streamweave/liveql/engine"
)

// resultStore bridges one observable's push stream to a pull reader.
// `GetSnapshot` memoizes by value so that semantically unchanged reads
// return the identical snapshot pointer and never signal a re-render.
//
// A store is bound to exactly one observable. The reconciler builds a
// fresh store when the observable identity changes, never for
// config-only changes on the same observable.
type resultStore struct {
	observable engine.ObservableQuery

	stateLock sync.Mutex
	// owned here, replaced atomically under stateLock
	previousSnapshot *engine.Snapshot
}

func newResultStore(observable engine.ObservableQuery) *resultStore {
	return &resultStore{
		observable: observable,
	}
}

// Subscribe attaches onChange to the observable's push stream for both
// result and error notifications. The returned disposer unsubscribes
// exactly once no matter how many times it is called.
func (self *resultStore) Subscribe(onChange func()) func() {
	unsubscribe := self.observable.Subscribe(
		func(snapshot *engine.Snapshot) {
			onChange()
		},
		func(err error) {
			onChange()
		},
	)

	disposed := false
	var disposeLock sync.Mutex
	return func() {
		disposeLock.Lock()
		defer disposeLock.Unlock()
		if disposed {
			return
		}
		disposed = true
		unsubscribe()
	}
}

// GetSnapshot reads the observable's current snapshot and compares it to
// the previously returned one on three fields only: loading, network
// status, and deep equality of data. Equal on all three means the
// previous pointer is returned unchanged.
//
// The error field is deliberately not part of the comparison. An error
// transition always arrives with a network status change, so it is never
// suppressed by the short-circuit.
func (self *resultStore) GetSnapshot() *engine.Snapshot {
	snapshot := self.observable.CurrentSnapshot()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	previousSnapshot := self.previousSnapshot
	if previousSnapshot != nil && snapshot != nil &&
		previousSnapshot.Loading == snapshot.Loading &&
		previousSnapshot.NetworkStatus == snapshot.NetworkStatus &&
		reflect.DeepEqual(previousSnapshot.Data, snapshot.Data) {
		return previousSnapshot
	}

	self.previousSnapshot = snapshot
	return snapshot
}
