package bind

import (
	"sync"

	"github.com/golang/glog"

	"github.com/streamweave/liveql/engine"
)

// Binding reconciles one consumer against one live observable query.
//
// Each `Update` call normalizes the caller's options and decides whether
// the current observable can be kept, reconfigured in place, or must be
// replaced. The binding exclusively owns its observable: exactly one
// observable is current at any time, and a replaced observable is
// unsubscribed before the replacement is attached.
//
// Consumers pull results: subscribe for change notifications, then read
// `GetSnapshot`. An identical snapshot pointer means nothing changed.
type Binding struct {
	prerender *PrerenderCoordinator

	changeCallbacks *engine.CallbackList[func()]

	stateLock sync.Mutex

	engine     engine.Engine
	config     engine.QueryConfig
	options    *QueryOptions
	observable engine.ObservableQuery
	store      *resultStore
	ops        *ObservableOps

	storeUnsubscribe     func()
	lastNotifiedSnapshot *engine.Snapshot
	closed               bool
}

func NewBinding() *Binding {
	return NewBindingWithPrerender(nil)
}

// prerender may be nil. When set, the binding participates in the
// pre-render pass: adopt handles registered for an equal config, and
// register a pending hydration while the first result is loading.
func NewBindingWithPrerender(prerender *PrerenderCoordinator) *Binding {
	return &Binding{
		prerender:       prerender,
		changeCallbacks: engine.NewCallbackList[func()](),
	}
}

// Update runs one reconciliation cycle and returns the result surface
// for this cycle. It never fails to the caller: a reconfigure error is
// swallowed here and surfaces, if at all, through the push stream.
func (self *Binding) Update(queryEngine engine.Engine, query engine.Query, options *QueryOptions) *QueryResult {
	if options == nil {
		options = &QueryOptions{}
	}
	config := NormalizeOptions(query, options, self.prerender)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.options = options

	if self.observable == nil {
		self.initLocked(queryEngine, config, options)
	} else if queryEngine != self.engine || config.Query != self.config.Query {
		// hard replace. in-flight work on the old observable is
		// abandoned, not migrated
		glog.V(2).Infof("[bind]replace observable for %s\n", config.Query)
		self.detachLocked()
		self.attachLocked(queryEngine, config, queryEngine.CreateObservable(config))
	} else if !config.EqualTo(self.config) {
		// soft reconfigure, same observable identity.
		// a failure here must not break the consumer's read. the engine
		// reports any resulting error state through its push stream
		if err := self.observable.Reconfigure(config); err != nil {
			glog.V(1).Infof("[bind]reconfigure error for %s = %s\n", config.Query, err)
		}
		self.config = config
	}

	return self.resultLocked()
}

func (self *Binding) initLocked(queryEngine engine.Engine, config engine.QueryConfig, options *QueryOptions) {
	var observable engine.ObservableQuery
	if self.prerender != nil {
		if existing := self.prerender.LookupExistingHandle(config); existing != nil {
			glog.V(2).Infof("[bind]adopt prerender observable for %s\n", config.Query)
			observable = existing
		}
	}
	if observable == nil {
		observable = queryEngine.CreateObservable(config)
		if self.prerender != nil {
			self.prerender.RegisterHandle(observable, config)
		}
	}
	self.attachLocked(queryEngine, config, observable)

	if self.prerender != nil && !options.DisablePrerender && !options.Skip {
		if snapshot := observable.CurrentSnapshot(); snapshot != nil && snapshot.Loading {
			self.prerender.RegisterPendingHydration(NewPendingHydration(config, observable))
		}
	}
}

func (self *Binding) attachLocked(queryEngine engine.Engine, config engine.QueryConfig, observable engine.ObservableQuery) {
	self.engine = queryEngine
	self.config = config
	self.observable = observable
	self.store = newResultStore(observable)
	self.ops = newObservableOps(observable)
	self.storeUnsubscribe = self.store.Subscribe(self.notify)
}

func (self *Binding) detachLocked() {
	if self.storeUnsubscribe != nil {
		self.storeUnsubscribe()
		self.storeUnsubscribe = nil
	}
}

// push path. runs on the engine's notification goroutine
func (self *Binding) notify() {
	self.stateLock.Lock()
	store := self.store
	options := self.options
	lastNotifiedSnapshot := self.lastNotifiedSnapshot
	self.stateLock.Unlock()

	if store == nil {
		return
	}
	snapshot := store.GetSnapshot()
	if snapshot == lastNotifiedSnapshot {
		// memoized, nothing meaningfully changed
		return
	}

	self.stateLock.Lock()
	self.lastNotifiedSnapshot = snapshot
	self.stateLock.Unlock()

	if snapshot != nil && !snapshot.Loading && options != nil {
		if snapshot.Err != nil {
			if options.OnError != nil {
				options.OnError(snapshot.Err)
			}
		} else if options.OnCompleted != nil {
			options.OnCompleted(snapshot.Data)
		}
	}

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback()
	}
}

// Subscribe registers a change callback invoked after each push that
// produces a new snapshot. The returned disposer is idempotent.
func (self *Binding) Subscribe(onChange func()) func() {
	callbackId := self.changeCallbacks.Add(onChange)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// GetSnapshot returns the current memoized snapshot, or nil before the
// first `Update`.
func (self *Binding) GetSnapshot() *engine.Snapshot {
	self.stateLock.Lock()
	store := self.store
	self.stateLock.Unlock()

	if store == nil {
		return nil
	}
	return store.GetSnapshot()
}

// Observable exposes the current observable identity, mainly for tests
// and diagnostics. May be nil before the first `Update`.
func (self *Binding) Observable() engine.ObservableQuery {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.observable
}

// Close detaches from the current observable. Safe to call repeatedly.
func (self *Binding) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	self.detachLocked()
}
