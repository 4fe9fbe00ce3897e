package bind

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/streamweave/liveql/engine"
)

// PendingHydration waits for one observable to leave the loading state
// during a pre-render pass. It resolves exactly once, on the first of:
// a non-loading push, an error push, or completion of the stream.
// Resolution releases the internal subscription and never fires twice.
type PendingHydration struct {
	config engine.QueryConfig

	stateLock   sync.Mutex
	resolved    bool
	unsubscribe func()

	done chan struct{}
}

func NewPendingHydration(config engine.QueryConfig, observable engine.ObservableQuery) *PendingHydration {
	self := &PendingHydration{
		config: config,
		done:   make(chan struct{}),
	}

	unsubscribe := observable.Subscribe(
		func(snapshot *engine.Snapshot) {
			if snapshot != nil && !snapshot.Loading {
				self.resolve()
			}
		},
		func(err error) {
			// terminal for hydration only. the live render sees the same
			// error through the ordinary push path
			self.resolve()
		},
	)

	self.stateLock.Lock()
	self.unsubscribe = unsubscribe
	resolved := self.resolved
	self.stateLock.Unlock()
	if resolved {
		// resolved before the subscription was recorded
		unsubscribe()
	}

	go func() {
		select {
		case <-observable.Done():
			self.resolve()
		case <-self.done:
		}
	}()

	return self
}

func (self *PendingHydration) Config() engine.QueryConfig {
	return self.config
}

func (self *PendingHydration) resolve() {
	self.stateLock.Lock()
	if self.resolved {
		self.stateLock.Unlock()
		return
	}
	self.resolved = true
	unsubscribe := self.unsubscribe
	close(self.done)
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (self *PendingHydration) Resolved() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.resolved
}

// Wait blocks until the hydration resolves or the context ends.
func (self *PendingHydration) Wait(ctx context.Context) error {
	select {
	case <-self.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrerenderCoordinator is the collaborator present only during a
// pre-render pass. It shares created observables between bindings with
// equal configs and collects pending hydrations so the caller can drain
// them all before producing output.
//
// The coordinator only reads handles (lookup by config key). A binding
// that adopts a registered handle takes exclusive write ownership.
type PrerenderCoordinator struct {
	stateLock sync.Mutex

	// config key -> observable
	observables map[string]engine.ObservableQuery
	// config key -> pending hydration, deduplicated by key
	hydrations map[string]*PendingHydration
}

func NewPrerenderCoordinator() *PrerenderCoordinator {
	return &PrerenderCoordinator{
		observables: map[string]engine.ObservableQuery{},
		hydrations:  map[string]*PendingHydration{},
	}
}

func (self *PrerenderCoordinator) LookupExistingHandle(config engine.QueryConfig) engine.ObservableQuery {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.observables[config.Key()]
}

func (self *PrerenderCoordinator) RegisterHandle(observable engine.ObservableQuery, config engine.QueryConfig) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.observables[config.Key()] = observable
}

func (self *PrerenderCoordinator) RegisterPendingHydration(hydration *PendingHydration) {
	configKey := hydration.Config().Key()

	self.stateLock.Lock()
	_, present := self.hydrations[configKey]
	if !present {
		self.hydrations[configKey] = hydration
	}
	self.stateLock.Unlock()

	if present {
		// an equivalent hydration is already pending. resolve this
		// registration so its subscription does not linger
		hydration.resolve()
	}
}

func (self *PrerenderCoordinator) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.hydrations)
}

// Wait drains all pending hydrations, including ones registered while
// waiting, then returns. Repeated render passes between waits are the
// caller's concern.
func (self *PrerenderCoordinator) Wait(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		hydrations := maps.Values(self.hydrations)
		maps.Clear(self.hydrations)
		self.stateLock.Unlock()

		if len(hydrations) == 0 {
			return nil
		}

		glog.V(2).Infof("[prerender]wait for %d hydrations\n", len(hydrations))
		for _, hydration := range hydrations {
			if err := hydration.Wait(ctx); err != nil {
				return err
			}
		}
	}
}
