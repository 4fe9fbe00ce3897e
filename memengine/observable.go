package memengine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/streamweave/liveql/engine"
)

// observable is one live query against the engine. It owns its snapshot
// and pushes a fresh snapshot value on every meaningful transition.
// The observable tears itself down when its last subscriber leaves.
type observable struct {
	queryEngine  *Engine
	observableId engine.Id

	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex

	config   engine.QueryConfig
	snapshot *engine.Snapshot
	// increments per fetch so stale resolver results are dropped
	fetchSeq int

	activeSubscribers int
	closed            bool

	pollCancel       context.CancelFunc
	storeUnsubscribe func()

	nextCallbacks  *engine.CallbackList[engine.NextFunction]
	errorCallbacks *engine.CallbackList[engine.ErrorFunction]

	done chan struct{}
}

func newObservable(queryEngine *Engine, config engine.QueryConfig) *observable {
	cancelCtx, cancel := context.WithCancel(queryEngine.ctx)
	return &observable{
		queryEngine:  queryEngine,
		observableId: engine.NewId(),
		ctx:          cancelCtx,
		cancel:       cancel,
		config:       config,
		snapshot: &engine.Snapshot{
			Loading:       true,
			NetworkStatus: engine.NetworkStatusLoading,
		},
		nextCallbacks:  engine.NewCallbackList[engine.NextFunction](),
		errorCallbacks: engine.NewCallbackList[engine.ErrorFunction](),
		done:           make(chan struct{}),
	}
}

// apply the fetch policy for the initial result
func (self *observable) start() {
	self.stateLock.Lock()
	config := self.config
	if config.FetchPolicy.UsesCache() {
		self.storeUnsubscribe = self.queryEngine.store.AddWriteCallback(self.handleStoreWrite)
	}
	self.stateLock.Unlock()

	switch config.FetchPolicy {
	case engine.FetchPolicyStandby:
		self.setSnapshot(&engine.Snapshot{
			NetworkStatus: engine.NetworkStatusReady,
		})
	case engine.FetchPolicyCacheOnly:
		data, _ := self.queryEngine.store.Read(self.currentResultKey())
		self.setSnapshot(&engine.Snapshot{
			Data:          data,
			NetworkStatus: engine.NetworkStatusReady,
		})
	case engine.FetchPolicyCacheFirst:
		if data, ok := self.queryEngine.store.Read(self.currentResultKey()); ok {
			self.setSnapshot(&engine.Snapshot{
				Data:          data,
				NetworkStatus: engine.NetworkStatusReady,
			})
		} else {
			self.fetch(engine.NetworkStatusLoading, nil, nil)
		}
	case engine.FetchPolicyCacheAndNetwork:
		if data, ok := self.queryEngine.store.Read(self.currentResultKey()); ok {
			self.setSnapshot(&engine.Snapshot{
				Data:          data,
				Loading:       true,
				NetworkStatus: engine.NetworkStatusLoading,
			})
		}
		self.fetch(engine.NetworkStatusLoading, nil, nil)
	default:
		// network-only, no-cache
		self.fetch(engine.NetworkStatusLoading, nil, nil)
	}

	if 0 < config.PollInterval && config.FetchPolicy != engine.FetchPolicyStandby {
		self.StartPolling(config.PollInterval)
	}
}

func (self *observable) currentResultKey() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return resultKey(self.config.Query, self.config.Variables)
}

func (self *observable) setSnapshot(snapshot *engine.Snapshot) {
	self.stateLock.Lock()
	self.snapshot = snapshot
	self.stateLock.Unlock()
}

func (self *observable) push(snapshot *engine.Snapshot) {
	for _, next := range self.nextCallbacks.Get() {
		func() {
			defer recover()
			next(snapshot)
		}()
	}
}

func (self *observable) pushError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		func() {
			defer recover()
			errorCallback(err)
		}()
	}
}

// fetch runs the resolver on a goroutine and pushes a loading snapshot
// first. variables nil means the config's variables. merge combines the
// previous data with the incoming page, for fetchMore
func (self *observable) fetch(networkStatus engine.NetworkStatus, variables engine.Variables, merge engine.MergeFunction) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.fetchSeq += 1
	fetchSeq := self.fetchSeq
	config := self.config
	if variables == nil {
		variables = config.Variables
	}
	var previousData engine.Data
	if self.snapshot != nil {
		previousData = self.snapshot.Data
	}
	loadingSnapshot := &engine.Snapshot{
		Data:          previousData,
		Loading:       true,
		NetworkStatus: networkStatus,
	}
	self.snapshot = loadingSnapshot
	self.stateLock.Unlock()

	go func() {
		// notify off the caller's goroutine. callers may invoke fetch
		// while holding their own state locks
		self.push(loadingSnapshot)

		resolveCtx, cancel := context.WithTimeout(self.ctx, self.queryEngine.settings.ResolveTimeout)
		defer cancel()
		data, err := self.queryEngine.resolver(resolveCtx, config.Query, variables)

		self.stateLock.Lock()
		if self.closed || fetchSeq != self.fetchSeq {
			// a newer fetch superseded this one
			self.stateLock.Unlock()
			return
		}
		var nextSnapshot *engine.Snapshot
		if err != nil {
			nextSnapshot = &engine.Snapshot{
				Data:          previousData,
				NetworkStatus: engine.NetworkStatusError,
				Err:           err,
			}
		} else {
			if merge != nil {
				data = merge(previousData, data)
			}
			nextSnapshot = &engine.Snapshot{
				Data:          data,
				NetworkStatus: engine.NetworkStatusReady,
			}
		}
		self.snapshot = nextSnapshot
		self.stateLock.Unlock()

		if err != nil {
			glog.V(2).Infof("[mem]%s fetch error for %s = %s\n", self.observableId, config.Query, err)
			self.push(nextSnapshot)
			self.pushError(err)
		} else {
			if config.FetchPolicy.UsesCache() {
				// merged pages are committed under the observable's own
				// result key. the write notifies our own store callback
				// too; it absorbs the echo because the data is already
				// equal
				cacheVariables := variables
				if merge != nil {
					cacheVariables = config.Variables
				}
				self.queryEngine.store.Write(resultKey(config.Query, cacheVariables), data)
			}
			self.push(nextSnapshot)
		}
	}()
}

// another observable of the same query committed a result
func (self *observable) handleStoreWrite(writtenKey string, data engine.Data) {
	self.stateLock.Lock()
	if self.closed || writtenKey != resultKey(self.config.Query, self.config.Variables) {
		self.stateLock.Unlock()
		return
	}
	if self.snapshot != nil && self.snapshot.Loading {
		// an own fetch is in flight and will settle the snapshot
		self.stateLock.Unlock()
		return
	}
	if self.snapshot != nil && reflect.DeepEqual(self.snapshot.Data, data) {
		self.stateLock.Unlock()
		return
	}
	nextSnapshot := &engine.Snapshot{
		Data:          data,
		NetworkStatus: engine.NetworkStatusReady,
	}
	self.snapshot = nextSnapshot
	self.stateLock.Unlock()

	self.push(nextSnapshot)
}

// engine.ObservableQuery

func (self *observable) ObservableId() engine.Id {
	return self.observableId
}

func (self *observable) Config() engine.QueryConfig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.config
}

func (self *observable) Subscribe(next engine.NextFunction, errorCallback engine.ErrorFunction) func() {
	self.stateLock.Lock()
	self.activeSubscribers += 1
	self.stateLock.Unlock()

	nextCallbackId := self.nextCallbacks.Add(next)
	errorCallbackId := self.errorCallbacks.Add(errorCallback)

	unsubscribed := false
	var unsubscribeLock sync.Mutex
	return func() {
		unsubscribeLock.Lock()
		defer unsubscribeLock.Unlock()
		if unsubscribed {
			return
		}
		unsubscribed = true

		self.nextCallbacks.Remove(nextCallbackId)
		self.errorCallbacks.Remove(errorCallbackId)

		self.stateLock.Lock()
		self.activeSubscribers -= 1
		tearDown := self.activeSubscribers == 0 && !self.closed
		self.stateLock.Unlock()
		if tearDown {
			self.Close()
		}
	}
}

func (self *observable) CurrentSnapshot() *engine.Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot
}

func (self *observable) Done() <-chan struct{} {
	return self.done
}

func (self *observable) Reconfigure(config engine.QueryConfig) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	previousConfig := self.config
	self.config = config
	variablesChanged := !reflect.DeepEqual(previousConfig.Variables, config.Variables)
	wake := previousConfig.FetchPolicy == engine.FetchPolicyStandby &&
		config.FetchPolicy != engine.FetchPolicyStandby
	self.stateLock.Unlock()

	if wake {
		self.fetch(engine.NetworkStatusLoading, nil, nil)
	} else if variablesChanged && config.FetchPolicy != engine.FetchPolicyStandby &&
		config.FetchPolicy != engine.FetchPolicyCacheOnly {
		self.fetch(engine.NetworkStatusSetVariables, nil, nil)
	}

	if previousConfig.PollInterval != config.PollInterval {
		if 0 < config.PollInterval && config.FetchPolicy != engine.FetchPolicyStandby {
			self.StartPolling(config.PollInterval)
		} else {
			self.StopPolling()
		}
	}
	return nil
}

func (self *observable) Refetch(variables engine.Variables) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	if variables != nil {
		self.config = self.config.WithVariables(variables)
	}
	self.stateLock.Unlock()

	self.fetch(engine.NetworkStatusRefetch, nil, nil)
	return nil
}

func (self *observable) FetchMore(variables engine.Variables, merge engine.MergeFunction) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	self.stateLock.Unlock()

	self.fetch(engine.NetworkStatusFetchMore, variables, merge)
	return nil
}

func (self *observable) UpdateLocalResult(update engine.UpdateFunction) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	var previousData engine.Data
	loading := false
	networkStatus := engine.NetworkStatusReady
	if self.snapshot != nil {
		previousData = self.snapshot.Data
		loading = self.snapshot.Loading
		networkStatus = self.snapshot.NetworkStatus
	}
	data := update(previousData)
	nextSnapshot := &engine.Snapshot{
		Data:          data,
		Loading:       loading,
		NetworkStatus: networkStatus,
	}
	self.snapshot = nextSnapshot
	config := self.config
	self.stateLock.Unlock()

	if config.FetchPolicy.UsesCache() {
		self.queryEngine.store.Write(resultKey(config.Query, config.Variables), data)
	}
	self.push(nextSnapshot)
}

func (self *observable) StartPolling(pollInterval time.Duration) {
	if pollInterval < self.queryEngine.settings.MinPollInterval {
		pollInterval = self.queryEngine.settings.MinPollInterval
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	if self.pollCancel != nil {
		self.pollCancel()
	}
	pollCtx, pollCancel := context.WithCancel(self.ctx)
	self.pollCancel = pollCancel
	self.stateLock.Unlock()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				self.fetch(engine.NetworkStatusPoll, nil, nil)
			}
		}
	}()
}

func (self *observable) StopPolling() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pollCancel != nil {
		self.pollCancel()
		self.pollCancel = nil
	}
}

// SubscribeToMore folds results of another query into this observable's
// local result as they are committed to the store
func (self *observable) SubscribeToMore(query engine.Query, variables engine.Variables, update engine.MergeFunction) func() {
	moreKey := resultKey(query, variables)
	return self.queryEngine.store.AddWriteCallback(func(writtenKey string, data engine.Data) {
		if writtenKey != moreKey {
			return
		}
		self.UpdateLocalResult(func(previousData engine.Data) engine.Data {
			return update(previousData, data)
		})
	})
}

func (self *observable) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	if self.pollCancel != nil {
		self.pollCancel()
		self.pollCancel = nil
	}
	storeUnsubscribe := self.storeUnsubscribe
	self.storeUnsubscribe = nil
	close(self.done)
	self.stateLock.Unlock()

	if storeUnsubscribe != nil {
		storeUnsubscribe()
	}
	self.cancel()
	glog.V(2).Infof("[mem]close observable %s\n", self.observableId)
}
