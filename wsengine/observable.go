package wsengine

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/streamweave/liveql/engine"
)

// remoteObservable mirrors one server-side subscription. The server
// owns execution; the local snapshot tracks the frames it pushes.
// Like the engine's other resources it tears down when the last
// subscriber leaves.
type remoteObservable struct {
	queryEngine  *Engine
	observableId engine.Id

	stateLock sync.Mutex

	config   engine.QueryConfig
	snapshot *engine.Snapshot
	// applied to the next data frame, for fetchMore
	pendingMerge engine.MergeFunction

	activeSubscribers int
	closed            bool

	pollCancel chan struct{}

	nextCallbacks  *engine.CallbackList[engine.NextFunction]
	errorCallbacks *engine.CallbackList[engine.ErrorFunction]

	done chan struct{}
}

func newRemoteObservable(queryEngine *Engine, config engine.QueryConfig) *remoteObservable {
	snapshot := &engine.Snapshot{
		Loading:       true,
		NetworkStatus: engine.NetworkStatusLoading,
	}
	if config.FetchPolicy == engine.FetchPolicyStandby {
		snapshot = &engine.Snapshot{
			NetworkStatus: engine.NetworkStatusReady,
		}
	}
	self := &remoteObservable{
		queryEngine:    queryEngine,
		observableId:   engine.NewId(),
		config:         config,
		snapshot:       snapshot,
		nextCallbacks:  engine.NewCallbackList[engine.NextFunction](),
		errorCallbacks: engine.NewCallbackList[engine.ErrorFunction](),
		done:           make(chan struct{}),
	}

	go func() {
		select {
		case <-queryEngine.ctx.Done():
			self.close()
		case <-self.done:
		}
	}()

	return self
}

func (self *remoteObservable) push(snapshot *engine.Snapshot) {
	for _, next := range self.nextCallbacks.Get() {
		func() {
			defer recover()
			next(snapshot)
		}()
	}
}

func (self *remoteObservable) pushError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		func() {
			defer recover()
			errorCallback(err)
		}()
	}
}

func (self *remoteObservable) handleNext(f *frame) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	data := f.Data
	if self.pendingMerge != nil && !f.Loading {
		var previousData engine.Data
		if self.snapshot != nil {
			previousData = self.snapshot.Data
		}
		data = self.pendingMerge(previousData, data)
		self.pendingMerge = nil
	}
	networkStatus := f.NetworkStatus
	if networkStatus == 0 {
		networkStatus = engine.NetworkStatusReady
		if f.Loading {
			networkStatus = engine.NetworkStatusLoading
		}
	}
	nextSnapshot := &engine.Snapshot{
		Data:          data,
		Loading:       f.Loading,
		NetworkStatus: networkStatus,
	}
	self.snapshot = nextSnapshot
	self.stateLock.Unlock()

	self.push(nextSnapshot)
}

func (self *remoteObservable) handleError(err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	var previousData engine.Data
	if self.snapshot != nil {
		previousData = self.snapshot.Data
	}
	nextSnapshot := &engine.Snapshot{
		Data:          previousData,
		NetworkStatus: engine.NetworkStatusError,
		Err:           err,
	}
	self.snapshot = nextSnapshot
	self.stateLock.Unlock()

	self.push(nextSnapshot)
	self.pushError(err)
}

func (self *remoteObservable) handleComplete() {
	self.close()
}

func (self *remoteObservable) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closed
}

func (self *remoteObservable) close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	if self.pollCancel != nil {
		close(self.pollCancel)
		self.pollCancel = nil
	}
	close(self.done)
	self.stateLock.Unlock()

	self.queryEngine.removeObservable(self.observableId)
}

// engine.ObservableQuery

func (self *remoteObservable) ObservableId() engine.Id {
	return self.observableId
}

func (self *remoteObservable) Config() engine.QueryConfig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.config
}

func (self *remoteObservable) Subscribe(next engine.NextFunction, errorCallback engine.ErrorFunction) func() {
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
			self.close()
		}
	}
}

func (self *remoteObservable) CurrentSnapshot() *engine.Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot
}

func (self *remoteObservable) Done() <-chan struct{} {
	return self.done
}

// Reconfigure updates the server-side subscription in place. It must
// not notify synchronously: the reconciler calls it mid-cycle
func (self *remoteObservable) Reconfigure(config engine.QueryConfig) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	previousConfig := self.config
	self.config = config
	changed := !reflect.DeepEqual(previousConfig.Variables, config.Variables) ||
		previousConfig.FetchPolicy != config.FetchPolicy
	if changed && config.FetchPolicy != engine.FetchPolicyStandby {
		self.snapshot = &engine.Snapshot{
			Data:          self.snapshot.Data,
			Loading:       true,
			NetworkStatus: engine.NetworkStatusSetVariables,
		}
	}
	self.stateLock.Unlock()

	if changed && config.FetchPolicy != engine.FetchPolicyStandby {
		self.queryEngine.sendFrame(subscribeFrame(self.observableId, config))
	}
	return nil
}

func (self *remoteObservable) Refetch(variables engine.Variables) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	if variables != nil {
		self.config = self.config.WithVariables(variables)
	}
	config := self.config
	loadingSnapshot := &engine.Snapshot{
		Data:          self.snapshot.Data,
		Loading:       true,
		NetworkStatus: engine.NetworkStatusRefetch,
	}
	self.snapshot = loadingSnapshot
	self.stateLock.Unlock()

	subscriptionId := self.observableId
	self.queryEngine.sendFrame(&frame{
		Op:             frameOpRefetch,
		SubscriptionId: &subscriptionId,
		Variables:      config.Variables,
	})
	go self.push(loadingSnapshot)
	return nil
}

func (self *remoteObservable) FetchMore(variables engine.Variables, merge engine.MergeFunction) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return errors.New("observable closed")
	}
	self.pendingMerge = merge
	loadingSnapshot := &engine.Snapshot{
		Data:          self.snapshot.Data,
		Loading:       true,
		NetworkStatus: engine.NetworkStatusFetchMore,
	}
	self.snapshot = loadingSnapshot
	self.stateLock.Unlock()

	subscriptionId := self.observableId
	self.queryEngine.sendFrame(&frame{
		Op:             frameOpFetchMore,
		SubscriptionId: &subscriptionId,
		Variables:      variables,
	})
	go self.push(loadingSnapshot)
	return nil
}

func (self *remoteObservable) UpdateLocalResult(update engine.UpdateFunction) {
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
	nextSnapshot := &engine.Snapshot{
		Data:          update(previousData),
		Loading:       loading,
		NetworkStatus: networkStatus,
	}
	self.snapshot = nextSnapshot
	self.stateLock.Unlock()

	self.push(nextSnapshot)
}

func (self *remoteObservable) StartPolling(pollInterval time.Duration) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	if self.pollCancel != nil {
		close(self.pollCancel)
	}
	pollCancel := make(chan struct{})
	self.pollCancel = pollCancel
	self.stateLock.Unlock()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-self.done:
				return
			case <-pollCancel:
				return
			case <-ticker.C:
				self.Refetch(nil)
			}
		}
	}()
}

func (self *remoteObservable) StopPolling() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pollCancel != nil {
		close(self.pollCancel)
		self.pollCancel = nil
	}
}

// SubscribeToMore opens a companion server subscription and folds its
// results into this observable's local result
func (self *remoteObservable) SubscribeToMore(query engine.Query, variables engine.Variables, update engine.MergeFunction) func() {
	moreObservable := self.queryEngine.CreateObservable(engine.QueryConfig{
		Query:       query,
		Variables:   variables,
		FetchPolicy: engine.FetchPolicyNetworkOnly,
	})
	return moreObservable.Subscribe(
		func(snapshot *engine.Snapshot) {
			if snapshot == nil || snapshot.Loading || snapshot.Data == nil {
				return
			}
			self.UpdateLocalResult(func(previousData engine.Data) engine.Data {
				return update(previousData, snapshot.Data)
			})
		},
		func(err error) {
		},
	)
}
