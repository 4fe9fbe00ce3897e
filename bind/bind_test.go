package bind

import (
	"sync"
	"time"

	"github.com/streamweave/liveql/engine"
)

// in-memory fakes driving the binding from tests.
// pushes are synchronous so test ordering is deterministic

type testObservable struct {
	observableId engine.Id

	stateLock sync.Mutex
	config    engine.QueryConfig
	snapshot  *engine.Snapshot

	nextCallbacks  *engine.CallbackList[engine.NextFunction]
	errorCallbacks *engine.CallbackList[engine.ErrorFunction]

	done       chan struct{}
	doneClosed bool

	reconfigureErr   error
	reconfigureCount int
	refetchCount     int
	subscribeCount   int
	unsubscribeCount int
}

func newTestObservable(config engine.QueryConfig) *testObservable {
	return &testObservable{
		observableId: engine.NewId(),
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

func (self *testObservable) push(snapshot *engine.Snapshot) {
	self.stateLock.Lock()
	self.snapshot = snapshot
	self.stateLock.Unlock()

	for _, next := range self.nextCallbacks.Get() {
		next(snapshot)
	}
}

func (self *testObservable) pushError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		errorCallback(err)
	}
}

func (self *testObservable) complete() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.doneClosed {
		self.doneClosed = true
		close(self.done)
	}
}

func (self *testObservable) ObservableId() engine.Id {
	return self.observableId
}

func (self *testObservable) Config() engine.QueryConfig {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.config
}

func (self *testObservable) Subscribe(next engine.NextFunction, errorCallback engine.ErrorFunction) func() {
	self.stateLock.Lock()
	self.subscribeCount += 1
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
		self.unsubscribeCount += 1
		self.stateLock.Unlock()
	}
}

func (self *testObservable) CurrentSnapshot() *engine.Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot
}

func (self *testObservable) Done() <-chan struct{} {
	return self.done
}

func (self *testObservable) Reconfigure(config engine.QueryConfig) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.reconfigureCount += 1
	if self.reconfigureErr != nil {
		return self.reconfigureErr
	}
	self.config = config
	return nil
}

func (self *testObservable) Refetch(variables engine.Variables) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refetchCount += 1
	return nil
}

func (self *testObservable) FetchMore(variables engine.Variables, merge engine.MergeFunction) error {
	return nil
}

func (self *testObservable) UpdateLocalResult(update engine.UpdateFunction) {
}

func (self *testObservable) StartPolling(pollInterval time.Duration) {
}

func (self *testObservable) StopPolling() {
}

func (self *testObservable) SubscribeToMore(query engine.Query, variables engine.Variables, update engine.MergeFunction) func() {
	return func() {}
}

func (self *testObservable) counts() (subscribes int, unsubscribes int, reconfigures int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.subscribeCount, self.unsubscribeCount, self.reconfigureCount
}

type testEngine struct {
	clientId engine.Id

	stateLock sync.Mutex
	created   []*testObservable
}

func newTestEngine() *testEngine {
	return &testEngine{
		clientId: engine.NewId(),
		created:  []*testObservable{},
	}
}

func (self *testEngine) ClientId() engine.Id {
	return self.clientId
}

func (self *testEngine) CreateObservable(config engine.QueryConfig) engine.ObservableQuery {
	observable := newTestObservable(config)

	self.stateLock.Lock()
	self.created = append(self.created, observable)
	self.stateLock.Unlock()

	return observable
}

func (self *testEngine) lastCreated() *testObservable {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.created) == 0 {
		return nil
	}
	return self.created[len(self.created)-1]
}

func (self *testEngine) createdCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.created)
}

// spin until the condition holds or the timeout passes
func waitFor(condition func() bool) bool {
	endTime := time.Now().Add(2 * time.Second)
	for time.Now().Before(endTime) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
