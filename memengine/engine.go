package memengine

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/streamweave/liveql/engine"
)

// ResolverFunction produces the result data for one query execution.
// It stands in for the network layer of a remote engine.
type ResolverFunction = func(ctx context.Context, query engine.Query, variables engine.Variables) (engine.Data, error)

type EngineSettings struct {
	ResolveTimeout  time.Duration
	MinPollInterval time.Duration
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		ResolveTimeout:  30 * time.Second,
		MinPollInterval: 10 * time.Millisecond,
	}
}

// Engine is an in-process execution engine: a result cache plus a
// resolver. Observables created here apply the fetch policy against the
// cache and run the resolver on their own goroutines.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId engine.Id
	store    *Store
	resolver ResolverFunction
	settings *EngineSettings
}

func NewEngineWithDefaults(ctx context.Context, resolver ResolverFunction) *Engine {
	return NewEngine(ctx, resolver, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, resolver ResolverFunction, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:      cancelCtx,
		cancel:   cancel,
		clientId: engine.NewId(),
		store:    NewStore(),
		resolver: resolver,
		settings: settings,
	}
}

func (self *Engine) ClientId() engine.Id {
	return self.clientId
}

func (self *Engine) Store() *Store {
	return self.store
}

func (self *Engine) CreateObservable(config engine.QueryConfig) engine.ObservableQuery {
	observable := newObservable(self, config)
	glog.V(2).Infof("[mem]create observable %s for %s policy = %s\n", observable.ObservableId(), config.Query, config.FetchPolicy)
	observable.start()
	return observable
}

func (self *Engine) Close() {
	self.cancel()
}
