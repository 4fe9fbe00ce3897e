package bind

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/streamweave/liveql/engine"
)

var bindingTestQuery = engine.Query{
	Name:     "user",
	Document: "query user($id: ID!) { user(id: $id) { id name } }",
}

func TestBindingSoftReconfigure(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	result := binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	assert.Equal(t, true, result.Called)
	assert.Equal(t, queryEngine.ClientId(), result.ClientId)
	assert.Equal(t, 1, queryEngine.createdCount())

	observable := queryEngine.lastCreated()

	// a variables change on the same query keeps the observable and
	// reconfigures it in place. the old subscription stays open
	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 2},
	})
	assert.Equal(t, 1, queryEngine.createdCount())
	subscribes, unsubscribes, reconfigures := observable.counts()
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 0, unsubscribes)
	assert.Equal(t, 1, reconfigures)
	assert.Equal(t, engine.Variables{"id": 2}, observable.Config().Variables)
}

func TestBindingNoopOnEqualConfig(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	observable := queryEngine.lastCreated()

	// deep-equal input, distinct maps. nothing happens
	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	assert.Equal(t, 1, queryEngine.createdCount())
	_, _, reconfigures := observable.counts()
	assert.Equal(t, 0, reconfigures)
}

func TestBindingHardReplaceOnQueryChange(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	firstObservable := queryEngine.lastCreated()

	otherQuery := engine.Query{
		Name:     "userWithEmail",
		Document: "query userWithEmail($id: ID!) { user(id: $id) { id email } }",
	}
	binding.Update(queryEngine, otherQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	assert.Equal(t, 2, queryEngine.createdCount())
	secondObservable := queryEngine.lastCreated()
	assert.NotEqual(t, firstObservable.ObservableId(), secondObservable.ObservableId())

	// the old observable was unsubscribed before the new one attached
	_, unsubscribes, _ := firstObservable.counts()
	assert.Equal(t, 1, unsubscribes)
	subscribes, _, _ := secondObservable.counts()
	assert.Equal(t, 1, subscribes)
}

func TestBindingHardReplaceOnEngineChange(t *testing.T) {
	firstEngine := newTestEngine()
	secondEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	binding.Update(firstEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	firstObservable := firstEngine.lastCreated()

	// same query, same variables, different engine instance
	binding.Update(secondEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	assert.Equal(t, 1, secondEngine.createdCount())
	_, unsubscribes, _ := firstObservable.counts()
	assert.Equal(t, 1, unsubscribes)
	assert.Equal(t, secondEngine.lastCreated().ObservableId(), binding.Observable().(*testObservable).ObservableId())
}

func TestBindingReconfigureErrorSwallowed(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	observable := queryEngine.lastCreated()
	observable.reconfigureErr = errors.New("variables rejected")

	// the error stays local. the cycle still yields a readable result
	result := binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 2},
	})
	assert.Equal(t, true, result.Called)
	assert.Equal(t, nil, result.Err)
	_, _, reconfigures := observable.counts()
	assert.Equal(t, 1, reconfigures)
}

func TestBindingOpsStability(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	first := binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	second := binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 2},
	})
	// same observable, same forwarding table
	if first.Ops != second.Ops {
		t.Fatalf("expected a stable ops table across cycles on the same observable")
	}

	otherQuery := engine.Query{Name: "other", Document: "query other { other { id } }"}
	third := binding.Update(queryEngine, otherQuery, nil)
	if second.Ops == third.Ops {
		t.Fatalf("expected a new ops table after observable replacement")
	}

	err := third.Ops.Refetch(engine.Variables{"id": 3})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, queryEngine.lastCreated().refetchCount)
}

func TestBindingPushNotification(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
	})
	observable := queryEngine.lastCreated()

	changeCount := 0
	unsubscribe := binding.Subscribe(func() {
		changeCount += 1
	})

	observable.push(&engine.Snapshot{
		Data:          engine.Data{"user": map[string]any{"id": 1, "name": "ada"}},
		NetworkStatus: engine.NetworkStatusReady,
	})
	assert.Equal(t, 1, changeCount)
	snapshot := binding.GetSnapshot()
	assert.Equal(t, false, snapshot.Loading)

	// a value-equal push is absorbed by the memo and does not notify
	observable.push(&engine.Snapshot{
		Data:          engine.Data{"user": map[string]any{"id": 1, "name": "ada"}},
		NetworkStatus: engine.NetworkStatusReady,
	})
	assert.Equal(t, 1, changeCount)
	if snapshot != binding.GetSnapshot() {
		t.Fatalf("expected identical snapshot reference")
	}

	// disposer is idempotent
	unsubscribe()
	unsubscribe()
	observable.push(&engine.Snapshot{
		Data:          engine.Data{"user": map[string]any{"id": 1, "name": "grace"}},
		NetworkStatus: engine.NetworkStatusReady,
	})
	assert.Equal(t, 1, changeCount)
}

func TestBindingLifecycleCallbacks(t *testing.T) {
	queryEngine := newTestEngine()
	binding := NewBinding()
	defer binding.Close()

	completedData := []engine.Data{}
	errored := []error{}
	binding.Update(queryEngine, bindingTestQuery, &QueryOptions{
		Variables: engine.Variables{"id": 1},
		OnCompleted: func(data engine.Data) {
			completedData = append(completedData, data)
		},
		OnError: func(err error) {
			errored = append(errored, err)
		},
	})
	observable := queryEngine.lastCreated()

	observable.push(&engine.Snapshot{
		Data:          engine.Data{"user": map[string]any{"id": 1}},
		NetworkStatus: engine.NetworkStatusReady,
	})
	assert.Equal(t, 1, len(completedData))
	assert.Equal(t, 0, len(errored))

	observable.push(&engine.Snapshot{
		NetworkStatus: engine.NetworkStatusError,
		Err:           errors.New("resolver failure"),
	})
	assert.Equal(t, 1, len(errored))
}
