package memengine

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/streamweave/liveql/engine"
)

func TestStore(t *testing.T) {
	store := NewStore()
	query := engine.Query{Name: "tags", Document: "query tags { tags }"}
	key := resultKey(query, engine.Variables{"limit": 5})

	_, ok := store.Read(key)
	assert.Equal(t, false, ok)

	store.Write(key, engine.Data{"tags": []any{"a"}})
	data, ok := store.Read(key)
	assert.Equal(t, true, ok)
	assert.Equal(t, engine.Data{"tags": []any{"a"}}, data)
	assert.Equal(t, 1, store.Len())

	store.Evict(key)
	_, ok = store.Read(key)
	assert.Equal(t, false, ok)

	store.Write(key, engine.Data{"tags": []any{"b"}})
	store.Clear()
	assert.Equal(t, 0, store.Len())
}

func TestStoreWriteCallbacks(t *testing.T) {
	store := NewStore()
	query := engine.Query{Name: "tags", Document: "query tags { tags }"}
	key := resultKey(query, nil)

	writes := []string{}
	unsubscribe := store.AddWriteCallback(func(writtenKey string, data engine.Data) {
		writes = append(writes, writtenKey)
	})

	store.Write(key, engine.Data{"tags": []any{}})
	assert.Equal(t, []string{key}, writes)

	unsubscribe()
	// removal is idempotent
	unsubscribe()
	store.Write(key, engine.Data{"tags": []any{"a"}})
	assert.Equal(t, 1, len(writes))
}

func TestResultKey(t *testing.T) {
	query := engine.Query{Name: "user", Document: "query user($id: ID!) { user(id: $id) { id } }"}

	// map insertion order does not matter
	a := resultKey(query, engine.Variables{"id": 1, "expand": true})
	b := resultKey(query, engine.Variables{"expand": true, "id": 1})
	assert.Equal(t, a, b)

	c := resultKey(query, engine.Variables{"id": 2, "expand": true})
	assert.NotEqual(t, a, c)

	otherQuery := engine.Query{Name: "user", Document: "query user($id: ID!) { user(id: $id) { id email } }"}
	d := resultKey(otherQuery, engine.Variables{"id": 1, "expand": true})
	assert.NotEqual(t, a, d)
}
