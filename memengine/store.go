package memengine

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/streamweave/liveql/engine"
)

// WriteFunction observes each committed result write.
type WriteFunction = func(resultKey string, data engine.Data)

// Store is the engine's flat result cache: one entry per query+variables
// result key. Writes broadcast to all registered observers, which is how
// observables of the same query see each other's results.
type Store struct {
	stateLock sync.Mutex
	entries   map[string]engine.Data

	writeCallbacks *engine.CallbackList[WriteFunction]
}

func NewStore() *Store {
	return &Store{
		entries:        map[string]engine.Data{},
		writeCallbacks: engine.NewCallbackList[WriteFunction](),
	}
}

func (self *Store) Read(resultKey string) (engine.Data, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	data, ok := self.entries[resultKey]
	return data, ok
}

func (self *Store) Write(resultKey string, data engine.Data) {
	self.stateLock.Lock()
	self.entries[resultKey] = data
	self.stateLock.Unlock()

	for _, writeCallback := range self.writeCallbacks.Get() {
		writeCallback(resultKey, data)
	}
}

func (self *Store) Evict(resultKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.entries, resultKey)
}

func (self *Store) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.entries)
}

func (self *Store) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *Store) AddWriteCallback(writeCallback WriteFunction) func() {
	callbackId := self.writeCallbacks.Add(writeCallback)
	return func() {
		self.writeCallbacks.Remove(callbackId)
	}
}

// resultKey identifies a cache entry by query identity and variables.
// fetch policy is deliberately not part of the key: observables with
// different policies over the same query share one entry
func resultKey(query engine.Query, variables engine.Variables) string {
	h := fnv.New64a()
	h.Write([]byte(query.Name))
	h.Write([]byte{0})
	h.Write([]byte(query.Document))
	variablesJson, err := json.Marshal(variables)
	if err != nil {
		variablesJson = []byte(fmt.Sprintf("%v", variables))
	}
	return fmt.Sprintf("%x/%s", h.Sum64(), string(variablesJson))
}
