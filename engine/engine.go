package engine

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// An execution engine owns the cache and network machinery behind live
// queries. The binding layer only ever talks to these two interfaces.

// NextFunction receives each result snapshot pushed by an observable query.
type NextFunction = func(snapshot *Snapshot)

// ErrorFunction receives terminal errors pushed by an observable query.
type ErrorFunction = func(err error)

// MergeFunction combines the previous result data with an incremental page.
type MergeFunction = func(previousData Data, fetchMoreData Data) Data

// UpdateFunction maps the current result data to replacement data.
type UpdateFunction = func(previousData Data) Data

type Engine interface {
	// stable identity for this engine instance.
	// two engines with equal client ids are still distinct instances.
	ClientId() Id
	CreateObservable(config QueryConfig) ObservableQuery
}

// ObservableQuery is one live subscription to the engine.
// All operations below `CurrentSnapshot` are pass-throughs that do not
// participate in the binding's synchronization logic.
type ObservableQuery interface {
	ObservableId() Id
	Config() QueryConfig
	// callbacks are never invoked synchronously from Subscribe itself.
	// the returned unsubscribe function is idempotent and safe to call
	// after the observable has been torn down
	Subscribe(next NextFunction, errorCallback ErrorFunction) func()
	CurrentSnapshot() *Snapshot
	// closed when the observable completes or is torn down
	Done() <-chan struct{}
	Reconfigure(config QueryConfig) error

	Refetch(variables Variables) error
	FetchMore(variables Variables, merge MergeFunction) error
	UpdateLocalResult(update UpdateFunction)
	StartPolling(pollInterval time.Duration)
	StopPolling()
	SubscribeToMore(query Query, variables Variables, update MergeFunction) func()
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
