package wsengine

import (
	"encoding/json"

	"github.com/streamweave/liveql/engine"
)

// wire frames are json text messages. an empty message is a ping

type frameOp string

const (
	frameOpAuth        frameOp = "auth"
	frameOpSubscribe   frameOp = "subscribe"
	frameOpUnsubscribe frameOp = "unsubscribe"
	frameOpRefetch     frameOp = "refetch"
	frameOpFetchMore   frameOp = "fetch_more"
	frameOpNext        frameOp = "next"
	frameOpError       frameOp = "error"
	frameOpComplete    frameOp = "complete"
)

type frame struct {
	Op frameOp `json:"op"`

	// client -> server
	ByJwt          string             `json:"by_jwt,omitempty"`
	SubscriptionId *engine.Id         `json:"subscription_id,omitempty"`
	QueryName      string             `json:"query_name,omitempty"`
	QueryDocument  string             `json:"query_document,omitempty"`
	Variables      engine.Variables   `json:"variables,omitempty"`
	FetchPolicy    engine.FetchPolicy `json:"fetch_policy,omitempty"`

	// server -> client
	Data          engine.Data          `json:"data,omitempty"`
	Loading       bool                 `json:"loading,omitempty"`
	NetworkStatus engine.NetworkStatus `json:"network_status,omitempty"`
	Error         string               `json:"error,omitempty"`
}

func encodeFrame(f *frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(message []byte) (*frame, error) {
	f := &frame{}
	if err := json.Unmarshal(message, f); err != nil {
		return nil, err
	}
	return f, nil
}

func subscribeFrame(subscriptionId engine.Id, config engine.QueryConfig) *frame {
	return &frame{
		Op:             frameOpSubscribe,
		SubscriptionId: &subscriptionId,
		QueryName:      config.Query.Name,
		QueryDocument:  config.Query.Document,
		Variables:      config.Variables,
		FetchPolicy:    config.FetchPolicy,
	}
}
