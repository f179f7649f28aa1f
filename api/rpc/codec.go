// Package rpc carries the master and replica APIs over gRPC. Messages are
// plain Go structs encoded as JSON through a codec registered under the
// "json" content-subtype, so no generated code is involved.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype both sides negotiate.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// callOpts selects the JSON codec on every outgoing call.
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	// ID is set on master-to-replica calls only.
	ID uint64 `json:"id,omitempty"`
}

type DeleteRequest struct {
	Key string `json:"key"`
	ID  uint64 `json:"id,omitempty"`
}

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// TxnRequest names a transaction for VoteReq, Commit, Abort and TransactionState.
type TxnRequest struct {
	ID uint64 `json:"id"`
}

type AckResponse struct {
	OK bool `json:"ok"`
}

type StateResponse struct {
	State string `json:"state"`
}
