package rpc

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/twopc/core/master"
	"github.com/sushant-115/twopc/core/replica"
	"github.com/sushant-115/twopc/core/transaction"
	"github.com/sushant-115/twopc/pkg/connection"
)

func invoke(ctx context.Context, conns *connection.ConnectionManager, address, service, method string, req, resp any) error {
	conn, err := conns.Get(address)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, fullMethod(service, method), req, resp, callOpts...)
}

// MasterClient calls a remote twopc.Master. It is what replicas use for the
// termination protocol and what the CLI uses for everything.
type MasterClient struct {
	conns   *connection.ConnectionManager
	address string
}

func NewMasterClient(conns *connection.ConnectionManager, address string) *MasterClient {
	return &MasterClient{conns: conns, address: address}
}

func (c *MasterClient) Address() string { return c.address }

func (c *MasterClient) call(ctx context.Context, method string, req, resp any) error {
	return invoke(ctx, c.conns, c.address, masterServiceName, method, req, resp)
}

// Put and Delete refuse invalid UTF-8 before sending, since the JSON
// encoding would silently replace it.
func (c *MasterClient) Put(ctx context.Context, key, value string) (bool, error) {
	if !utf8.ValidString(key) {
		return false, fmt.Errorf("%w: must be valid UTF-8", master.ErrInvalidKey)
	}
	if !utf8.ValidString(value) {
		return false, master.ErrInvalidValue
	}
	var resp AckResponse
	if err := c.call(ctx, "Put", &PutRequest{Key: key, Value: value}, &resp); err != nil {
		return false, fromMasterStatus(err)
	}
	return resp.OK, nil
}

func (c *MasterClient) Delete(ctx context.Context, key string) (bool, error) {
	if !utf8.ValidString(key) {
		return false, fmt.Errorf("%w: must be valid UTF-8", master.ErrInvalidKey)
	}
	var resp AckResponse
	if err := c.call(ctx, "Delete", &DeleteRequest{Key: key}, &resp); err != nil {
		return false, fromMasterStatus(err)
	}
	return resp.OK, nil
}

// Get returns master.ErrUnavailable (wrapped) when the master could not
// reach any replica, or could not be reached itself.
func (c *MasterClient) Get(ctx context.Context, key string) (string, bool, error) {
	var resp GetResponse
	if err := c.call(ctx, "Get", &GetRequest{Key: key}, &resp); err != nil {
		return "", false, fromMasterStatus(err)
	}
	return resp.Value, resp.Found, nil
}

func (c *MasterClient) TransactionState(ctx context.Context, id uint64) (transaction.State, error) {
	var resp StateResponse
	if err := c.call(ctx, "TransactionState", &TxnRequest{ID: id}, &resp); err != nil {
		return "", err
	}
	return transaction.ParseState(resp.State)
}

func fromMasterStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", master.ErrUnavailable, st.Message())
	case codes.InvalidArgument:
		if strings.HasPrefix(st.Message(), master.ErrInvalidValue.Error()) {
			return fmt.Errorf("%w: %s", master.ErrInvalidValue, st.Message())
		}
		return fmt.Errorf("%w: %s", master.ErrInvalidKey, st.Message())
	}
	return err
}

// ReplicaClient calls a remote twopc.Replica on behalf of the master.
type ReplicaClient struct {
	conns   *connection.ConnectionManager
	address string
}

func NewReplicaClient(conns *connection.ConnectionManager, address string) *ReplicaClient {
	return &ReplicaClient{conns: conns, address: address}
}

func (c *ReplicaClient) Address() string { return c.address }

func (c *ReplicaClient) ack(ctx context.Context, method string, req any) (bool, error) {
	var resp AckResponse
	if err := invoke(ctx, c.conns, c.address, replicaServiceName, method, req, &resp); err != nil {
		return false, fmt.Errorf("replica %s: %s: %w", c.address, method, err)
	}
	return resp.OK, nil
}

func (c *ReplicaClient) Put(ctx context.Context, key, value string, id uint64) (bool, error) {
	return c.ack(ctx, "Put", &PutRequest{Key: key, Value: value, ID: id})
}

func (c *ReplicaClient) Delete(ctx context.Context, key string, id uint64) (bool, error) {
	return c.ack(ctx, "Delete", &DeleteRequest{Key: key, ID: id})
}

func (c *ReplicaClient) VoteReq(ctx context.Context, id uint64) (bool, error) {
	return c.ack(ctx, "VoteReq", &TxnRequest{ID: id})
}

func (c *ReplicaClient) Commit(ctx context.Context, id uint64) (bool, error) {
	return c.ack(ctx, "Commit", &TxnRequest{ID: id})
}

func (c *ReplicaClient) Abort(ctx context.Context, id uint64) (bool, error) {
	return c.ack(ctx, "Abort", &TxnRequest{ID: id})
}

func (c *ReplicaClient) Get(ctx context.Context, key string) (string, bool, error) {
	var resp GetResponse
	if err := invoke(ctx, c.conns, c.address, replicaServiceName, "Get", &GetRequest{Key: key}, &resp); err != nil {
		return "", false, fmt.Errorf("replica %s: Get: %w", c.address, err)
	}
	return resp.Value, resp.Found, nil
}

var (
	_ master.ReplicaClient = (*ReplicaClient)(nil)
	_ replica.MasterClient = (*MasterClient)(nil)
)
