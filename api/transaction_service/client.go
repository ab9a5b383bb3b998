package transactionservice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/transaction"
)

// enabledCheckTimeout bounds the one-time Enabled check to the manager.
const enabledCheckTimeout = 5 * time.Second

// Client calls a remote transaction manager. It satisfies the agent's
// ManagerClient.
type Client struct {
	conn        grpc.ClientConnInterface
	enabledOnce sync.Once
	disabled    atomic.Bool
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.FailedPrecondition:
		c.disabled.Store(true)
		return fmt.Errorf("%s: %w", method, transaction.ErrTransactionsUnavailable)
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
}

// Enabled reports whether the remote manager serves transactions. The first
// call asks the manager; an unreachable manager counts as enabled so that
// starts fail with a start failure instead. Any call rejected because
// transactions are off disables the client for good.
func (c *Client) Enabled() bool {
	c.enabledOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), enabledCheckTimeout)
		defer cancel()
		resp := new(EnabledResponse)
		if err := c.invoke(ctx, enabledMethod, &EnabledRequest{}, resp); err != nil {
			return
		}
		if !resp.Enabled {
			c.disabled.Store(true)
		}
	})
	return !c.disabled.Load()
}

func (c *Client) StartTransactions(ctx context.Context, timeouts []time.Duration) ([]transaction.Started, error) {
	resp := new(StartResponse)
	if err := c.invoke(ctx, startMethod, &StartRequest{Timeouts: timeouts}, resp); err != nil {
		return nil, err
	}
	if len(resp.Started) != len(timeouts) {
		return nil, fmt.Errorf("%s: got %d ids for %d requests", startMethod, len(resp.Started), len(timeouts))
	}
	return resp.Started, nil
}

func (c *Client) CommitTransactions(ctx context.Context, txs []transaction.Snapshot, readOnly []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	resp := new(OutcomesResponse)
	if err := c.invoke(ctx, commitMethod, &CommitRequest{Transactions: txs, ReadOnly: readOnly}, resp); err != nil {
		return nil, err
	}
	return outcomeMap(resp.Outcomes), nil
}

func (c *Client) AbortTransactions(ctx context.Context, ids []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	resp := new(OutcomesResponse)
	if err := c.invoke(ctx, abortMethod, &AbortRequest{IDs: ids}, resp); err != nil {
		return nil, err
	}
	return outcomeMap(resp.Outcomes), nil
}

// Resources lists committed resources under prefix.
func (c *Client) Resources(ctx context.Context, prefix string) ([]manager.Resource, error) {
	resp := new(ResourcesResponse)
	if err := c.invoke(ctx, resourcesMethod, &ResourcesRequest{Prefix: prefix}, resp); err != nil {
		return nil, err
	}
	return resp.Resources, nil
}

// Resource returns the committed copy of ref.
func (c *Client) Resource(ctx context.Context, ref transaction.ResourceRef) (manager.Resource, bool, error) {
	resp := new(ResourceResponse)
	if err := c.invoke(ctx, resourceMethod, &ResourceRequest{Ref: ref}, resp); err != nil {
		return manager.Resource{}, false, err
	}
	return resp.Resource, resp.Found, nil
}
