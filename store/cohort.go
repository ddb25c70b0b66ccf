package store

import (
	"context"
	"net"

	"github.com/shard-txn-router/common"
)

// Cohort exposes a Store to routers as the net/rpc service "Shard".
type Cohort struct {
	store *Store
	ln    net.Listener
}

// StartCohort starts the rpc server of store on listenAddress.
func StartCohort(store *Store, listenAddress string) (*Cohort, error) {
	c := &Cohort{store: store}
	ln, err := common.ServeRPC("Shard", c, listenAddress)
	if err != nil {
		return nil, err
	}
	c.ln = ln
	c.store.log.Infof("RPC server started successfully on %s", ln.Addr())
	return c, nil
}

// Execute processes one statement or transaction control command from a
// router.
func (c *Cohort) Execute(req *common.ShardRequest, reply *common.ShardResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), common.RPCTimeout)
	defer cancel()
	*reply = *c.store.Execute(ctx, req)
	return nil
}

// Addr is the bound address.
func (c *Cohort) Addr() string {
	return c.ln.Addr().String()
}

// Close stops accepting requests.
func (c *Cohort) Close() error {
	return c.ln.Close()
}

// RemoteShard is the router side of a Cohort.
type RemoteShard struct {
	ID  string
	rpc *common.RPCClient
}

func NewRemoteShard(id, addr string) *RemoteShard {
	return &RemoteShard{ID: id, rpc: common.NewRPCClient(addr)}
}

func (s *RemoteShard) Send(ctx context.Context, req *common.ShardRequest) (*common.ShardResponse, error) {
	var resp common.ShardResponse
	if err := s.rpc.Call(ctx, "Shard.Execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *RemoteShard) Close() error {
	return s.rpc.Close()
}
