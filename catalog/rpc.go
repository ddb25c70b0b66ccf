package catalog

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/shard-txn-router/common"
	log "github.com/sirupsen/logrus"
)

// LookupArgs names a database.
type LookupArgs struct {
	DB string
}

// PlacementArgs is used by EnableSharding and MovePrimary.
type PlacementArgs struct {
	DB    string
	Shard string
}

// ShardArgs registers a shard.
type ShardArgs struct {
	ID      string
	Address string
}

// Reply carries an entry or a coded error. Codes travel explicitly since
// net/rpc flattens errors to strings.
type Reply struct {
	Entry   common.DatabaseEntry
	Shards  []common.ShardEntry
	Code    common.ErrorCode
	Message string
}

func (r *Reply) setError(err error) {
	cmdErr := common.ToCommandError(err)
	r.Code = cmdErr.Code
	r.Message = cmdErr.Message
}

func (r *Reply) err() error {
	if r.Code == common.OK {
		return nil
	}
	return &common.CommandError{Code: r.Code, Message: r.Message}
}

// Service exposes a Catalog over net/rpc.
type Service struct {
	catalog *Catalog
	ln      net.Listener
	log     *log.Entry
}

// Serve registers the service and starts accepting on listenAddress.
func Serve(logger *log.Logger, c *Catalog, listenAddress string) (*Service, error) {
	s := &Service{catalog: c, log: logger.WithField("component", "catalog-rpc")}
	ln, err := common.ServeRPC("Catalog", s, listenAddress)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.log.Infof("RPC server started successfully on %s", ln.Addr())
	return s, nil
}

// Addr is the bound address.
func (s *Service) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting.
func (s *Service) Close() error {
	return s.ln.Close()
}

func (s *Service) Lookup(args *LookupArgs, reply *Reply) error {
	entry, err := s.catalog.Lookup(context.Background(), args.DB)
	if err != nil {
		reply.setError(err)
		return nil
	}
	reply.Entry = entry
	return nil
}

func (s *Service) EnableSharding(args *PlacementArgs, reply *Reply) error {
	entry, err := s.catalog.EnableSharding(args.DB, args.Shard)
	if err != nil {
		reply.setError(err)
		return nil
	}
	reply.Entry = entry
	return nil
}

func (s *Service) MovePrimary(args *PlacementArgs, reply *Reply) error {
	entry, err := s.catalog.MovePrimary(args.DB, args.Shard)
	if err != nil {
		reply.setError(err)
		return nil
	}
	reply.Entry = entry
	return nil
}

func (s *Service) AddShard(args *ShardArgs, reply *Reply) error {
	if err := s.catalog.AddShard(args.ID, args.Address); err != nil {
		reply.setError(err)
	}
	return nil
}

func (s *Service) Shards(args *LookupArgs, reply *Reply) error {
	shards, err := s.catalog.Shards()
	if err != nil {
		reply.setError(err)
		return nil
	}
	reply.Shards = shards
	return nil
}

// Client talks to a remote catalog. It satisfies routing.Source.
type Client struct {
	rpc *common.RPCClient
}

func NewClient(addr string) *Client {
	return &Client{rpc: common.NewRPCClient(addr)}
}

func (c *Client) call(ctx context.Context, method string, args interface{}) (*Reply, error) {
	var reply Reply
	if err := c.rpc.Call(ctx, "Catalog."+method, args, &reply); err != nil {
		return nil, errors.Wrapf(err, "catalog %s at %s", method, c.rpc.Addr())
	}
	return &reply, reply.err()
}

func (c *Client) Lookup(ctx context.Context, db string) (common.DatabaseEntry, error) {
	reply, err := c.call(ctx, "Lookup", &LookupArgs{DB: db})
	if err != nil {
		return common.DatabaseEntry{}, err
	}
	return reply.Entry, nil
}

func (c *Client) EnableSharding(ctx context.Context, db, primary string) (common.DatabaseEntry, error) {
	reply, err := c.call(ctx, "EnableSharding", &PlacementArgs{DB: db, Shard: primary})
	if err != nil {
		return common.DatabaseEntry{}, err
	}
	return reply.Entry, nil
}

func (c *Client) MovePrimary(ctx context.Context, db, to string) (common.DatabaseEntry, error) {
	reply, err := c.call(ctx, "MovePrimary", &PlacementArgs{DB: db, Shard: to})
	if err != nil {
		return common.DatabaseEntry{}, err
	}
	return reply.Entry, nil
}

func (c *Client) AddShard(ctx context.Context, id, addr string) error {
	_, err := c.call(ctx, "AddShard", &ShardArgs{ID: id, Address: addr})
	return err
}

func (c *Client) Shards(ctx context.Context) ([]common.ShardEntry, error) {
	reply, err := c.call(ctx, "Shards", &LookupArgs{})
	if err != nil {
		return nil, err
	}
	return reply.Shards, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}
