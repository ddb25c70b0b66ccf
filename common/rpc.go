package common

import (
	"context"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	"github.com/pkg/errors"
)

// ServeRPC registers rcvr under name on a fresh rpc server and serves it
// over HTTP on listenAddress until the returned listener is closed.
func ServeRPC(name string, rcvr interface{}, listenAddress string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(name, rcvr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "listen error on %s", listenAddress)
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)
	go http.Serve(ln, mux)
	return ln, nil
}

// RPCClient is a lazily dialed net/rpc connection that redials after the
// server went away.
type RPCClient struct {
	addr   string
	mu     sync.Mutex
	client *rpc.Client
}

func NewRPCClient(addr string) *RPCClient {
	return &RPCClient{addr: addr}
}

// Addr is the remote address.
func (c *RPCClient) Addr() string {
	return c.addr
}

func (c *RPCClient) get() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := rpc.DialHTTP("tcp", c.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to reach %s", c.addr)
	}
	c.client = client
	return client, nil
}

func (c *RPCClient) reset(client *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.client.Close()
		c.client = nil
	}
}

// Call invokes method and waits for the reply or ctx.
func (c *RPCClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	for attempt := 0; ; attempt++ {
		client, err := c.get()
		if err != nil {
			return err
		}
		call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-call.Done:
		}
		if call.Error == rpc.ErrShutdown && attempt == 0 {
			c.reset(client)
			continue
		}
		return call.Error
	}
}

// Close drops the connection.
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
