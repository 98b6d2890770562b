package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Safegate.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to shut down.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Safegate.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CleanupNow forces an immediate cleanup pass.
func (c *Client) CleanupNow() (*CleanupNowResponse, error) {
	var resp CleanupNowResponse
	if err := c.client.Call("Safegate.CleanupNow", CleanupNowRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerList fetches the scheduled deletions.
func (c *Client) LedgerList() (*LedgerListResponse, error) {
	var resp LedgerListResponse
	if err := c.client.Call("Safegate.LedgerList", LedgerListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recipient answers the pending recipient prompt.
func (c *Client) Recipient(address string) (*RecipientResponse, error) {
	var resp RecipientResponse
	if err := c.client.Call("Safegate.Recipient", RecipientRequest{Address: address}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecipientCancel cancels the pending recipient prompt.
func (c *Client) RecipientCancel() (*RecipientResponse, error) {
	var resp RecipientResponse
	if err := c.client.Call("Safegate.Recipient", RecipientRequest{Cancel: true}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
