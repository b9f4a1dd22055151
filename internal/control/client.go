package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client sends commands to a running daemon.
type Client struct {
	socketPath string
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send performs one exchange and returns the raw response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, ioTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// call sends command and turns an unsuccessful response into an error.
func (c *Client) call(command string) (*Response, error) {
	resp, err := c.Send(Request{Command: command})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// Status returns the aggregate status and one row per session.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.call(CmdStatus)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// Start starts relaying.
func (c *Client) Start() error {
	_, err := c.call(CmdStart)
	return err
}

// Stop stops relaying. The daemon keeps running.
func (c *Client) Stop() error {
	_, err := c.call(CmdStop)
	return err
}

// Reload makes the daemon re-read its config file.
func (c *Client) Reload() error {
	_, err := c.call(CmdReload)
	return err
}
