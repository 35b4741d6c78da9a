package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error is a non-200 reply of the control API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client talks to the control API of a node.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for the node whose API listens on addr (host:port).
func NewClient(addr string) *Client {
	return &Client{url: "http://" + addr + "/api", http: &http.Client{}}
}

func (c *Client) ID(ctx context.Context) (IDResult, error) {
	var out IDResult
	err := c.do(ctx, Command{Command: CommandID}, &out)

	return out, err
}

func (c *Client) Addresses(ctx context.Context) (AddressesResult, error) {
	var out AddressesResult
	err := c.do(ctx, Command{Command: CommandAddresses}, &out)

	return out, err
}

// Upload shares path under label and returns the blob hash.
func (c *Client) Upload(ctx context.Context, path, label string, timeout time.Duration) (string, error) {
	var out UploadResult
	err := c.do(ctx, Command{Command: CommandUpload, Files: map[string]string{path: label}, Timeout: seconds(timeout)}, &out)

	return out.Hash, err
}

// CheckKey asks whether hash is shared, waiting up to timeout.
func (c *Client) CheckKey(ctx context.Context, hash string, timeout time.Duration) (string, error) {
	var out UploadResult
	err := c.do(ctx, Command{Command: CommandUpload, Hash: hash, Timeout: seconds(timeout)}, &out)

	return out.Hash, err
}

// Download fetches hash from peers into dest and returns the written files.
func (c *Client) Download(ctx context.Context, hash, dest string, peers []PeerInfo, size *uint64, timeout time.Duration) ([]string, error) {
	var out DownloadResult
	err := c.do(ctx, Command{
		Command: CommandDownload,
		Hash:    hash,
		Dest:    dest,
		Peers:   peers,
		Size:    size,
		Timeout: seconds(timeout),
	}, &out)

	return out.Files, err
}

func (c *Client) do(ctx context.Context, cmd Command, out any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResult
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return &Error{Status: resp.StatusCode, Message: resp.Status}
		}

		return &Error{Status: resp.StatusCode, Message: e.Error}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func seconds(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}

	s := d.Seconds()

	return &s
}
