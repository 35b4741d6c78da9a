package api

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Command names accepted by POST /api.
const (
	CommandID        = "id"
	CommandAddresses = "addresses"
	CommandUpload    = "upload"
	CommandDownload  = "download"
)

// Command is the body of a control request. Which fields matter depends on
// Command; an upload with Hash and no Files is a check-key query.
type Command struct {
	Command string            `json:"command"`
	ID      *string           `json:"id,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Hash    string            `json:"hash,omitempty"`
	Dest    string            `json:"dest,omitempty"`
	Peers   []PeerInfo        `json:"peers,omitempty"`
	Size    *uint64           `json:"size,omitempty"`
	// Timeout is in seconds.
	Timeout *float64 `json:"timeout,omitempty"`
}

func (c *Command) timeout() time.Duration {
	if c.Timeout == nil || *c.Timeout <= 0 {
		return 0
	}

	return time.Duration(*c.Timeout * float64(time.Second))
}

// PeerInfo is a peer address, encoded as {"TCP": ["<ip>", <port>]}.
type PeerInfo struct {
	Host string
	Port uint16
}

func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

func (p PeerInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][2]any{"TCP": {p.Host, p.Port}})
}

func (p *PeerInfo) UnmarshalJSON(b []byte) error {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	tcp, ok := raw["TCP"]
	if !ok || len(raw) != 1 {
		return fmt.Errorf("peer %s: only TCP peers are supported", b)
	}

	if len(tcp) != 2 {
		return fmt.Errorf("peer %s: want [address, port]", b)
	}

	if err := json.Unmarshal(tcp[0], &p.Host); err != nil {
		return fmt.Errorf("peer address: %w", err)
	}

	if err := json.Unmarshal(tcp[1], &p.Port); err != nil {
		return fmt.Errorf("peer port: %w", err)
	}

	return nil
}

type IDResult struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type TCPAddress struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type AddressSpec struct {
	TCP TCPAddress `json:"TCP"`
}

type AddressesResult struct {
	Addresses AddressSpec `json:"addresses"`
}

type UploadResult struct {
	Hash string `json:"hash"`
}

type DownloadResult struct {
	Files []string `json:"files"`
}

type ErrorResult struct {
	Error string `json:"error"`
}
