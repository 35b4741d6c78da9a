// Package cmd implements the blobxfer command line: the serve command that runs
// a node, and client commands that drive a running node over its control API.
package cmd

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/blobxfer/internal/api"
	"github.com/NamanBalaji/blobxfer/internal/config"
	"github.com/NamanBalaji/blobxfer/internal/node"
)

type globalFlags struct {
	configPath string
	debug      bool
	rpcPort    int
	port       int
	dataDir    string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "blobxfer",
		Short:         "Share and fetch content-addressed files between peers",
		Version:       node.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pf.IntVar(&flags.rpcPort, "rpc-port", 0, "control API port")
	pf.IntVar(&flags.port, "port", 0, "peer listener port")
	pf.StringVar(&flags.dataDir, "db", "", "data directory holding the index, log and downloads")

	root.AddCommand(
		newServeCommand(flags),
		newIDCommand(flags),
		newAddressesCommand(flags),
		newUploadCommand(flags),
		newCheckCommand(flags),
		newDownloadCommand(flags),
	)

	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f.rpcPort != 0 {
		cfg.RPC.Port = f.rpcPort
	}

	if f.port != 0 {
		cfg.Listen.Port = f.port
	}

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (f *globalFlags) client() (*api.Client, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	return api.NewClient(cfg.RPC.Addr()), nil
}

// parsePeer turns host:port into a PeerInfo.
func parsePeer(s string) (api.PeerInfo, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return api.PeerInfo{}, fmt.Errorf("peer %q: %w", s, err)
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return api.PeerInfo{}, fmt.Errorf("peer %q: bad port", s)
	}

	return api.PeerInfo{Host: host, Port: uint16(p)}, nil
}
