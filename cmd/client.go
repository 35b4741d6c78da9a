package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/blobxfer/internal/api"
)

func newIDCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the node id and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			res, err := c.ID(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.ID, res.Version)

			return nil
		},
	}
}

func newAddressesCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "Print the peer listener address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			res, err := c.Addresses(cmd.Context())
			if err != nil {
				return err
			}

			tcp := res.Addresses.TCP
			fmt.Fprintln(cmd.OutOrStdout(), api.PeerInfo{Host: tcp.Address, Port: uint16(tcp.Port)}.Addr())

			return nil
		},
	}
}

func newUploadCommand(flags *globalFlags) *cobra.Command {
	var (
		label   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Share a file and print its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			if label == "" {
				label = filepath.Base(path)
			}

			c, err := flags.client()
			if err != nil {
				return err
			}

			hash, err := c.Upload(cmd.Context(), path, label, timeout)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "name downloads are saved under (default: file base name)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up hashing after this long")

	return cmd
}

func newCheckCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check <hash>",
		Short: "Check whether the node shares a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			hash, err := c.CheckKey(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wait this long for the hash to become available")

	return cmd
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	var (
		peers   []string
		size    uint64
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download <hash> <dest>",
		Short: "Fetch a hash from peers into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]api.PeerInfo, 0, len(peers))

			for _, p := range peers {
				info, err := parsePeer(p)
				if err != nil {
					return err
				}

				infos = append(infos, info)
			}

			dest, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			var sizePtr *uint64
			if cmd.Flags().Changed("size") {
				sizePtr = &size
			}

			c, err := flags.client()
			if err != nil {
				return err
			}

			files, err := c.Download(cmd.Context(), args[0], dest, infos, sizePtr, timeout)
			if err != nil {
				return err
			}

			for _, f := range files {
				line := f
				if st, err := os.Stat(f); err == nil {
					line = fmt.Sprintf("%s (%s)", f, humanize.IBytes(uint64(st.Size())))
				}

				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer address host:port (repeatable)")
	cmd.Flags().Uint64Var(&size, "size", 0, "expected blob size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default: node setting)")

	return cmd
}
