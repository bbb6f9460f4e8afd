package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/pkg/bytesize"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/spf13/cobra"
)

var (
	trackerAddr   string
	clientTimeout time.Duration
)

func newClientCmds() []*cobra.Command {
	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List the groups known to a tracker",
		Args:  cobra.NoArgs,
		RunE:  runGroups,
	}

	storagesCmd := &cobra.Command{
		Use:   "storages <group>",
		Short: "List the storage nodes of a group",
		Args:  cobra.ExactArgs(1),
		RunE:  runStorages,
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print its file id",
		Long: `Upload a file to the storage node chosen by the tracker.

Examples:
  filemesh upload ./photo.jpg
  filemesh upload ./photo.jpg --meta width=1024 --meta height=768`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	uploadCmd.Flags().StringArray("meta", nil, "metadata as name=value (repeatable)")

	downloadCmd := &cobra.Command{
		Use:   "download <file-id> [dest]",
		Short: "Download a file; writes to stdout without dest",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runDownload,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <file-id>",
		Short: "Delete a file from its group",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	metaCmd := &cobra.Command{
		Use:   "meta",
		Short: "Read or change file metadata",
	}
	metaGetCmd := &cobra.Command{
		Use:   "get <file-id>",
		Short: "Print the metadata of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runMetaGet,
	}
	metaSetCmd := &cobra.Command{
		Use:   "set <file-id> [name=value...]",
		Short: "Replace or merge the metadata of a file",
		Long: `Replace the metadata of a file, or merge into it with --merge. With no
pairs and no --merge the metadata is removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runMetaSet,
	}
	metaSetCmd.Flags().Bool("merge", false, "merge into the existing metadata")
	metaCmd.AddCommand(metaGetCmd, metaSetCmd)

	cmds := []*cobra.Command{groupsCmd, storagesCmd, uploadCmd, downloadCmd, deleteCmd, metaCmd}
	for _, c := range cmds {
		c.PersistentFlags().StringVarP(&trackerAddr, "tracker", "t", "127.0.0.1:22122", "tracker address")
		c.PersistentFlags().DurationVar(&clientTimeout, "timeout", client.DefaultTimeout, "network timeout")
	}
	return cmds
}

// parseFileID splits "group/filename".
func parseFileID(s string) (proto.FileID, error) {
	group, name, ok := strings.Cut(s, "/")
	if !ok || group == "" || name == "" {
		return proto.FileID{}, fmt.Errorf("invalid file id %q, expected group/filename", s)
	}
	if err := proto.ValidateGroupName(group); err != nil {
		return proto.FileID{}, err
	}
	return proto.FileID{Group: group, Filename: name}, nil
}

func formatFileID(id proto.FileID) string {
	return id.Group + "/" + id.Filename
}

// parseMeta turns name=value arguments into metadata pairs.
func parseMeta(args []string) ([]proto.MetaPair, error) {
	pairs := make([]proto.MetaPair, 0, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected name=value", a)
		}
		pairs = append(pairs, proto.MetaPair{Name: name, Value: value})
	}
	return pairs, nil
}

// withTracker runs fn on a tracker connection and quits afterwards.
func withTracker(ctx context.Context, fn func(c *client.Conn) error) error {
	c, err := client.Dial(ctx, trackerAddr, clientTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := fn(c); err != nil {
		return err
	}
	return c.Quit()
}

// withStorage asks the tracker for a storage node with lookup and runs fn
// on a connection to it.
func withStorage(ctx context.Context, lookup func(c *client.Conn) (proto.ServerAddr, error), fn func(c *client.Conn) error) error {
	var addr proto.ServerAddr
	if err := withTracker(ctx, func(c *client.Conn) (err error) {
		addr, err = lookup(c)
		return err
	}); err != nil {
		return fmt.Errorf("query tracker: %w", err)
	}

	c, err := client.Dial(ctx, net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)), clientTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := fn(c); err != nil {
		return err
	}
	return c.Quit()
}

func fetchLookup(id proto.FileID) func(c *client.Conn) (proto.ServerAddr, error) {
	return func(c *client.Conn) (proto.ServerAddr, error) {
		return c.QueryFetch(id.Group, id.Filename)
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runGroups(cmd *cobra.Command, args []string) error {
	var groups []proto.GroupInfo
	err := withTracker(cmd.Context(), func(c *client.Conn) (err error) {
		groups, err = c.ListGroups()
		return err
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GROUP\tFREE\tSTORAGES\tACTIVE\tPORT")
	for _, g := range groups {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
			g.Name, bytesize.Size(g.FreeMB*bytesize.MB), g.Count, g.ActiveCount, g.StoragePort)
	}
	return w.Flush()
}

func runStorages(cmd *cobra.Command, args []string) error {
	var storages []proto.StorageInfo
	err := withTracker(cmd.Context(), func(c *client.Conn) (err error) {
		storages, err = c.ListStorages(args[0])
		return err
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "IP\tSTATUS\tTOTAL\tFREE\tUPLOADS\tDOWNLOADS")
	for _, s := range storages {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\n",
			s.IP, s.Status,
			bytesize.Size(s.TotalMB*bytesize.MB), bytesize.Size(s.FreeMB*bytesize.MB),
			s.Stat.SuccessUpload, s.Stat.TotalUpload,
			s.Stat.SuccessDownload, s.Stat.TotalDownload)
	}
	return w.Flush()
}

func runUpload(cmd *cobra.Command, args []string) error {
	rawMeta, _ := cmd.Flags().GetStringArray("meta")
	meta, err := parseMeta(rawMeta)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	ext := strings.TrimPrefix(filepath.Ext(args[0]), ".")
	if len(ext) > proto.FileExtNameMaxLen {
		ext = ""
	}

	var id proto.FileID
	err = withStorage(cmd.Context(),
		func(c *client.Conn) (proto.ServerAddr, error) { return c.QueryStore() },
		func(c *client.Conn) (err error) {
			id, err = c.Upload(ext, meta, f, info.Size())
			return err
		})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatFileID(id))
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	id, err := parseFileID(args[0])
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	return withStorage(cmd.Context(), fetchLookup(id), func(c *client.Conn) error {
		_, err := c.Download(id, out)
		return err
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	return withStorage(cmd.Context(), fetchLookup(id), func(c *client.Conn) error {
		return c.Delete(id)
	})
}

func runMetaGet(cmd *cobra.Command, args []string) error {
	id, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	var meta []proto.MetaPair
	err = withStorage(cmd.Context(), fetchLookup(id), func(c *client.Conn) (err error) {
		meta, err = c.GetMetadata(id)
		return err
	})
	if err != nil {
		return err
	}
	for _, p := range meta {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", p.Name, p.Value)
	}
	return nil
}

func runMetaSet(cmd *cobra.Command, args []string) error {
	id, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	meta, err := parseMeta(args[1:])
	if err != nil {
		return err
	}
	flag := proto.MetaOverwrite
	if merge, _ := cmd.Flags().GetBool("merge"); merge {
		flag = proto.MetaMerge
	}
	return withStorage(cmd.Context(), fetchLookup(id), func(c *client.Conn) error {
		return c.SetMetadata(id, meta, flag)
	})
}
