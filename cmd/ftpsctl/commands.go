package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/gonzalop/ftps"
	"github.com/spf13/cobra"
)

func (a *app) lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [remote-dir]",
		Short: "List file names in a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
				names, err := c.List(ctx, dir)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(a.out, name)
				}
				return nil
			})
		},
	}
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get remote-file [local-file]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}
			return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
				n, err := a.download(ctx, c, remote, local)
				if err != nil {
					return err
				}
				a.success("Downloaded %s to %s (%d bytes)", remote, local, n)
				return nil
			})
		},
	}
}

// download copies remote into local and removes local again if the
// transfer does not complete.
func (a *app) download(ctx context.Context, c *ftps.Client, remote, local string) (int64, error) {
	stream, err := c.Retrieve(ctx, remote)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	file, err := os.Create(local)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	w := &ftps.ProgressWriter{Writer: file, Callback: a.progressFunc(remote)}
	_, err = io.Copy(w, stream)
	a.progressDone()
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(local)
		return 0, err
	}
	return w.Transferred(), nil
}

func (a *app) putCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put local-file [remote-file]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			remote := path.Base(local)
			if len(args) == 2 {
				remote = args[1]
			}

			file, err := os.Open(local)
			if err != nil {
				return fmt.Errorf("failed to open local file: %w", err)
			}
			defer file.Close()

			return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
				r := &ftps.ProgressReader{Reader: file, Callback: a.progressFunc(local)}
				err := c.Store(ctx, remote, r)
				a.progressDone()
				if err != nil {
					return err
				}
				a.success("Uploaded %s to %s (%d bytes)", local, remote, r.Transferred())
				return nil
			})
		},
	}
}

func (a *app) mvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mv from to",
		Short: "Rename a remote file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
				text, err := c.Rename(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				a.success("%s", text)
				return nil
			})
		},
	}
}

func (a *app) rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm remote-file...",
		Short: "Delete remote files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
				for _, name := range args {
					text, err := c.Delete(ctx, name)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					a.success("%s", text)
				}
				return nil
			})
		},
	}
}
