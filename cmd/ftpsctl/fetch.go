package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gonzalop/ftps"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// fetchFlags select and place the files fetched from a remote directory.
type fetchFlags struct {
	match string
	dest  string
}

func (f *fetchFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&f.match, "match", "m", ".", "regular expression file names must match")
	fs.StringVarP(&f.dest, "dest", "d", ".", "local directory to download into")
}

func (f *fetchFlags) compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(f.match)
	if err != nil {
		return nil, fmt.Errorf("invalid --match expression: %w", err)
	}
	return re, nil
}

// fetchResult is one row of the fetch summary.
type fetchResult struct {
	Remote string
	Local  string
	Bytes  int64
	Err    error
}

func (a *app) fetchCommand() *cobra.Command {
	var flags fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch [remote-dir]",
		Short: "Download every file in a remote directory whose name matches --match",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			re, err := flags.compile()
			if err != nil {
				return err
			}
			return a.fetchAndReport(cmd, dir, re, flags.dest)
		},
	}
	flags.add(cmd.Flags())
	return cmd
}

// fetchAndReport runs one fetch on a fresh session and prints its summary.
func (a *app) fetchAndReport(cmd *cobra.Command, dir string, re *regexp.Regexp, dest string) error {
	return a.withClient(cmd, func(ctx context.Context, c *ftps.Client) error {
		results, err := a.fetch(ctx, c, dir, re, dest)
		if err != nil {
			return err
		}
		if err := renderSummary(a.out, results); err != nil {
			return err
		}

		var failed int
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(results))
		}
		return nil
	})
}

// fetch lists dir and downloads every entry matching re into dest.
// A failed download is recorded and the next file is tried, unless the
// session itself is gone.
func (a *app) fetch(ctx context.Context, c *ftps.Client, dir string, re *regexp.Regexp, dest string) ([]fetchResult, error) {
	names, err := c.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, name := range names {
		if re.MatchString(name) {
			matched = append(matched, name)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no files matching %q in %q", re.String(), dir)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	results := make([]fetchResult, 0, len(matched))
	for _, name := range matched {
		r := fetchResult{
			Remote: remotePath(dir, name),
			Local:  filepath.Join(dest, path.Base(name)),
		}
		r.Bytes, r.Err = a.download(ctx, c, r.Remote, r.Local)
		results = append(results, r)
		if errors.Is(r.Err, ftps.ErrSessionClosed) {
			break
		}
	}
	return results, nil
}

// remotePath joins a listed name to its directory. Servers differ on
// whether NLST returns bare names or paths.
func remotePath(dir, name string) string {
	if dir == "" || strings.Contains(name, "/") {
		return name
	}
	return path.Join(dir, name)
}

func renderSummary(w io.Writer, results []fetchResult) error {
	table := tablewriter.NewWriter(w)
	table.Header("Remote", "Local", "Bytes", "Status")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		if err := table.Append([]string{r.Remote, r.Local, strconv.FormatInt(r.Bytes, 10), status}); err != nil {
			return err
		}
	}
	return table.Render()
}
