package main

import (
	"context"
	"encoding"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/gonzalop/ftps"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// passwordEnv overrides the password from the configuration file.
const passwordEnv = "FTPS_PASSWORD"

// app holds the global flags shared by every subcommand.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	flags      ftps.Config
	timeout    time.Duration
	limit      int64
	progress   bool
	debug      bool
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	return newApp(out, errOut).rootCommand()
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:    out,
		errOut: errOut,
		flags: ftps.Config{
			Username: "anonymous",
			Security: ftps.SecurityExplicitTLS,
			DataMode: ftps.DataModeEPSV,
		},
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ftpsctl",
		Short:         "Transfer files over FTP and explicit FTPS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	a.addFlags(root.PersistentFlags())

	root.AddCommand(
		a.lsCommand(),
		a.getCommand(),
		a.putCommand(),
		a.mvCommand(),
		a.rmCommand(),
		a.fetchCommand(),
		a.watchCommand(),
	)
	return root
}

func (a *app) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.configPath, "config", "c", "", "session configuration file (TOML)")
	fs.StringVar(&a.flags.Host, "host", "", "server host name or address")
	fs.IntVarP(&a.flags.Port, "port", "P", 21, "server control port")
	fs.StringVarP(&a.flags.Username, "user", "u", a.flags.Username, "login user name")
	fs.Var(textFlag{&a.flags.Security, "mode"}, "security", "plain or explicit-tls")
	fs.Var(textFlag{&a.flags.DataMode, "mode"}, "data-mode", "epsv or pasv")
	fs.BoolVarP(&a.flags.InsecureSkipVerify, "insecure", "k", false, "accept server certificates that cannot be verified")
	fs.DurationVar(&a.timeout, "timeout", 30*time.Second, "connect, reply and data timeout")
	fs.Int64Var(&a.limit, "limit", 0, "per-transfer bandwidth limit in bytes per second (0 means unlimited)")
	fs.BoolVar(&a.progress, "progress", false, "report transfer progress on stderr")
	fs.BoolVar(&a.debug, "debug", false, "log the control conversation")
}

// textFlag adapts the configuration enums to pflag.
type textFlag struct {
	v interface {
		encoding.TextUnmarshaler
		fmt.Stringer
	}
	typ string
}

func (f textFlag) Set(s string) error { return f.v.UnmarshalText([]byte(s)) }
func (f textFlag) String() string     { return f.v.String() }
func (f textFlag) Type() string       { return f.typ }

// config resolves the session configuration. Flags given explicitly on the
// command line override the configuration file.
func (a *app) config(fs *pflag.FlagSet) (ftps.Config, error) {
	cfg := a.flags
	if a.configPath != "" {
		loaded, err := ftps.LoadConfig(a.configPath)
		if err != nil {
			return ftps.Config{}, err
		}
		cfg = *loaded
		overrides := map[string]func(){
			"host":      func() { cfg.Host = a.flags.Host },
			"port":      func() { cfg.Port = a.flags.Port },
			"user":      func() { cfg.Username = a.flags.Username },
			"security":  func() { cfg.Security = a.flags.Security },
			"data-mode": func() { cfg.DataMode = a.flags.DataMode },
			"insecure":  func() { cfg.InsecureSkipVerify = a.flags.InsecureSkipVerify },
		}
		for name, apply := range overrides {
			if fs.Changed(name) {
				apply()
			}
		}
	}
	if pw, ok := os.LookupEnv(passwordEnv); ok {
		cfg.Password = pw
	}
	if err := cfg.Validate(); err != nil {
		return ftps.Config{}, err
	}
	return cfg, nil
}

func (a *app) logger() *slog.Logger {
	level := slog.LevelWarn
	if a.debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))
}

func (a *app) dial(ctx context.Context, fs *pflag.FlagSet) (*ftps.Client, error) {
	cfg, err := a.config(fs)
	if err != nil {
		return nil, err
	}

	opts := []ftps.Option{
		ftps.WithTimeout(a.timeout),
		ftps.WithLogger(a.logger()),
	}
	if a.limit > 0 {
		opts = append(opts, ftps.WithBandwidthLimit(a.limit))
	}
	return ftps.Dial(ctx, cfg, opts...)
}

// withClient runs fn on a fresh session and quits it afterwards. The
// session is closed without QUIT when fn fails.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ftps.Client) error) error {
	ctx := cmd.Context()
	c, err := a.dial(ctx, cmd.Flags())
	if err != nil {
		return err
	}

	if err := fn(ctx, c); err != nil {
		_ = c.Close()
		return err
	}
	if _, err := c.Quit(ctx); err != nil {
		a.logger().Warn("quit failed", "error", err)
	}
	return nil
}

func (a *app) success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(a.out, format+"\n", args...)
}

func (a *app) warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(a.errOut, format+"\n", args...)
}

// progressFunc returns a callback printing the running byte count for name,
// or nil when progress reporting is off.
func (a *app) progressFunc(name string) ftps.ProgressFunc {
	if !a.progress {
		return nil
	}
	info := color.New(color.FgCyan)
	return func(n int64) {
		info.Fprintf(a.errOut, "\r%s: %d bytes", name, n)
	}
}

func (a *app) progressDone() {
	if a.progress {
		fmt.Fprintln(a.errOut)
	}
}
