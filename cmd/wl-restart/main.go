package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	wlrestart "github.com/loykin/wl-restart"
	"github.com/loykin/wl-restart/internal/config"
	"github.com/loykin/wl-restart/internal/logger"
	"github.com/loykin/wl-restart/internal/process"
)

// exit ends the process on a quit signal.
var exit = os.Exit

func main() {
	if len(os.Args) > 1 && os.Args[1] == process.ShimCommand {
		os.Exit(execShim(os.Args[2:], os.Stderr))
	}
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, wlrestart.ErrQuit):
		// already logged by the signal path
		return 1
	default:
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rf := &RootFlags{}
	root := &cobra.Command{
		Use:   "wl-restart [[options] --] <compositor args>",
		Short: "Compositor restart helper",
		Long: `compositor restart helper. restarts your compositor when it
crashes and keeps the wayland socket alive.`,
		Example: `  wl-restart kwin_wayland --xwayland
  wl-restart -n 3 --env -- sway
  wl-restart --systemd --metrics-listen 127.0.0.1:9750 -- my-compositor`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runSupervisor(cmd, rf, args, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().SetInterspersed(false)
	root.Flags().SortFlags = false
	addFlags(root.Flags(), rf)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w, see --help", err)
	})
	return root
}

func runSupervisor(cmd *cobra.Command, rf *RootFlags, argv []string, stderr io.Writer) error {
	v := config.NewViper()
	if err := bindFlags(v, cmd.Flags(), rf); err != nil {
		return err
	}
	cfg, err := config.Load(v, rf.ConfigPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Journal:    cfg.Log.Journal,
	}, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(log)

	r := wlrestart.New(*cfg, wlrestart.WithLogger(log), wlrestart.WithExit(exit))
	return r.Run(cmd.Context(), argv)
}

// execShim is the child side of every launch: it finishes the socket handoff
// and replaces itself with the compositor.
func execShim(args []string, stderr io.Writer) int {
	req, err := process.ParseExecArgs(args)
	if err == nil {
		err = process.ExecChild(req)
	}
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return process.ExitExecFailed
}
