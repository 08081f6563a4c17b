// Package main is the entrypoint for the pbs-gestor accounting log ingester.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
	"github.com/kiranshivaraju/pbsgestor/internal/scanner"
	"github.com/spf13/cobra"
)

type options struct {
	from       string
	till       string
	showConfig bool
	configFile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pbs-gestor:", err)
	}
	os.Exit(apperr.ExitCode(err))
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "pbs-gestor",
		Short: "Ingest PBS accounting logs into PostgreSQL",
		Long: `pbs-gestor reads the daily PBS accounting files, stores every job and
resource fact in PostgreSQL and keeps pivot views over the resources.

Without a range it resumes where the last run stopped and follows today's
file until interrupted. Dates are today, lastscan, firstlog or YYYYMMDD.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts, out)
		},
	}
	cmd.SetOut(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", apperr.ErrConfig, err)
	})

	f := cmd.Flags()
	f.StringVarP(&opts.from, "fromdate", "f", "", "first day to ingest (today, lastscan, firstlog or YYYYMMDD)")
	f.StringVarP(&opts.till, "tilldate", "t", "", "last day to ingest (today, lastscan, firstlog or YYYYMMDD)")
	f.BoolVarP(&opts.showConfig, "config", "c", false, "print the configuration path and contents, then exit")
	f.StringVar(&opts.configFile, "config-file", "", "configuration file (default $"+config.EnvConfigPath+" or ~/.config/pbs_gestor/pbs_gestor.toml)")

	return cmd
}

// execute handles the config-only paths and hands everything else to run.
func execute(ctx context.Context, opts options, out io.Writer) error {
	for _, d := range []string{opts.from, opts.till} {
		if err := scanner.ValidateDate(d); err != nil {
			return err
		}
	}

	path, err := config.ResolvePath(opts.configFile)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrConfig, err)
	}

	created, err := ensureConfigFile(path)
	if err != nil {
		return err
	}

	if opts.showConfig {
		return printConfig(out, path)
	}
	if created {
		fmt.Fprintf(out, "wrote default configuration to %s\nedit it and run pbs-gestor again\n", path)
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return run(ctx, cfg, opts, out)
}

// ensureConfigFile writes the default configuration when path does not
// exist yet.
func ensureConfigFile(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: stat config file: %w", apperr.ErrConfig, err)
	}
	if err := config.WriteDefault(path); err != nil {
		return false, fmt.Errorf("%w: %w", apperr.ErrConfig, err)
	}
	return true, nil
}

func printConfig(out io.Writer, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %w", apperr.ErrConfig, err)
	}
	fmt.Fprintf(out, "# %s\n", path)
	_, err = out.Write(b)
	return err
}
