// Package cli implements the conductor command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/conductor"
)

// BuildCLI returns the root command with every subcommand attached.
func BuildCLI() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Declarative workflow orchestration",
		Long:          "conductor runs YAML flows: an executor drives executions and workers run their tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(buildServerCommand(&configPath))
	root.AddCommand(buildRunCommand(&configPath))
	root.AddCommand(buildFlowCommand())
	return root
}

func buildServerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the executor, an embedded worker and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := conductor.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *conductor.Config) error {
	b, err := conductor.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if h := b.MetricsHandler(); h != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, h)
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		b.Logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Address), zap.String("path", cfg.Metrics.Path))
	}
	b.Logger.Info("conductor started",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Bool("worker", cfg.Worker.Enabled))

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	b.Logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

func buildRunCommand(configPath *string) *cobra.Command {
	var (
		inputs  []string
		labels  []string
		timeout time.Duration
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "run <flow.yaml>",
		Short: "Execute a flow in process and print its task runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := conductor.ParseFlowFile(args[0])
			if err != nil {
				return err
			}
			in, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			lbls, err := parseLabels(labels)
			if err != nil {
				return err
			}
			cfg, err := conductor.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg.FlowsDir = ""
			cfg.Worker.Enabled = true
			cfg.Metrics.Enabled = false

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, timeout)
				defer stop()
			}

			var opts []conductor.Option
			if !verbose {
				opts = append(opts, conductor.WithLogger(zap.NewNop()))
			}
			b, err := conductor.Open(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.Start(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			saved, err := b.Engine.DeployFlow(ctx, flow)
			if err != nil {
				return err
			}
			exec, err := b.Engine.Execute(ctx, saved.Namespace, saved.ID, in, lbls...)
			if err != nil {
				return err
			}
			info(out, "started execution %s", exec.ID)
			done, err := b.Engine.WaitForTerminal(ctx, exec.ID, 50*time.Millisecond)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", exec.ID, err)
			}
			printExecution(out, done)

			switch done.State.Current() {
			case conductor.StateSuccess, conductor.StateWarning:
				return nil
			}
			return fmt.Errorf("execution %s ended %s", done.ID, done.State.Current())
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "flow input as key=value; JSON values are decoded")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "execution label as key=value")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print engine logs")
	return cmd
}

func buildFlowCommand() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Work with flow definitions",
	}
	flow.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Parse and validate flow files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				f, err := conductor.ParseFlowFile(path)
				if err != nil {
					failed++
					failure(out, "ERR %s: %v", path, err)
					continue
				}
				success(out, "OK  %s (%s.%s, %d tasks)", path, f.Namespace, f.ID, len(f.Tasks))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flows are invalid", failed, len(args))
			}
			return nil
		},
	})
	return flow
}

// parseInputs decodes key=value pairs. A value that is valid JSON keeps
// its type, anything else is a string.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", p)
		}
		var decoded any
		if err := sonic.UnmarshalString(v, &decoded); err != nil {
			decoded = v
		}
		out[k] = decoded
	}
	return out, nil
}

func parseLabels(pairs []string) ([]conductor.Label, error) {
	out := make([]conductor.Label, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q: want key=value", p)
		}
		out = append(out, conductor.Label{Key: k, Value: v})
	}
	return out, nil
}
