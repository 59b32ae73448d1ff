package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/health"
	"github.com/zen-systems/switchboard/pkg/logging"
	"github.com/zen-systems/switchboard/pkg/orchestrator"
	"github.com/zen-systems/switchboard/pkg/switchboard"
	"github.com/zen-systems/switchboard/pkg/task"
)

var (
	configFile string
	logLevel   string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Adaptive routing across local and remote model backends",
		Long: `Switchboard routes each request to the best available backend based on
	task type, live health and what it has learned from earlier outcomes, and
	falls back along a chain that always ends on the local backend.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	var preferFlag string
	var files []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Run a prompt on the best available backend",
		Long: `Classifies the prompt, routes it and runs it along the fallback chain.

	Use --prefer to request a backend; it is honored unless its circuit is open.
	On failure every attempt and its failure category is listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(timeout)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			res, err := sb.Run(ctx, task.Request{
				Prompt:           args[0],
				Files:            files,
				PreferredBackend: preferFlag,
			})
			var exhausted *orchestrator.ChainExhaustedError
			if errors.As(err, &exhausted) {
				printAttempts(os.Stderr, exhausted.Attempts)
				return err
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(res)
			}
			fmt.Fprintf(os.Stderr, "Routed to %s (%s, %d attempt(s))\n",
				res.Backend, res.Decision.WinningSignal, len(res.Attempts))
			if len(res.Attempts) > 1 {
				printAttempts(os.Stderr, res.Attempts)
			}
			fmt.Println(res.Artifact.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&preferFlag, "prefer", "", "preferred backend ID")
	cmd.Flags().StringSliceVar(&files, "file", nil, "file attached to the request (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the request")

	return cmd
}

func routeCmd() *cobra.Command {
	var preferFlag string
	var files []string

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Show the routing decision for a prompt without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(0)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			d, err := sb.Route(ctx, task.Request{
				Prompt:           args[0],
				Files:            files,
				PreferredBackend: preferFlag,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "BACKEND\t%s\n", d.SelectedBackend)
			fmt.Fprintf(w, "SIGNAL\t%s\n", d.WinningSignal)
			fmt.Fprintf(w, "CONFIDENCE\t%.2f\n", d.Confidence)
			fmt.Fprintf(w, "REASON\t%s\n", d.Reason)
			fmt.Fprintf(w, "CHAIN\t%s\n", strings.Join(d.FallbackChain, " -> "))
			fmt.Fprintf(w, "PATTERN\t%s\n", d.Pattern)
			fmt.Fprintf(w, "FINGERPRINT\t%s\n", d.Fingerprint)
			if d.DeferredPreference != "" {
				fmt.Fprintf(w, "DEFERRED\t%s (circuit open)\n", d.DeferredPreference)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&preferFlag, "prefer", "", "preferred backend ID")
	cmd.Flags().StringSliceVar(&files, "file", nil, "file attached to the request (repeatable)")

	return cmd
}

func healthCmd() *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every backend and show its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(0)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			sys := sb.Health(ctx, !cached)
			if jsonOutput {
				return printJSON(sys)
			}

			fmt.Printf("Status: %s\n\n", sys.Status)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tHEALTHY\tLATENCY\tCIRCUIT\tSUCCESS\tERROR")
			for _, rec := range sys.Backends {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%.0f%%\t%s\n",
					rec.BackendID, rec.Healthy, rec.Latency.Round(time.Millisecond),
					rec.CircuitState, rec.SuccessRate*100, orDash(rec.LastError))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "reuse probe results younger than the health TTL")

	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show learned backend confidence and insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(0)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			summary := sb.LearningSummary()
			if jsonOutput {
				return printJSON(summary)
			}

			fmt.Printf("Outcomes: %d  Patterns: %d  Perception hits: %d\n\n",
				summary.TotalOutcomes, summary.Patterns, summary.PerceptionHits)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tCONFIDENCE\tCALLS\tSUCCESS\tTREND\tTIMEOUT SCALE\tAVG\tMIN\tMAX")
			for _, b := range summary.Backends {
				fmt.Fprintf(w, "%s\t%.2f\t%d\t%.0f%%\t%s\t%.2fx\t%s\t%s\t%s\n",
					b.ID, b.Confidence, b.TotalCalls, b.SuccessRate*100, b.Trend,
					summary.Thresholds.TimeoutScale[b.ID],
					b.AvgLatency.Round(time.Millisecond),
					b.MinLatency.Round(time.Millisecond),
					b.MaxLatency.Round(time.Millisecond))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(summary.Recommendations) > 0 {
				fmt.Println()
				for _, in := range summary.Recommendations {
					fmt.Printf("[%s] %s\n", in.Kind, in.Message)
				}
			}
			return nil
		},
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered backends in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(0)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			backends := sb.Backends()
			if jsonOutput {
				return printJSON(backends)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tADAPTER\tMODEL\tPRIORITY\tSPECIALIZATIONS\tFLAGS")
			for _, d := range backends {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Kind, d.Adapter, d.Model, d.Priority,
					orDash(strings.Join(d.Specializations, ", ")), flags(d))
			}
			return w.Flush()
		},
	}
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show task types, triggers and specialist backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(0)
			defer stop()

			sb, logCloser, err := openSwitchboard(ctx)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			defer sb.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK TYPE\tSPECIALISTS\tTRIGGERS")
			for _, r := range sb.Routes() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.TaskType,
					orDash(strings.Join(r.Specialists, ", ")), strings.Join(r.Triggers, ", "))
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the routing config and its model names",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			aliases, err := config.LoadAliasesWithFallback("configs/models.yaml")
			if err != nil {
				fmt.Println("Routing config is valid. No model aliases configured.")
				return nil
			}
			errs := aliases.ValidateRoutingConfig(cfg.RoutingConfig)
			if len(errs) == 0 {
				fmt.Println("Routing config is valid.")
				return nil
			}

			fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errs))
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "  - %s\n", err)
			}
			return fmt.Errorf("validation failed")
		},
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadWithRoutingFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openSwitchboard loads config, builds the logger and starts the
// switchboard so learned state is restored and flushed on Close. The
// returned closer releases the log file and must be closed after the
// switchboard.
func openSwitchboard(ctx context.Context) (*switchboard.Switchboard, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logCfg := cfg.RoutingConfig.Logging
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logger, logCloser, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, err
	}

	sb, err := switchboard.Open(cfg, switchboard.WithLogger(logger))
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	if err := sb.Start(ctx); err != nil {
		sb.Close()
		logCloser.Close()
		return nil, nil, err
	}
	return sb, logCloser, nil
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printAttempts(out io.Writer, attempts []orchestrator.Attempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tBACKEND\tSIGNAL\tRESULT\tVERIFIED\tLATENCY\tERROR")
	for i, a := range attempts {
		result := "ok"
		switch {
		case a.Skipped:
			result = "skipped"
		case a.Category != "":
			result = string(a.Category)
		}
		verified := orDash(string(a.Verification))
		if a.Repairs > 0 {
			verified = fmt.Sprintf("%s (%d repairs)", verified, a.Repairs)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, a.Backend, a.Signal, result, verified, a.Latency.Round(time.Millisecond), orDash(a.Error))
	}
	w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func flags(d health.Descriptor) string {
	var out []string
	if d.Unlimited {
		out = append(out, "unlimited")
	}
	if d.Terminal {
		out = append(out, "terminal")
	}
	if d.Timeout > 0 {
		out = append(out, "timeout="+d.Timeout.String())
	}
	return orDash(strings.Join(out, ", "))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
