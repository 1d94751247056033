// knockctl records, tests and manages secret knock patterns.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"knockd/internal/config"
	"knockd/internal/knock"
	"knockd/internal/logging"
	"knockd/internal/metrics"
	"knockd/internal/store"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  string
	showMetrics bool

	cfg     *config.Config
	logger  *logging.Logger
	counter *metrics.KnockdMetrics
)

var rootCmd = &cobra.Command{
	Use:           "knockctl",
	Short:         "Manage secret knock patterns",
	Long:          `knockctl records reference knocks, checks knocks against them and moves patterns in and out of the knockd store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}

		logCfg, err := c.Logging.LoggerConfig()
		if err != nil {
			return err
		}
		if strings.EqualFold(logCfg.Output, "stderr") {
			logCfg.Writer = cmd.ErrOrStderr()
		}
		logCfg.Component = "knockctl"
		l, err := logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}

		cfg, logger = c, l
		counter = metrics.NewKnockdMetrics(nil)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger == nil {
			return nil
		}
		defer logger.Close()

		logger.Debug("command totals",
			"knocks", counter.KnocksTotal.Value(),
			"gestures", counter.GesturesTotal.Value(),
			"verifications", counter.VerificationsTotal.Value(),
		)
		if showMetrics {
			return counter.Registry().WritePrometheus(cmd.OutOrStdout())
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: config.toml in the platform config dir)")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print the command's knock and verification counters when it succeeds")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "knockctl: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.Path)
}

// findPattern looks a pattern up by name, falling back to ID.
func findPattern(st *store.Store, ref string) (*store.Pattern, error) {
	p, err := st.GetPatternByName(ref)
	if errors.Is(err, store.ErrNotFound) {
		p, err = st.GetPattern(ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no pattern named %q", ref)
	}
	return p, err
}

// policyFlags holds --threshold and --allowed-errors for commands that
// accept policy overrides.
type policyFlags struct {
	threshold     float64
	allowedErrors int
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.threshold, "threshold", knock.DefaultThreshold, "per-beat tolerance on the [0,1] scale")
	cmd.Flags().IntVar(&f.allowedErrors, "allowed-errors", knock.DefaultAllowedErrors, "beats allowed outside the threshold")
}

// overrides returns only the flags the user set, so unset flags fall
// through to the pattern or config policy.
func (f *policyFlags) overrides(cmd *cobra.Command) (threshold *float64, allowedErrors *int) {
	if cmd.Flags().Changed("threshold") {
		t := f.threshold
		threshold = &t
	}
	if cmd.Flags().Changed("allowed-errors") {
		n := f.allowedErrors
		allowedErrors = &n
	}
	return threshold, allowedErrors
}

func (f *policyFlags) options(cmd *cobra.Command) []knock.CompareOption {
	var opts []knock.CompareOption
	threshold, allowed := f.overrides(cmd)
	if threshold != nil {
		opts = append(opts, knock.WithThreshold(*threshold))
	}
	if allowed != nil {
		opts = append(opts, knock.WithAllowedErrors(*allowed))
	}
	return opts
}

func formatSequence(seq knock.NormalizedSequence) string {
	parts := make([]string, len(seq))
	for i, v := range seq {
		parts[i] = fmt.Sprintf("%.4g", v)
	}
	return strings.Join(parts, " ")
}
