package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"knockd/internal/knock"
	"knockd/internal/patternfile"
)

var comparePolicy policyFlags

func init() {
	comparePolicy.register(compareCmd)
	rootCmd.AddCommand(compareCmd, normalizeCmd)
}

var compareCmd = &cobra.Command{
	Use:   "compare <a> <b>",
	Short: "Compare two patterns",
	Long: `Compare two patterns, each given as a pattern document path or a stored
pattern name. The config policy applies unless --threshold or
--allowed-errors override it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadBeats(args[0])
		if err != nil {
			return err
		}
		b, err := loadBeats(args[1])
		if err != nil {
			return err
		}

		policy, err := cfg.Knock.Policy()
		if err != nil {
			return err
		}
		policy = policy.Apply(comparePolicy.options(cmd)...)
		if err := policy.Validate(); err != nil {
			return err
		}

		res := knock.Evaluate(a, b, policy)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "policy:        %s\n", policy)
		if res.LengthMismatch {
			fmt.Fprintf(out, "length:        %d vs %d\n", a.Len(), b.Len())
		} else {
			fmt.Fprintf(out, "deviations:    %s\n", formatSequence(res.Deviations))
			fmt.Fprintf(out, "max deviation: %.4g\n", res.MaxDeviation)
			fmt.Fprintf(out, "errors:        %d\n", res.Errors)
		}
		fmt.Fprintf(out, "match:         %t\n", res.Match)
		if !res.Match {
			return errNoMatch
		}
		return nil
	},
}

// loadBeats reads ref as a pattern document if such a file exists, and as a
// stored pattern name otherwise.
func loadBeats(ref string) (knock.NormalizedSequence, error) {
	if _, err := os.Stat(ref); err == nil {
		doc, err := patternfile.ReadFile(ref)
		if err != nil {
			return nil, err
		}
		return doc.Beats, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	st, err := openStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	p, err := findPattern(st, ref)
	if err != nil {
		return nil, err
	}
	return p.Beats, nil
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <ms>...",
	Short: "Print the normalized form of tap times",
	Example: `  knockctl normalize 1000 1500 2000
  0 0.5 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taps := make(knock.RawSequence, len(args))
		for i, arg := range args {
			ts, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("tap time %q: %w", arg, err)
			}
			taps[i] = ts
		}

		seq, err := knock.Normalize(taps)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatSequence(seq))
		return nil
	},
}
