package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"knockd/internal/knock"
	"knockd/internal/store"
)

var (
	errNoGesture = errors.New("no knock received")
	errNoMatch   = errors.New("knock does not match")
)

var (
	recordPolicy policyFlags
	captureDelay time.Duration
)

func init() {
	recordPolicy.register(recordCmd)
	for _, c := range []*cobra.Command{recordCmd, knockCmd} {
		c.Flags().DurationVar(&captureDelay, "delay", 0, "quiet period that ends the knock (default from config)")
		rootCmd.AddCommand(c)
	}
}

var recordCmd = &cobra.Command{
	Use:   "record <name>",
	Short: "Record a reference knock",
	Long: `Record a reference knock. Press Enter once per knock and stop when done;
the knock ends after the configured quiet period or at end of input.
A line holding a number is taken as an explicit tap time in milliseconds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		s, err := newSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Recording %q: knock with Enter.\n", args[0])
		seq, err := captureGesture(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}

		threshold, allowed := recordPolicy.overrides(cmd)
		p := &store.Pattern{Name: args[0], Beats: seq, Threshold: threshold, AllowedErrors: allowed}
		if threshold != nil || allowed != nil {
			if err := p.Policy(knock.DefaultPolicy()).Validate(); err != nil {
				return err
			}
		}
		if err := st.SavePattern(p); err != nil {
			return err
		}
		counter.PatternsRecordedTotal.Inc()

		logger.Info("pattern recorded", "id", p.ID, "name", p.Name, "length", p.Beats.Len())
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %q (%d beats, id %s)\n", p.Name, p.Beats.Len(), p.ID)
		return nil
	},
}

var knockCmd = &cobra.Command{
	Use:   "knock <name>",
	Short: "Knock and check the knock against a stored pattern",
	Long: `Knock and check the knock against a stored pattern. Input works as for
record. The attempt is stored; a knock that does not match exits non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := findPattern(st, args[0])
		if err != nil {
			return err
		}

		s, err := newSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Knock for %q with Enter.\n", p.Name)
		seq, err := captureGesture(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}

		start := time.Now()
		res := knock.Evaluate(p.Beats, seq, p.Policy(s.Policy()))
		if err := st.RecordAttempt(store.AttemptFromResult(p.ID, res)); err != nil {
			return err
		}
		counter.ObserveResult(res, time.Since(start))
		logger.Info("knock checked", "pattern", p.ID, "match", res.Match, "errors", res.Errors)

		if !res.Match {
			if res.LengthMismatch {
				fmt.Fprintf(cmd.OutOrStdout(), "No match: expected %d knocks, got %d\n", p.Beats.Len(), seq.Len())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No match: %d beats off (%s)\n", res.Errors, res.Policy)
			}
			return errNoMatch
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Match")
		return nil
	},
}

func newSession(cmd *cobra.Command, record bool) (*knock.Session, error) {
	opts, err := cfg.Knock.SessionOptions()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("delay") {
		opts.Delay = captureDelay
	}
	opts.Record = record
	opts.Logger = logger.WithComponent("knock")
	s, err := knock.NewSession(opts)
	if err != nil {
		return nil, err
	}
	counter.Instrument(s)
	return s, nil
}

// captureGesture turns input lines into taps until the session resolves one
// gesture. End of input resolves whatever has been tapped so far.
func captureGesture(ctx context.Context, s *knock.Session, in io.Reader, out io.Writer) (knock.NormalizedSequence, error) {
	done := make(chan knock.NormalizedSequence, 1)
	deliver := func(seq knock.NormalizedSequence) {
		select {
		case done <- seq:
		default:
		}
	}
	s.OnDoneRecording(deliver)
	s.OnDoneKnocking(deliver)
	s.OnKnock(func() { fmt.Fprint(out, "*") })

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case seq := <-done:
			fmt.Fprintln(out)
			return seq, nil
		case line, ok := <-lines:
			if !ok {
				s.Flush()
				select {
				case seq := <-done:
					fmt.Fprintln(out)
					return seq, nil
				default:
					return nil, errNoGesture
				}
			}
			if err := tap(s, line); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func tap(s *knock.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return s.Knock(time.Now())
	}
	ts, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return fmt.Errorf("tap time %q: %w", line, err)
	}
	return s.RecordTap(ts)
}
