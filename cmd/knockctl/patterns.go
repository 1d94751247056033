package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"knockd/internal/knock"
	"knockd/internal/midi"
	"knockd/internal/patternfile"
	"knockd/internal/store"
)

var (
	exportFormat string
	importName   string

	midiPolicy  policyFlags
	midiChannel int
	midiKey     int
)

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "json or yaml (default: from the file extension, json on stdout)")
	importCmd.Flags().StringVar(&importName, "name", "", "store under this name instead of the document's")

	midiPolicy.register(importMIDICmd)
	importMIDICmd.Flags().IntVar(&midiChannel, "channel", -1, "only count notes on this channel (0-15)")
	importMIDICmd.Flags().IntVar(&midiKey, "key", -1, "only count this note number (0-127)")

	rootCmd.AddCommand(listCmd, deleteCmd, exportCmd, importCmd, importMIDICmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		patterns, err := st.ListPatterns()
		if err != nil {
			return err
		}
		if len(patterns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No patterns stored.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBEATS\tTHRESHOLD\tALLOWED ERRORS\tCREATED\tID")
		for _, p := range patterns {
			threshold, allowed := "-", "-"
			if p.Threshold != nil {
				threshold = fmt.Sprintf("%g", *p.Threshold)
			}
			if p.AllowedErrors != nil {
				allowed = fmt.Sprintf("%d", *p.AllowedErrors)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				p.Name, p.Beats.Len(), threshold, allowed, p.CreatedAt.Format(time.DateTime), p.ID)
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a pattern and its attempts",
	Args:  cobra.ExactArgs(1),
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
		if err := st.DeletePattern(p.ID); err != nil {
			return err
		}
		logger.Info("pattern deleted", "id", p.ID, "name", p.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", p.Name)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <name> [file]",
	Short: "Write a pattern document to a file or stdout",
	Args:  cobra.RangeArgs(1, 2),
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
		doc := patternfile.FromPattern(p)

		if len(args) == 2 {
			if exportFormat != "" {
				return fmt.Errorf("--format cannot be used with a file; the extension decides")
			}
			if err := patternfile.WriteFile(args[1], doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %q to %s\n", p.Name, args[1])
			return nil
		}

		format := patternfile.JSON
		switch exportFormat {
		case "", "json":
		case "yaml", "yml":
			format = patternfile.YAML
		default:
			return fmt.Errorf("unknown format %q", exportFormat)
		}
		data, err := patternfile.Encode(doc, format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store a pattern from a JSON or YAML document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := patternfile.ReadFile(args[0])
		if err != nil {
			return err
		}
		p := doc.Pattern()
		if importName != "" {
			p.Name = importName
		}
		return savePattern(cmd, p, "file", args[0])
	},
}

var importMIDICmd = &cobra.Command{
	Use:   "import-midi <file.mid> <name>",
	Short: "Store a pattern from the note-ons of a MIDI file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filters []midi.Filter
		if midiChannel >= 0 {
			if midiChannel > 15 {
				return fmt.Errorf("channel %d out of range 0-15", midiChannel)
			}
			filters = append(filters, midi.Channel(uint8(midiChannel)))
		}
		if midiKey >= 0 {
			if midiKey > 127 {
				return fmt.Errorf("key %d out of range 0-127", midiKey)
			}
			filters = append(filters, midi.Key(uint8(midiKey)))
		}

		taps, err := midi.ReadTaps(args[0], midi.And(filters...))
		if err != nil {
			return err
		}
		seq, err := knock.Normalize(taps)
		if err != nil {
			return err
		}

		threshold, allowed := midiPolicy.overrides(cmd)
		p := &store.Pattern{Name: args[1], Beats: seq, Threshold: threshold, AllowedErrors: allowed}
		if err := p.Policy(knock.DefaultPolicy()).Validate(); err != nil {
			return err
		}
		return savePattern(cmd, p, "midi", args[0])
	},
}

func savePattern(cmd *cobra.Command, p *store.Pattern, source, path string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SavePattern(p); err != nil {
		return err
	}
	counter.PatternsRecordedTotal.Inc()
	logger.Info("pattern imported", "id", p.ID, "name", p.Name, "source", source, "path", path)
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %q (%d beats, id %s)\n", p.Name, p.Beats.Len(), p.ID)
	return nil
}
