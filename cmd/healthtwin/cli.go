package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthtwin/healthtwin/internal/config"
	"github.com/healthtwin/healthtwin/internal/domain/record"
	"github.com/healthtwin/healthtwin/internal/domain/results"
	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/workflow"
)

func fieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List the health record fields and their defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFields(cmd.OutOrStdout())
			return nil
		},
	}
}

func printFields(out io.Writer) {
	fmt.Fprintf(out, "%-20s %-20s %-8s %s\n", "NAME", "LABEL", "TYPE", "DEFAULT")
	for _, f := range record.Fields() {
		fmt.Fprintf(out, "%-20s %-20s %-8s %v\n", f.Name, f.Label, f.Kind, f.Default)
	}
}

// parseAssignments turns repeated name=value flags into record values.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, want name=value", p)
		}
		out[name] = record.ParseInput(name, raw)
	}
	return out, nil
}

// cliApp loads config and builds an app that logs to stderr so stdout stays
// readable.
func cliApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg).Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return buildApp(ctx, cfg, logger)
}

// prepare creates a session, uploads file when given, applies the
// assignments and runs the analysis.
func prepare(ctx context.Context, wf *workflow.Workflow, file string, assignments map[string]any) (*session.Session, error) {
	sess, err := wf.Create(ctx)
	if err != nil {
		return nil, err
	}
	id := sess.ID()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if _, err := wf.Upload(ctx, id, filepath.Base(file), data); err != nil {
			return nil, err
		}
	}
	for name, value := range assignments {
		if _, err := wf.SetField(ctx, id, name, value); err != nil {
			return nil, err
		}
	}
	if _, err := wf.Analyze(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

func printSummary(out io.Writer, sum *results.Summary) {
	fmt.Fprintln(out, "Risk Assessment")
	for _, r := range sum.Risks {
		fmt.Fprintf(out, "  %-24s %6.1f%%  %s\n", r.Title, r.Score, r.BandLabel)
	}
	if len(sum.Classifications) == 0 {
		return
	}
	fmt.Fprintln(out, "WHO Standards Classification")
	for _, c := range sum.Classifications {
		if len(c.Entries) == 0 {
			fmt.Fprintf(out, "  %-24s %s\n", c.Category, c.Label)
			continue
		}
		fmt.Fprintf(out, "  %s\n", c.Category)
		for _, k := range sortedEntryKeys(c.Entries) {
			fmt.Fprintf(out, "    %-22s %s\n", k, c.Entries[k])
		}
	}
}

func sortedEntryKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func assessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Run one assessment against the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			sets, _ := cmd.Flags().GetStringArray("set")
			explain, _ := cmd.Flags().GetBool("explain")
			reportPath, _ := cmd.Flags().GetString("report")
			summaryPath, _ := cmd.Flags().GetString("summary")

			assignments, err := parseAssignments(sets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := cliApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			sess, err := prepare(ctx, a.wf, file, assignments)
			if err != nil {
				return err
			}
			id := sess.ID()
			out := cmd.OutOrStdout()

			sum, err := a.wf.Results(ctx, id)
			if err != nil {
				return err
			}
			printSummary(out, sum)

			if explain {
				text, err := a.wf.Explain(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", text)
			}
			if reportPath != "" {
				rep, err := a.wf.Report(ctx, id)
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportPath, rep.Data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nReport written to %s (%d pages)\n", reportPath, rep.Pages)
			}
			if summaryPath != "" {
				rep, err := a.wf.Summary(ctx, id)
				if err != nil {
					return err
				}
				if err := os.WriteFile(summaryPath, rep.Data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "Summary written to %s\n", summaryPath)
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Document to extract values from")
	cmd.Flags().StringArray("set", nil, "Set a field, as name=value (repeatable)")
	cmd.Flags().Bool("explain", false, "Ask for a narrative explanation")
	cmd.Flags().String("report", "", "Write the service's PDF report to this path")
	cmd.Flags().String("summary", "", "Write a locally rendered summary PDF to this path")
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an assessment and talk to the assistant about it",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			sets, _ := cmd.Flags().GetStringArray("set")

			assignments, err := parseAssignments(sets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := cliApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			sess, err := prepare(ctx, a.wf, file, assignments)
			if err != nil {
				return err
			}
			sum, err := a.wf.Results(ctx, sess.ID())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return converse(ctx, a.wf, sess, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("file", "", "Document to extract values from")
	cmd.Flags().StringArray("set", nil, "Set a field, as name=value (repeatable)")
	return cmd
}

// converse reads one message per line until EOF or "exit".
func converse(ctx context.Context, wf *workflow.Workflow, sess *session.Session, in io.Reader, out io.Writer) error {
	turns := sess.Turns()
	fmt.Fprintf(out, "\nassistant> %s\n", turns[0].Content)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return nil
		}
		_, sent, replied, err := wf.Chat(ctx, sess.ID(), line)
		if err != nil {
			return err
		}
		switch {
		case !sent:
		case !replied:
			fmt.Fprintln(out, "assistant> (no reply, try again)")
		default:
			turns = sess.Turns()
			fmt.Fprintf(out, "assistant> %s\n", turns[len(turns)-1].Content)
		}
	}
}
