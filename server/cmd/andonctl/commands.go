package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/config"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

type options struct {
	configPath string
	json       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "andonctl",
		Short:         "Offline tools for Andon rules and bottleneck scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "server config file (built-in defaults when empty)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of tables")

	root.AddCommand(newRulesCmd(opts), newScoreCmd(opts), newEvaluateCmd(opts))
	return root
}

func (o *options) load() (*config.Config, error) {
	if o.configPath == "" {
		return config.Defaults(), nil
	}
	return config.Load(o.configPath)
}

func (o *options) registry() (*rules.Registry, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return rules.FromConfig(cfg.Server.Alerts)
}

// --- rules ------------------------------------------------------------------

func newRulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List registered rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			defs := reg.Definitions()
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), defs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSEVERITY\tINPUTS\tCONDITION")
			for _, d := range defs {
				cond := ""
				if d.Op != "" {
					cond = fmt.Sprintf("%s %g", d.Op, d.Limit)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Severity, d.Inputs, cond)
			}
			return tw.Flush()
		},
	}
}

// --- score ------------------------------------------------------------------

func newScoreCmd(opts *options) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "score WINDOW.yaml",
		Short: "Rank machines by bottleneck score over a window file",
		Long: `Scores the machines in a YAML window file:

  machines:
    - {machine_id: VF2_01, idle: 0.1, fault: 0.6, utilization: 0.8}
  nodes:
    - {id: VF2_01, position: {x: 0, y: 0}}
  edges:
    - {from: VF2_01, to: ST10_01, volume: 40}

Weights come from the flow section of --config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read window: %w", err)
			}
			var win flow.Window
			if err := yaml.Unmarshal(data, &win); err != nil {
				return fmt.Errorf("parse window %s: %w", args[0], err)
			}

			fw := cfg.Server.Flow.Weights
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Server.Flow.Threshold
			}
			scorer, err := flow.NewScorer(flow.Weights{Idle: fw.Idle, Fault: fw.Fault, Utilization: fw.Utilization}, threshold)
			if err != nil {
				return err
			}
			rep, err := scorer.Analyze(win, time.Now().UTC())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			return printReport(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", config.DefaultFlowThreshold, "recommendation threshold in [0, 1]")
	return cmd
}

func printReport(w io.Writer, rep flow.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tMACHINE\tSCORE\tIDLE\tFAULT\tUTIL")
	for _, s := range rep.Scores {
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%.2f\t%.2f\t%.2f\n",
			s.Rank, s.MachineID, s.Composite, s.IdleFraction, s.FaultFraction, s.Utilization)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rep.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range rep.Recommendations {
			fmt.Fprintln(w, "  -", r)
		}
	}
	if rep.Layout != nil {
		fmt.Fprintf(w, "\nLayout candidate: move %s closer to %s (flow cost %.1f)\n",
			rep.Layout.To, rep.Layout.From, rep.Layout.Cost)
	}
	for _, f := range rep.Findings {
		fmt.Fprintln(w, "Finding:", f)
	}
	return nil
}

// --- evaluate ---------------------------------------------------------------

type evaluation struct {
	MachineID string         `json:"machine_id"`
	Timestamp time.Time      `json:"timestamp"`
	Raised    []alerts.Alert `json:"raised"`
	Resolved  []alerts.Alert `json:"resolved"`
	Warnings  []string       `json:"warnings"`
}

func newEvaluateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate RECORDS.json",
		Short: "Evaluate telemetry records against the rule registry",
		Long: `Reads one JSON telemetry record or an array of records and evaluates them in
order, carrying active alerts from one record to the next.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			recs, err := readRecords(args[0])
			if err != nil {
				return err
			}

			eval := alerts.NewEvaluator(reg)
			var active []alerts.Alert
			results := make([]evaluation, 0, len(recs))
			for i, rec := range recs {
				if err := rec.Validate(); err != nil {
					return fmt.Errorf("record %d: %w", i, err)
				}
				out := eval.Evaluate(rec, active)
				active = alerts.Apply(active, out)

				ev := evaluation{MachineID: rec.MachineID, Timestamp: rec.Timestamp, Raised: out.New, Resolved: out.Resolved}
				for _, w := range out.Warnings {
					ev.Warnings = append(ev.Warnings, w.Error())
				}
				results = append(results, ev)
			}

			if opts.json {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			w := cmd.OutOrStdout()
			for _, ev := range results {
				fmt.Fprintf(w, "%s %s\n", ev.Timestamp.Format(time.RFC3339), ev.MachineID)
				for _, a := range ev.Raised {
					fmt.Fprintf(w, "  RAISED   [%s] %s: %s\n", a.Severity, a.RuleID, a.Description)
				}
				for _, a := range ev.Resolved {
					fmt.Fprintf(w, "  RESOLVED %s\n", a.RuleID)
				}
				for _, msg := range ev.Warnings {
					fmt.Fprintf(w, "  WARNING  %s\n", msg)
				}
			}
			fmt.Fprintf(w, "%d alert(s) active\n", len(active))
			return nil
		},
	}
}

func readRecords(path string) ([]types.TelemetryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var recs []types.TelemetryRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("parse records %s: %w", path, err)
		}
		return recs, nil
	}
	var rec types.TelemetryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", path, err)
	}
	return []types.TelemetryRecord{rec}, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
