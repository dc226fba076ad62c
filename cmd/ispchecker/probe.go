package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/ispchecker/ispchecker/internal/log"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/parallel"
	"github.com/ispchecker/ispchecker/internal/probe"
	"github.com/spf13/cobra"
)

var (
	flagMode   string // value of --mode flag
	flagPretty bool   // value of --pretty flag
)

var probeCmd = &cobra.Command{
	Use:   "probe <target>...",
	Short: "probe runs health checks locally and prints the reports",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doProbe,
}

func doProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("ispchecker",
		slog.String("cmd", "probe"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	executor := probe.NewExecutor(probe.Config{
		Binary:          cfg.Probe.Binary,
		Timeout:         cfg.Probe.CLITimeout(),
		SimulationDelay: cfg.Probe.SimulationDelay,
		Env:             environ(cfg.Probe.Env),
	})
	results, err := parallel.Map(ctx, cfg.Worker.MaxWorkers, args, func(ctx context.Context, target string) (model.Result, error) {
		return executor.Run(ctx, target, flagMode)
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flagPretty {
		for i, res := range results {
			if i > 0 {
				fmt.Fprintln(out)
			}
			printPretty(out, res)
		}
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(results) == 1 {
		return enc.Encode(results[0])
	}
	return enc.Encode(results)
}

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

func statusColor(s model.ProbeStatus) *color.Color {
	switch s {
	case model.ProbeOK:
		return green
	case model.ProbeWarn:
		return yellow
	case model.ProbeCrit:
		return red
	default:
		return faint
	}
}

func scoreColor(score float64) *color.Color {
	switch {
	case score >= model.HealthyScore:
		return green
	case score >= 50:
		return yellow
	default:
		return red
	}
}

func printPretty(w io.Writer, res model.Result) {
	bold.Fprintf(w, "%s (%s)\n", res.Target, res.Mode)
	scoreColor(res.Score).Fprintf(w, "score %.0f: %s\n", res.Score, res.Summary)

	for _, p := range res.Probes {
		fmt.Fprintf(w, "  %-12s ", p.Name)
		statusColor(p.Status).Fprintf(w, "%-4s", p.Status)
		if p.LatencyMs != nil {
			fmt.Fprintf(w, " %7.1fms", *p.LatencyMs)
		}
		if p.Error != "" {
			red.Fprintf(w, " %s", p.Error)
		}
		fmt.Fprintln(w)
	}

	for _, d := range res.Diagnosis {
		fmt.Fprintf(w, "%s %s (%.0f%%): %s\n", yellow.Sprint("!"), d.Component, d.Confidence*100, d.Explanation)
		if d.SuggestedAction != "" {
			faint.Fprintf(w, "    %s\n", d.SuggestedAction)
		}
	}
}
