package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/stageflow/internal/config"
	"github.com/kingrea/stageflow/internal/eventbridge"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/builder"
	"github.com/kingrea/stageflow/internal/workflow/engine"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

// Exit codes.
const (
	exitSuccess = 0
	exitError   = 1
)

type rootOptions struct {
	projectDir string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "stageflow",
		Short:         "Stage workflow engine for delegated coding sessions",
		Long:          "stageflow builds stage graphs, routes worker results and keeps per-session workflow state under .stageflow/.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.PersistentFlags().StringVarP(&opts.projectDir, "project", "C", ".", "project directory holding .stageflow/")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newInitCmd(opts),
		newTemplatesCmd(opts),
		newValidateCmd(opts),
		newBlueprintCmd(opts),
		newStatusCmd(opts),
		newSweepCmd(opts),
		newEventCmd(opts),
		newCancelCmd(opts),
		newLogCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .stageflow/ with a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(opts.projectDir); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", config.Dir)
			return nil
		},
	}
}

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	var setDefault string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			templates := a.builder.Templates()
			if setDefault != "" {
				if _, err := templates.Lookup(setDefault); err != nil {
					return err
				}
				if err := a.cfg.SetDefaultTemplate(setDefault); err != nil {
					return err
				}
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), templates)
			}
			renderTemplates(cmd.OutOrStdout(), templates, a.cfg.DefaultTemplate())
			return nil
		},
	}
	cmd.Flags().StringVar(&setDefault, "set-default", "", "persist a new default template")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Repair and validate an ad hoc stage graph (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := workflow.LoadRawDAGFile(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			res := a.builder.Build(builder.Request{Graph: raw})
			if opts.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), buildReport(res)); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "source: %s\n", res.Source)
				writeList(out, "fixes", res.Fixes)
				writeList(out, "notes", res.Notes)
				writeList(out, "annotations", res.Annotations)
			}
			if write != "" {
				data, err := yaml.Marshal(res.DAG.Raw())
				if err != nil {
					return fmt.Errorf("encode graph: %w", err)
				}
				if err := os.WriteFile(write, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", write, err)
				}
			}
			if res.Source == builder.SourceFallback {
				return fmt.Errorf("graph unusable, builder fell back to %s", res.TemplateID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "write the repaired graph as YAML to this path")
	return cmd
}

type buildSummary struct {
	Source      builder.Source `json:"source"`
	TemplateID  string         `json:"templateId,omitempty"`
	Fixes       []string       `json:"fixes,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
	Annotations []string       `json:"annotations,omitempty"`
	Graph       workflow.DAG   `json:"graph"`
}

func buildReport(res builder.Result) buildSummary {
	return buildSummary{
		Source:      res.Source,
		TemplateID:  res.TemplateID,
		Fixes:       res.Fixes,
		Notes:       res.Notes,
		Annotations: res.Annotations,
		Graph:       res.DAG,
	}
}

func newBlueprintCmd(opts *rootOptions) *cobra.Command {
	var (
		stages    []string
		graphFile string
	)
	cmd := &cobra.Command{
		Use:   "blueprint [TEMPLATE]",
		Short: "Show the sequential and parallel steps of a workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			req := builder.Request{TemplateID: a.cfg.DefaultTemplate()}
			if len(args) == 1 {
				req.TemplateID = args[0]
			}
			for _, s := range stages {
				t := workflow.StageType(strings.ToUpper(strings.TrimSpace(s)))
				if !t.Known() {
					return fmt.Errorf("%w: %q", workflow.ErrUnknownStage, s)
				}
				req.Stages = append(req.Stages, t)
			}
			if graphFile != "" {
				if req.Graph, err = workflow.LoadRawDAGFile(graphFile); err != nil {
					return err
				}
			}
			res := a.builder.Build(req)
			bp, err := topology.BuildBlueprint(res.DAG)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), bp)
			}
			title := res.TemplateID
			if title == "" {
				title = string(res.Source)
			}
			renderBlueprint(cmd.OutOrStdout(), title, res.DAG, bp)
			for _, note := range res.Annotations {
				fmt.Fprintln(cmd.OutOrStdout(), detailTextStyle.Render("  - "+note))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "override the template's stage list")
	cmd.Flags().StringVar(&graphFile, "graph", "", "render an ad hoc graph file instead of a template")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [SESSION...]",
		Short: "Show workflow state for sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			sessions := args
			if len(sessions) == 0 {
				if sessions, err = a.engine.Sessions(ctx); err != nil {
					return err
				}
			}
			views := make([]engine.View, 0, len(sessions))
			for _, s := range sessions {
				view, err := a.engine.View(ctx, s)
				if err != nil {
					return err
				}
				views = append(views, view)
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
			}
			for _, view := range views {
				renderView(cmd.OutOrStdout(), view)
			}
			return nil
		},
	}
}

type sweepResult struct {
	SessionID string            `json:"sessionId"`
	Kind      engine.ActionKind `json:"kind"`
	Phase     engine.Phase      `json:"phase"`
	Notes     []string          `json:"annotations,omitempty"`
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force-resolve timed out barrier groups in every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			results, err := sweepSessions(cmd.Context(), a.engine, parallel)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", r.SessionID, r.Kind, r.Phase)
				for _, note := range r.Notes {
					fmt.Fprintln(cmd.OutOrStdout(), detailTextStyle.Render("  - "+note))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 4, "sessions swept concurrently")
	return cmd
}

// sweepSessions runs the liveness check for every stored session, at most
// limit at a time. Results keep the session order.
func sweepSessions(ctx context.Context, eng *engine.Engine, limit int) ([]sweepResult, error) {
	sessions, err := eng.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	results := make([]sweepResult, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, session := range sessions {
		g.Go(func() error {
			action, err := eng.CheckLiveness(gctx, session)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", session, err)
			}
			results[i] = sweepResult{SessionID: session, Kind: action.Kind, Phase: action.Phase, Notes: action.Annotations}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newEventCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "event [FILE]",
		Short: "Apply one lifecycle event (JSON, stdin by default) and print the action",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var evt engine.Event
			if err := json.NewDecoder(in).Decode(&evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			if evt.OccurredAt.IsZero() {
				evt.OccurredAt = time.Now().UTC()
			}
			action, err := a.engine.Handle(cmd.Context(), evt)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), action)
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel SESSION",
		Short: "Cancel a session's workflow and unblock tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			action, err := a.engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), action)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], action.Reason)
			return nil
		},
	}
}

func newLogCmd(opts *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the most recent work log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			tail, total := a.book.Tail(lines)
			if total > len(tail) {
				fmt.Fprintln(cmd.OutOrStdout(), detailTextStyle.Render(fmt.Sprintf("... %d earlier entries", total-len(tail))))
			}
			for _, line := range tail {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "entries to show")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept lifecycle events over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			router := eventbridge.NewRouter()
			a, err := openApp(opts.projectDir, router)
			if err != nil {
				return err
			}
			defer a.Close()
			settings := eventbridge.SettingsFromConfig(a.cfg)
			srv := eventbridge.NewServer(settings,
				eventbridge.WithProcessor(eventbridge.ForEngine(a.engine)),
				eventbridge.WithViews(a.engine),
				eventbridge.WithLogger(a.log))
			ctx := cmd.Context()
			if err := srv.Start(ctx); err != nil {
				if errors.Is(err, eventbridge.ErrServerDisabled) {
					return fmt.Errorf("bridge is disabled in %s", a.cfg.ProjectConfigPath())
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", srv.BaseURL())
			if follow {
				sub := router.Subscribe(eventbridge.AllSessions)
				defer sub.Close()
				go printNotices(cmd.OutOrStdout(), sub.Notices)
			}
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "print engine notices as they happen")
	return cmd
}

func printNotices(w io.Writer, notices <-chan engine.Notice) {
	for n := range notices {
		fmt.Fprintln(w, renderNotice(n))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeList(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(item))
	}
}
