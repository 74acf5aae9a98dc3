package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
	"github.com/kingrea/stageflow/internal/workflow/topology"
)

var (
	headingStyle      = lipgloss.NewStyle().Bold(true)
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	stageColumnStyle  = lipgloss.NewStyle().Width(12)
)

func labelStyleForStatus(status workflow.StageStatus) lipgloss.Style {
	switch status {
	case workflow.StatusCompleted:
		return labelStyleDone
	case workflow.StatusFailed:
		return labelStyleFailed
	case workflow.StatusActive:
		return labelStyleRunning
	case workflow.StatusSkipped:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func renderTemplates(w io.Writer, templates workflow.TemplateSet, defaultID string) {
	fmt.Fprintln(w, headingStyle.Render("Templates"))
	for _, id := range templates.IDs() {
		tpl := templates[id]
		marker := "  "
		if id == defaultID {
			marker = "* "
		}
		fmt.Fprintf(w, "%s%s %s\n", marker, stageColumnStyle.Width(14).Render(id), strings.Join(tpl.Stages, " -> "))
		for _, b := range tpl.Barriers {
			fmt.Fprintln(w, detailTextStyle.Render(fmt.Sprintf("    barrier %s: %s", b.Group, strings.Join(b.Stages, ", "))))
		}
		if tpl.Description != "" {
			fmt.Fprintln(w, detailTextStyle.Render("    "+tpl.Description))
		}
	}
}

func renderBlueprint(w io.Writer, title string, dag workflow.DAG, bp topology.Blueprint) {
	fmt.Fprintln(w, headingStyle.Render(title))
	for _, step := range bp.Steps {
		labels := make([]string, 0, len(step.Stages))
		for _, id := range step.Stages {
			labels = append(labels, stageLabel(dag, id))
		}
		mode := "sequential"
		if step.Parallel {
			mode = "parallel"
		}
		fmt.Fprintf(w, "  %d. %s %s\n", step.Index+1, strings.Join(labels, "  "), detailTextStyle.Render("("+mode+")"))
	}
}

func stageLabel(dag workflow.DAG, id workflow.StageID) string {
	node := dag[id]
	text := id.String()
	var extras []string
	if node.Barrier != nil {
		extras = append(extras, "barrier "+node.Barrier.Group)
	}
	if node.OnFail != nil {
		extras = append(extras, "fail->"+node.OnFail.String())
	}
	if len(extras) == 0 {
		return text
	}
	return text + labelStyleGate.Render("["+strings.Join(extras, ", ")+"]")
}

func renderView(w io.Writer, view engine.View) {
	title := fmt.Sprintf("%s  %s", view.SessionID, string(view.Phase))
	if view.TemplateID != "" {
		title += "  (" + view.TemplateID + ")"
	}
	fmt.Fprintln(w, headingStyle.Render(title))
	if len(view.Order) == 0 {
		fmt.Fprintln(w, detailTextStyle.Render("  no workflow"))
	}
	for _, id := range view.Order {
		status := view.Stages[id]
		line := "  " + stageColumnStyle.Render(id.String()) + labelStyleForStatus(status).Render(string(status))
		if workflow.ContainsStage(view.ReadyStages, id) {
			line += " " + labelStyleGate.Render("ready")
		}
		fmt.Fprintln(w, line)
	}
	if pr := view.PendingRetry; pr != nil {
		fmt.Fprintln(w, detailTextStyle.Render(fmt.Sprintf("  retry round %d: %s failed (%s), receding to %s", pr.Round, pr.Stage, pr.Severity, pr.Target)))
	}
	for _, note := range view.Annotations {
		fmt.Fprintln(w, detailTextStyle.Render("  - "+note))
	}
}

func renderNotice(n engine.Notice) string {
	style := labelStyleDefault
	switch {
	case n.Outcome == engine.OutcomeTerminated:
		style = labelStyleFailed
	case n.Forced():
		style = labelStyleGate
	case n.Action == engine.ActionComplete:
		style = labelStyleDone
	}
	return n.At.Format("15:04:05") + " " + style.Render(n.Summary())
}
