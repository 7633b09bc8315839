// Package tui renders the interactive pieces of a run: the gate
// confirmation prompt and the final result summary. Non-interactive
// callers (piped stdin, services) never come through here.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/gate"
)

const (
	chartWidth  = 24
	chartHeight = 5
)

// Lipgloss styles shared by the confirm prompt and the result summary.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)
)

func severityStyle(s audit.Severity) lipgloss.Style {
	switch s {
	case audit.SeverityHigh:
		return errorStyle
	case audit.SeverityMedium:
		return warningStyle
	case audit.SeverityLow:
		return healthyStyle
	default:
		return dimStyle
	}
}

// ConfirmModel is the gate confirmation prompt. It shows the findings
// holding up deployment and resolves to a single yes or no; letting
// the confirmation window lapse counts as no.
type ConfirmModel struct {
	req      gate.ConfirmationRequest
	deadline time.Time
	now      time.Time

	countdown progress.Model

	answered bool
	approved bool
	quitting bool
}

// NewConfirm builds the prompt for one pending confirmation. A zero
// deadline means the prompt waits indefinitely.
func NewConfirm(req gate.ConfirmationRequest, deadline time.Time) ConfirmModel {
	return ConfirmModel{
		req:      req,
		deadline: deadline,
		now:      time.Now(),
		countdown: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
	}
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the countdown ticker when a deadline is set.
func (m ConfirmModel) Init() tea.Cmd {
	if m.deadline.IsZero() {
		return nil
	}
	return tick()
}

// Update handles key answers and countdown ticks.
func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y", "enter":
			m.answered = true
			m.approved = true
			m.quitting = true
			return m, tea.Quit
		case "n", "N", "q", "esc", "ctrl+c":
			m.answered = true
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.now = time.Time(msg)
		if !m.deadline.IsZero() && !m.now.Before(m.deadline) {
			// Window lapsed unanswered.
			m.quitting = true
			return m, tea.Quit
		}
		return m, tick()
	}

	return m, nil
}

// View renders the confirmation prompt.
func (m ConfirmModel) View() string {
	if m.quitting {
		return ""
	}

	var content string

	content += headerStyle.Render(" Deployment Gate ") + "\n"
	content += labelStyle.Render("Contract: ") +
		valueStyle.Render(contractLabel(m.req.ContractName)) +
		"   " + dimStyle.Render(m.req.WorkflowID) + "\n"

	content += "\n" + sectionStyle.Render("┃ Findings") + "\n"
	content += severityChart(m.req.Findings) + "\n"
	content += renderFindings(m.req.Findings)

	if !m.deadline.IsZero() {
		content += "\n" + sectionStyle.Render("┃ Confirmation window") + "\n"
		content += "  " + m.countdown.ViewAs(m.windowElapsed()) +
			" " + dimStyle.Render(remainingLabel(m.deadline.Sub(m.now))) + "\n"
	}

	content += "\n" + errorStyle.Render("⚠ high severity findings require confirmation") + "\n"

	footer := footerKeyStyle.Render("[y]") + footerStyle.Render(" deploy  ") +
		footerKeyStyle.Render("[n]") + footerStyle.Render(" abort")
	content += footer

	return containerStyle.Render(content)
}

func contractLabel(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

// windowElapsed maps the confirmation window onto 0..1 for the
// countdown bar.
func (m ConfirmModel) windowElapsed() float64 {
	total := m.deadline.Sub(m.req.RequestedAt)
	if total <= 0 {
		return 1.0
	}
	elapsed := m.now.Sub(m.req.RequestedAt)
	pct := float64(elapsed) / float64(total)
	if pct < 0 {
		return 0.0
	}
	if pct > 1 {
		return 1.0
	}
	return pct
}

func remainingLabel(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s remaining", d.Round(time.Second))
}

// severityChart draws finding counts per severity as a bar chart.
func severityChart(findings []audit.Finding) string {
	counts := audit.CountBySeverity(findings)

	bc := barchart.New(chartWidth, chartHeight)
	for _, s := range []audit.Severity{audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh} {
		bc.Push(barchart.BarData{
			Label: string(s),
			Values: []barchart.BarValue{
				{Name: string(s), Value: float64(counts[s]), Style: severityStyle(s)},
			},
		})
	}
	bc.Draw()
	return bc.View()
}

// renderFindings lists findings one per line, highest severity first.
func renderFindings(findings []audit.Finding) string {
	sorted := make([]audit.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	var b strings.Builder
	for _, f := range sorted {
		badge := severityStyle(f.Severity).Render(fmt.Sprintf("[%s]", f.Severity))
		b.WriteString("  " + badge + " " + valueStyle.Render(f.Category) + dimStyle.Render(": ") + f.Description)
		if f.Location != "" {
			b.WriteString(" " + dimStyle.Render("("+f.Location+")"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
