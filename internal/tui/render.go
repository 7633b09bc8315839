package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/pipeline"
)

// RenderResult formats a finished run for the terminal: one line per
// stage plus the deployment, artifact, and warning sections the run
// produced. The output is a single styled block, not a live view.
func RenderResult(res *pipeline.Result) string {
	var content string

	content += headerStyle.Render(" Contract Lifecycle ") + " " +
		statusBadge(res.Status) + "  " + dimStyle.Render(res.ID) + "\n"

	if res.ContractName != "" {
		content += labelStyle.Render("Contract: ") + valueStyle.Render(res.ContractName)
		if res.Options.Network != "" {
			content += dimStyle.Render(" → "+res.Options.Network)
		}
		content += "\n"
	}

	content += "\n" + sectionStyle.Render("┃ Stages") + "\n"
	for _, sr := range res.Stages {
		content += renderStage(sr) + "\n"
	}

	if dep := res.Deployment; dep != nil {
		content += "\n" + sectionStyle.Render("┃ Deployment") + "\n"
		content += "  " + labelStyle.Render("Address: ") + valueStyle.Render(dep.Address)
		if dep.Simulated {
			content += " " + warningStyle.Render("(simulated)")
		}
		content += "\n"
		content += "  " + labelStyle.Render("Network: ") + valueStyle.Render(dep.Network) + "\n"
		if dep.TxHash != "" {
			content += "  " + labelStyle.Render("Tx:      ") + dimStyle.Render(dep.TxHash) + "\n"
		}
	}

	if tr := res.TestReport; tr != nil {
		content += "\n" + sectionStyle.Render("┃ Tests") + "\n"
		line := healthyStyle.Render(fmt.Sprintf("%d passed", tr.Passed))
		if tr.Failed > 0 {
			line += dimStyle.Render(", ") + errorStyle.Render(fmt.Sprintf("%d failed", tr.Failed))
		}
		content += "  " + line + "\n"
	}

	if len(res.Records) > 0 {
		content += "\n" + sectionStyle.Render("┃ Artifacts") + "\n"
		for _, rec := range res.Records {
			content += "  " + valueStyle.Render(rec.Name) + " " +
				dimStyle.Render(fmt.Sprintf("(%s, %s)", rec.Scope, rec.ID)) + "\n"
		}
	}

	if len(res.Warnings) > 0 {
		content += "\n" + sectionStyle.Render("┃ Warnings") + "\n"
		for _, w := range res.Warnings {
			content += "  " + warningStyle.Render("⚠ ") + w + "\n"
		}
	}

	if res.Error != "" {
		content += "\n" + errorStyle.Render("✗ "+res.Error) + "\n"
	}

	return containerStyle.Render(strings.TrimRight(content, "\n"))
}

func renderStage(sr pipeline.StageResult) string {
	line := "  " + stageSymbol(sr.Status) + " " + valueStyle.Render(fmt.Sprintf("%-9s", sr.Stage))

	switch {
	case sr.Error != "":
		line += " " + errorStyle.Render(sr.Error)
	case sr.Warning != "":
		line += " " + warningStyle.Render(sr.Warning)
	case sr.Output != "":
		line += " " + sr.Output
	}

	if sr.Attempts > 1 {
		line += " " + dimStyle.Render(fmt.Sprintf("(%d attempts)", sr.Attempts))
	}
	if d := sr.CompletedAt.Sub(sr.StartedAt); d > 0 {
		line += " " + dimStyle.Render(d.Round(time.Millisecond).String())
	}
	return line
}

func statusBadge(s pipeline.Status) string {
	switch s {
	case pipeline.StatusDone:
		return healthyStyle.Render("✓ DONE")
	case pipeline.StatusCancelled:
		return warningStyle.Render("⚠ CANCELLED")
	case pipeline.StatusFailed:
		return errorStyle.Render("✗ FAILED")
	default:
		return dimStyle.Render(string(s))
	}
}

func stageSymbol(s pipeline.StageStatus) string {
	switch s {
	case pipeline.StageStatusSuccess:
		return healthyStyle.Render("✓")
	case pipeline.StageStatusFailed, pipeline.StageStatusCancelled:
		return errorStyle.Render("✗")
	case pipeline.StageStatusSkipped:
		return warningStyle.Render("⚠")
	default:
		return dimStyle.Render("·")
	}
}
