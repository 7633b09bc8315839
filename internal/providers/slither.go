package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/audit"
)

// SlitherAuditor runs the slither static analyzer over generated
// source. Slither exits nonzero when it reports findings, so the exit
// code alone never decides success; the JSON output does.
type SlitherAuditor struct {
	binary string
	logger *zap.Logger
}

// NewSlitherAuditor creates an auditor shelling out to the given
// binary, "slither" when empty.
func NewSlitherAuditor(binary string, logger *zap.Logger) *SlitherAuditor {
	if binary == "" {
		binary = "slither"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlitherAuditor{binary: binary, logger: logger}
}

func (a *SlitherAuditor) Audit(ctx context.Context, source string) ([]audit.Finding, error) {
	if _, err := exec.LookPath(a.binary); err != nil {
		return nil, fmt.Errorf("%w: %s not on PATH", ErrAuditorUnavailable, a.binary)
	}

	dir, err := os.MkdirTemp("", "crucible-audit-*")
	if err != nil {
		return nil, fmt.Errorf("creating audit workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	name := ContractName(source)
	if name == "" {
		name = "Contract"
	}
	path := filepath.Join(dir, name+".sol")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("writing audit source: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.binary, path, "--json", "-")
	cmd.Dir = dir
	out, runErr := cmd.Output()

	findings, parseErr := parseSlitherJSON(out)
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuditorUnavailable, runErr)
		}
		return nil, fmt.Errorf("parsing slither output: %w", parseErr)
	}

	a.logger.Debug("slither run complete",
		zap.String("contract", name),
		zap.Int("findings", len(findings)))
	return findings, nil
}

type slitherOutput struct {
	Success bool `json:"success"`
	Results struct {
		Detectors []slitherDetector `json:"detectors"`
	} `json:"results"`
}

type slitherDetector struct {
	Check       string `json:"check"`
	Impact      string `json:"impact"`
	Confidence  string `json:"confidence"`
	Description string `json:"description"`
	Elements    []struct {
		Name          string `json:"name"`
		SourceMapping struct {
			FilenameShort string `json:"filename_short"`
			Lines         []int  `json:"lines"`
		} `json:"source_mapping"`
	} `json:"elements"`
}

// parseSlitherJSON maps slither's detector output onto findings. An
// impact level the parser does not recognize maps to high so new
// detector classes force the gate to ask instead of waving them
// through.
func parseSlitherJSON(data []byte) ([]audit.Finding, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty output")
	}

	var out slitherOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	findings := make([]audit.Finding, 0, len(out.Results.Detectors))
	for _, det := range out.Results.Detectors {
		severity, err := audit.ParseSeverity(det.Impact)
		if err != nil {
			severity = audit.SeverityHigh
		}
		findings = append(findings, audit.Finding{
			Severity:    severity,
			Category:    det.Check,
			Description: strings.TrimSpace(det.Description),
			Location:    detectorLocation(det),
		})
	}
	return findings, nil
}

func detectorLocation(det slitherDetector) string {
	for _, el := range det.Elements {
		sm := el.SourceMapping
		if sm.FilenameShort == "" {
			continue
		}
		if len(sm.Lines) > 0 {
			return fmt.Sprintf("%s:%d", sm.FilenameShort, sm.Lines[0])
		}
		return sm.FilenameShort
	}
	return ""
}

var _ Auditor = (*SlitherAuditor)(nil)
