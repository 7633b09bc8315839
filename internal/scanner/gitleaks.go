package scanner

import (
	"github.com/zricethezav/gitleaks/v8/detect"
)

// GitleaksDetector implements SecretDetector with the Gitleaks SDK
// default config (800+ rules).
type GitleaksDetector struct {
	detector *detect.Detector
}

// NewGitleaksDetector creates a detector with the default rule set.
// The detector is built once and reused across scans.
func NewGitleaksDetector() (*GitleaksDetector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &GitleaksDetector{detector: detector}, nil
}

// Detect scans content for secrets.
func (d *GitleaksDetector) Detect(content string) ([]SecretFinding, error) {
	gitleaksFindings := d.detector.DetectString(content)

	result := make([]SecretFinding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, SecretFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartCol:    f.StartColumn,
			EndCol:      f.EndColumn,
			Match:       f.Secret,
		})
	}

	return result, nil
}
