// Package recovery repairs classified compiler errors, applying one
// deterministic source transformation per attempt.
//
// The engine is driven by the deploy loop: classify the compiler
// output, apply the single fix matched to its class, recompile. Fix
// classes are tried at most once per run, so a transformation that did
// not resolve its error is never re-applied.
package recovery

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorClass identifies a compiler error family with a known repair.
type ErrorClass string

const (
	// ClassMissingOverride covers functions that override a base
	// declaration without saying so.
	ClassMissingOverride ErrorClass = "missing-override"

	// ClassInvalidOverride covers override specifiers on functions
	// that override nothing.
	ClassInvalidOverride ErrorClass = "invalid-override"

	// ClassShadowedParameter covers parameters shadowing a state
	// variable.
	ClassShadowedParameter ErrorClass = "shadowed-parameter"

	// ClassDeprecatedCounter covers use of the Counters utility,
	// removed from OpenZeppelin 5.
	ClassDeprecatedCounter ErrorClass = "deprecated-counter"

	// ClassPragmaMismatch covers a compiler-version directive the
	// installed compiler cannot satisfy.
	ClassPragmaMismatch ErrorClass = "pragma-mismatch"

	// ClassMissingImport covers imports the compiler cannot find.
	// Its repair is dependency resolution, not a source change.
	ClassMissingImport ErrorClass = "missing-import"

	// ClassUnknown means no rule matched; the error is not fixable
	// here.
	ClassUnknown ErrorClass = "unknown"
)

// maxOutputLength bounds regex input so pathological compiler output
// cannot stall classification.
const maxOutputLength = 32 * 1024

// classifierRule pairs a compiled regex with the class it detects.
// Rules are evaluated in order; the first match wins.
type classifierRule struct {
	regex *regexp.Regexp
	class ErrorClass
}

// buildClassifierRules returns ordered classification rules. More
// specific patterns come first: the removed Counters library also
// surfaces as a missing file and must not classify as a plain missing
// import.
func buildClassifierRules() []*classifierRule {
	return []*classifierRule{
		{
			regex: regexp.MustCompile(`Counters\.sol|using\s+Counters\b|Counters\.Counter`),
			class: ClassDeprecatedCounter,
		},
		{
			regex: regexp.MustCompile(`(?i)missing\s+"?override"?\s+specifier`),
			class: ClassMissingOverride,
		},
		{
			regex: regexp.MustCompile(`(?i)override\s+specified\s+but\s+does\s+not\s+override`),
			class: ClassInvalidOverride,
		},
		{
			regex: regexp.MustCompile(`(?i)declaration\s+shadows\s+an\s+existing\s+declaration`),
			class: ClassShadowedParameter,
		},
		{
			regex: regexp.MustCompile(`(?i)requires\s+different\s+compiler\s+version`),
			class: ClassPragmaMismatch,
		},
		{
			regex: regexp.MustCompile(`(?i)Source\s+"[^"]*"\s+not\s+found|File\s+not\s+found|not\s+found:\s+File`),
			class: ClassMissingImport,
		},
	}
}

var classifierRules = buildClassifierRules()

// locationPattern matches the "--> file:line:col:" arrow the compiler
// prints under each diagnostic.
var locationPattern = regexp.MustCompile(`-->\s*([^\s:]+):(\d+):(\d+)`)

// ClassifiedError is a compiler error reduced to its repair class and
// source location.
type ClassifiedError struct {
	Class ErrorClass

	// Message is the first non-empty line of the compiler output.
	Message string

	// File and Line locate the diagnostic. Line is 0 when the output
	// carried no location.
	File string
	Line int
}

// Classify reduces raw compiler output to an error class. Output that
// matches no rule classifies as ClassUnknown.
func Classify(output string) ClassifiedError {
	if len(output) > maxOutputLength {
		output = output[:maxOutputLength]
	}

	classified := ClassifiedError{
		Class:   ClassUnknown,
		Message: firstLine(output),
	}

	for _, rule := range classifierRules {
		if rule.regex.MatchString(output) {
			classified.Class = rule.class
			break
		}
	}

	if m := locationPattern.FindStringSubmatch(output); m != nil {
		classified.File = m[1]
		if n, err := strconv.Atoi(m[2]); err == nil {
			classified.Line = n
		}
	}
	return classified
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
