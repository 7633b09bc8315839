package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/recovery"

var (
	// ErrUnknownClass means the compiler output matched no fix class.
	ErrUnknownClass = errors.New("error matches no known fix class")

	// ErrClassAlreadyTried means this class's fix was already applied
	// this run and did not resolve the error.
	ErrClassAlreadyTried = errors.New("fix class already attempted")

	// ErrFixNotApplicable means the class is known but the source has
	// no site the transformation can act on.
	ErrFixNotApplicable = errors.New("fix not applicable to source")
)

// Config holds engine settings.
type Config struct {
	// PragmaVersion is the compiler version expression the pragma fix
	// pins to. Defaults to ^0.8.20.
	PragmaVersion string
}

// Fix is one applied repair.
type Fix struct {
	Class       ErrorClass
	Description string

	// Before and After hold the first changed line, for diagnostics.
	// Both are empty for delegated fixes.
	Before string
	After  string

	// Source is the full repaired source. It equals the input when
	// Delegated is set.
	Source string

	// Delegated means dependency resolution should run instead of a
	// source change, and compilation retries with unchanged source.
	Delegated bool
}

// Engine applies at most one deterministic fix per attempt and tracks
// which classes it has already tried.
//
// An Engine follows a single workflow run; it is not safe for
// concurrent use.
type Engine struct {
	config Config
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	attemptsTotal metric.Int64Counter

	tried []ErrorClass
}

// NewEngine builds an engine for one run.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PragmaVersion == "" {
		cfg.PragmaVersion = "^0.8.20"
	}

	e := &Engine{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	var err error

	e.attemptsTotal, err = e.meter.Int64Counter(
		"crucible.recovery.attempts_total",
		metric.WithDescription("Fix attempts by class and result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create attempts counter", zap.Error(err))
	}
}

// TriedClasses returns the classes attempted so far, in order.
func (e *Engine) TriedClasses() []ErrorClass {
	out := make([]ErrorClass, len(e.tried))
	copy(out, e.tried)
	return out
}

// MarkTried records classes as already attempted. Callers resuming a
// run whose earlier fix cycles happened on another engine instance
// seed the new one with the classes spent so far.
func (e *Engine) MarkTried(classes ...ErrorClass) {
	for _, c := range classes {
		if !e.hasTried(c) {
			e.tried = append(e.tried, c)
		}
	}
}

func (e *Engine) hasTried(class ErrorClass) bool {
	for _, c := range e.tried {
		if c == class {
			return true
		}
	}
	return false
}

// Attempt classifies the compiler output and applies the one fix
// matched to its class. A nil Fix means the error cannot be repaired
// here; the returned error says why.
func (e *Engine) Attempt(ctx context.Context, compilerOutput, source string) (*Fix, error) {
	ctx, span := e.tracer.Start(ctx, "recovery.attempt")
	defer span.End()

	classified := Classify(compilerOutput)
	span.SetAttributes(attribute.String("recovery.class", string(classified.Class)))

	if classified.Class == ClassUnknown {
		e.record(ctx, classified.Class, "unknown")
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, classified.Message)
	}
	if e.hasTried(classified.Class) {
		e.record(ctx, classified.Class, "already_tried")
		return nil, fmt.Errorf("%w: %s", ErrClassAlreadyTried, classified.Class)
	}

	if classified.Class == ClassMissingImport {
		e.tried = append(e.tried, classified.Class)
		e.record(ctx, classified.Class, "delegated")
		e.logger.Info("delegating missing import to dependency resolver",
			zap.String("message", classified.Message),
		)
		return &Fix{
			Class:       classified.Class,
			Description: "missing import: resolve dependencies and retry with unchanged source",
			Source:      source,
			Delegated:   true,
		}, nil
	}

	fixed, description, err := e.applyFix(classified, source)
	if err != nil {
		e.record(ctx, classified.Class, "not_applicable")
		return nil, err
	}

	e.tried = append(e.tried, classified.Class)
	e.record(ctx, classified.Class, "applied")

	before, after := firstDiff(source, fixed)
	e.logger.Info("applied fix",
		zap.String("class", string(classified.Class)),
		zap.String("description", description),
		zap.String("before", before),
		zap.String("after", after),
	)
	return &Fix{
		Class:       classified.Class,
		Description: description,
		Before:      before,
		After:       after,
		Source:      fixed,
	}, nil
}

func (e *Engine) record(ctx context.Context, class ErrorClass, result string) {
	if e.attemptsTotal != nil {
		e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", string(class)),
			attribute.String("result", result),
		))
	}
}

func (e *Engine) applyFix(classified ClassifiedError, source string) (string, string, error) {
	switch classified.Class {
	case ClassMissingOverride:
		return fixMissingOverride(source, classified.Line)
	case ClassInvalidOverride:
		return fixInvalidOverride(source, classified.Line)
	case ClassShadowedParameter:
		return fixShadowedParameter(source, classified.Line)
	case ClassDeprecatedCounter:
		return fixDeprecatedCounter(source)
	case ClassPragmaMismatch:
		return fixPragma(source, e.config.PragmaVersion)
	default:
		return "", "", fmt.Errorf("%w: %s", ErrFixNotApplicable, classified.Class)
	}
}

// fixMissingOverride inserts an override specifier into the function
// declaration the diagnostic points at.
func fixMissingOverride(source string, line int) (string, string, error) {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return "", "", fmt.Errorf("%w: no source location for override insert", ErrFixNotApplicable)
	}

	sig := lines[line-1]
	if !strings.Contains(sig, "function") || strings.Contains(sig, "override") {
		return "", "", fmt.Errorf("%w: line %d is not an overridable declaration", ErrFixNotApplicable, line)
	}

	switch {
	case strings.Contains(sig, " returns"):
		idx := strings.Index(sig, " returns")
		lines[line-1] = sig[:idx] + " override" + sig[idx:]
	case strings.Contains(sig, "{"):
		idx := strings.Index(sig, "{")
		lines[line-1] = strings.TrimRight(sig[:idx], " ") + " override " + sig[idx:]
	default:
		lines[line-1] = sig + " override"
	}
	return strings.Join(lines, "\n"), "inserted override specifier", nil
}

var overrideSpecifierPattern = regexp.MustCompile(`\s+override(\s*\([^)]*\))?`)

// fixInvalidOverride removes the override specifier from the declaration
// the diagnostic points at.
func fixInvalidOverride(source string, line int) (string, string, error) {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return "", "", fmt.Errorf("%w: no source location for override removal", ErrFixNotApplicable)
	}

	sig := lines[line-1]
	if !overrideSpecifierPattern.MatchString(sig) {
		return "", "", fmt.Errorf("%w: line %d carries no override specifier", ErrFixNotApplicable, line)
	}

	lines[line-1] = overrideSpecifierPattern.ReplaceAllString(sig, "")
	return strings.Join(lines, "\n"), "removed override specifier", nil
}

// stateVarPattern matches contract-level variable declarations, the
// common elementary types plus mappings.
var stateVarPattern = regexp.MustCompile(`(?m)^\s*(?:uint\d*|int\d*|address|bool|string|bytes\d*|mapping\s*\([^;]*\))\s+(?:(?:public|private|internal|constant|immutable)\s+)*([A-Za-z_]\w*)\s*(?:=[^;]*)?;`)

// fixShadowedParameter renames the shadowing parameter, suffixing it
// with an underscore throughout the function body. Every occurrence in
// the body referred to the parameter (that is what shadowing means), so
// the rename preserves behavior.
func fixShadowedParameter(source string, line int) (string, string, error) {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return "", "", fmt.Errorf("%w: no source location for shadowed parameter", ErrFixNotApplicable)
	}

	params := parseParams(lines[line-1])
	if len(params) == 0 {
		return "", "", fmt.Errorf("%w: no parameters on line %d", ErrFixNotApplicable, line)
	}

	stateVars := make(map[string]bool)
	for _, m := range stateVarPattern.FindAllStringSubmatch(source, -1) {
		stateVars[m[1]] = true
	}

	var shadowed string
	for _, p := range params {
		if stateVars[p] {
			shadowed = p
			break
		}
	}
	if shadowed == "" {
		return "", "", fmt.Errorf("%w: no parameter on line %d shadows a state variable", ErrFixNotApplicable, line)
	}

	end := functionEnd(lines, line-1)
	wordPattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(shadowed) + `\b`)
	for i := line - 1; i <= end; i++ {
		lines[i] = wordPattern.ReplaceAllString(lines[i], shadowed+"_")
	}

	description := fmt.Sprintf("renamed shadowing parameter %s to %s_", shadowed, shadowed)
	return strings.Join(lines, "\n"), description, nil
}

// parseParams extracts parameter names from a single-line declaration.
func parseParams(sig string) []string {
	open := strings.Index(sig, "(")
	if open < 0 {
		return nil
	}
	closing := strings.Index(sig[open:], ")")
	if closing < 0 {
		return nil
	}

	var names []string
	for _, part := range strings.Split(sig[open+1:open+closing], ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) < 2 {
			continue
		}
		name := fields[len(fields)-1]
		if identPattern.MatchString(name) {
			names = append(names, name)
		}
	}
	return names
}

var identPattern = regexp.MustCompile(`^[A-Za-z_]\w*$`)

// functionEnd returns the index of the line closing the declaration
// opened at start, by brace counting.
func functionEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, ch := range lines[i] {
			switch ch {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
	}
	return len(lines) - 1
}

var (
	counterImportPattern = regexp.MustCompile(`(?m)^\s*import\s+[^;\n]*Counters\.sol[^;\n]*;[ \t]*\r?\n?`)
	counterUsingPattern  = regexp.MustCompile(`(?m)^\s*using\s+Counters\s+for\s+Counters\.Counter\s*;[ \t]*\r?\n?`)
	counterTypePattern   = regexp.MustCompile(`Counters\.Counter`)
	incrementPattern     = regexp.MustCompile(`(\w+)\.increment\(\)`)
	decrementPattern     = regexp.MustCompile(`(\w+)\.decrement\(\)`)
	currentPattern       = regexp.MustCompile(`(\w+)\.current\(\)`)
)

// fixDeprecatedCounter rewrites Counters usage to plain uint256
// arithmetic. OpenZeppelin 5 removed the library, so no install can
// provide it.
func fixDeprecatedCounter(source string) (string, string, error) {
	fixed := counterImportPattern.ReplaceAllString(source, "")
	fixed = counterUsingPattern.ReplaceAllString(fixed, "")
	fixed = counterTypePattern.ReplaceAllString(fixed, "uint256")
	fixed = incrementPattern.ReplaceAllString(fixed, "$1 += 1")
	fixed = decrementPattern.ReplaceAllString(fixed, "$1 -= 1")
	fixed = currentPattern.ReplaceAllString(fixed, "$1")

	if fixed == source {
		return "", "", fmt.Errorf("%w: source uses no Counters constructs", ErrFixNotApplicable)
	}
	return fixed, "replaced removed Counters utility with uint256 arithmetic", nil
}

var pragmaPattern = regexp.MustCompile(`(?m)^(\s*)pragma\s+solidity\s+[^;]+;`)

// fixPragma rewrites the compiler-version directive to the pinned
// expression.
func fixPragma(source, version string) (string, string, error) {
	if !pragmaPattern.MatchString(source) {
		return "", "", fmt.Errorf("%w: source has no pragma directive", ErrFixNotApplicable)
	}

	fixed := pragmaPattern.ReplaceAllString(source, "${1}pragma solidity "+version+";")
	if fixed == source {
		return "", "", fmt.Errorf("%w: pragma already pinned to %s", ErrFixNotApplicable, version)
	}
	return fixed, "pinned compiler version directive to " + version, nil
}

// firstDiff returns the first differing line pair between two sources,
// trimmed. A removed line pairs with an empty string.
func firstDiff(before, after string) (string, string) {
	bl := strings.Split(before, "\n")
	al := strings.Split(after, "\n")

	for i := 0; i < len(bl); i++ {
		if i >= len(al) {
			return strings.TrimSpace(bl[i]), ""
		}
		if bl[i] == al[i] {
			continue
		}
		if i+1 < len(bl) && bl[i+1] == al[i] {
			return strings.TrimSpace(bl[i]), ""
		}
		return strings.TrimSpace(bl[i]), strings.TrimSpace(al[i])
	}
	return "", ""
}
