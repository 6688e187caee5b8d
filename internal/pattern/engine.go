// Package pattern implements usage-limit detection over free-form CLI
// output. Detection is a best-effort heuristic: literal fast-path phrases
// first, then configured patterns with a confidence scorer, then a keyword
// co-occurrence fallback. Malformed patterns are dropped with a warning,
// never a crash.
package pattern

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/drydock-sh/drydock/internal/session"
)

const (
	// DefaultConfidenceThreshold gates which matches become detections.
	DefaultConfidenceThreshold = 0.5
	// DefaultContextLines bounds the rolling context buffer.
	DefaultContextLines = 100
	// FastPathConfidence is assigned to literal fast-path phrase hits.
	FastPathConfidence = 0.95

	contextWindow       = 5
	historyCap          = 100
	earlyEmitMinLength  = 20
	earlyEmitConfidence = 0.8
)

// DefaultFastPhrases are literal phrases that short-circuit scoring.
func DefaultFastPhrases() []string {
	return []string{
		"usage limit exceeded",
		"quota exceeded",
		"rate limit",
		"limit exceeded",
	}
}

// DefaultPatterns cover the limit phrasings seen in captured transcripts.
func DefaultPatterns() []string {
	return []string{
		`usage limit (reached|exceeded|hit)`,
		`rate limit`,
		`quota (reached|exceeded)`,
		`too many requests`,
		`limit will reset at`,
		`try again (in|at|later)`,
		`usage limit`,
	}
}

var systemPrefixes = []string{
	"claude-code:",
	"loading",
	"initializing",
	"connecting",
}

var systemTagPattern = regexp.MustCompile(`^\s*\[(DEBUG|INFO|WARN|WARNING|ERROR|TRACE)\]`)

// IsSystemMessage reports whether a line is tool diagnostic noise that must
// never trigger detection. Shared with the task monitor's line filter.
func IsSystemMessage(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	if systemTagPattern.MatchString(trimmed) {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Config holds the detection tunables consumed from the configuration
// collaborator. Zero values fall back to package defaults.
type Config struct {
	Patterns            []string
	FastPhrases         []string
	ConfidenceThreshold float64
	CaseSensitive       bool
	ContextLines        int
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	TotalDetections   int
	PatternCount      int
	LinesProcessed    int
	AverageProcessing time.Duration
	LastDetection     *time.Time
	BufferSize        int
	DetectionRate     float64
}

type compiledPattern struct {
	raw string
	re  *regexp.Regexp
}

// Engine scans text for limit-exceeded signals. Safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	patterns    []compiledPattern
	fastPhrases []string
	context     []string
	partial     string
	lineCount   int
	history     []*session.DetectionEvent
	detections  int
	processed   int
	elapsed     time.Duration
	lastHit     *time.Time
	logger      *log.Logger
	now         func() time.Time
}

// Option configures Engine construction.
type Option func(*Engine)

// WithClock overrides the engine clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New compiles the configured patterns. Patterns that fail to compile are
// skipped with a warning; an empty surviving set is not an error, detection
// simply falls through to the fast phrases and the heuristic scorer.
func New(cfg Config, logger *log.Logger, options ...Option) *Engine {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = DefaultContextLines
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns()
	}
	if len(cfg.FastPhrases) == 0 {
		cfg.FastPhrases = DefaultFastPhrases()
	}

	engine := &Engine{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	engine.fastPhrases = normalizePhrases(cfg.FastPhrases)
	for _, raw := range cfg.Patterns {
		engine.compileAndAppend(raw)
	}
	return engine
}

func (e *Engine) compileAndAppend(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	expr := raw
	if !e.cfg.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.logger.Warn("skipping invalid detection pattern", "pattern", raw, "error", err)
		return false
	}
	e.patterns = append(e.patterns, compiledPattern{raw: raw, re: re})
	return true
}

// UpdatePatterns hot-swaps the pattern list, returning how many compiled.
func (e *Engine) UpdatePatterns(patterns []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = nil
	compiled := 0
	for _, raw := range patterns {
		if e.compileAndAppend(raw) {
			compiled++
		}
	}
	return compiled
}

// AddPattern appends one pattern; false when it does not compile.
func (e *Engine) AddPattern(raw string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.patterns {
		if existing.raw == strings.TrimSpace(raw) {
			return true
		}
	}
	return e.compileAndAppend(raw)
}

// RemovePattern drops one pattern by its raw text.
func (e *Engine) RemovePattern(raw string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw = strings.TrimSpace(raw)
	for i, existing := range e.patterns {
		if existing.raw == raw {
			e.patterns = append(e.patterns[:i], e.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// TestPattern evaluates a single pattern against text with full scoring,
// without touching engine state. Useful for tuning pattern lists.
func (e *Engine) TestPattern(raw, text string) (float64, bool) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return 0, false
	}
	if !e.cfg.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return 0, false
	}
	matched := re.FindString(text)
	if matched == "" {
		return 0, false
	}
	return scoreMatch(raw, text, matched), true
}

// Detect scans a block of text (possibly multi-line) and returns the best
// detection clearing the confidence threshold, or nil. Never panics and
// never propagates pattern errors.
func (e *Engine) Detect(text string) *session.DetectionEvent {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detectLocked(text)
}

func (e *Engine) detectLocked(text string) *session.DetectionEvent {
	started := e.now()
	lines := strings.Split(text, "\n")

	var best *session.DetectionEvent
	for _, line := range lines {
		e.lineCount++
		e.processed++
		e.pushContext(line)
		if IsSystemMessage(line) {
			continue
		}
		if event := e.matchLine(line, e.lineCount); event != nil {
			if best == nil || event.Confidence > best.Confidence {
				best = event
			}
		}
	}

	// Patterns may span line breaks; retry against the whole block before
	// falling back to keyword co-occurrence.
	if best == nil && len(lines) > 1 && !IsSystemMessage(text) {
		best = e.matchBlock(text)
	}
	if best == nil && !IsSystemMessage(text) {
		best = e.heuristicEvent(text)
	}

	e.elapsed += e.now().Sub(started)
	if best == nil {
		return nil
	}
	e.recordDetection(best)
	return best
}

func (e *Engine) matchLine(line string, lineNumber int) *session.DetectionEvent {
	lower := strings.ToLower(line)

	// Fast-path phrases set a near-maximal floor; configured patterns may
	// still score higher, so the floor never caps a stronger match.
	bestScore := 0.0
	bestPattern := ""
	for _, phrase := range e.fastPhrases {
		if strings.Contains(lower, phrase) {
			bestScore = FastPathConfidence
			bestPattern = phrase
			break
		}
	}
	for _, pattern := range e.patterns {
		matched := pattern.re.FindString(line)
		if matched == "" {
			continue
		}
		score := scoreMatch(pattern.raw, line, matched)
		if score > bestScore {
			bestScore = score
			bestPattern = pattern.raw
		}
	}
	if bestScore >= e.cfg.ConfidenceThreshold {
		return e.newEvent(bestPattern, line, bestScore, lineNumber)
	}
	return nil
}

func (e *Engine) matchBlock(text string) *session.DetectionEvent {
	bestScore := 0.0
	bestPattern := ""
	bestMatch := ""
	for _, pattern := range e.patterns {
		matched := pattern.re.FindString(text)
		if matched == "" {
			continue
		}
		score := scoreMatch(pattern.raw, text, matched)
		if score > bestScore {
			bestScore = score
			bestPattern = pattern.raw
			bestMatch = matched
		}
	}
	if bestScore >= e.cfg.ConfidenceThreshold {
		return e.newEvent(bestPattern, bestMatch, bestScore, e.lineCount)
	}
	return nil
}

func (e *Engine) heuristicEvent(text string) *session.DetectionEvent {
	label, score := heuristicScore(text)
	if score < e.cfg.ConfidenceThreshold || score == 0 {
		return nil
	}
	matched := strings.TrimSpace(text)
	if len(matched) > 200 {
		matched = matched[:200]
	}
	return e.newEvent(label, matched, score, e.lineCount)
}

func (e *Engine) newEvent(pattern, matchedText string, confidence float64, lineNumber int) *session.DetectionEvent {
	event, err := session.NewDetectionEvent(pattern, matchedText, confidence, e.now())
	if err != nil {
		e.logger.Warn("dropping malformed detection", "pattern", pattern, "error", err)
		return nil
	}
	event.LineNumber = lineNumber
	event.ContextBefore = e.contextBefore(matchedText)
	return event
}

// ProcessChunk feeds streaming output through the detector, for callers
// that receive raw unframed reads. Partial (no-newline) text is buffered
// across calls; a long, high-confidence partial line is emitted early
// rather than waiting for its newline. The supervisor's capture path is
// line-framed and goes through Detect instead.
func (e *Engine) ProcessChunk(chunk string) *session.DetectionEvent {
	if chunk == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	buffered := e.partial + chunk
	lastNewline := strings.LastIndexByte(buffered, '\n')
	var complete string
	if lastNewline >= 0 {
		complete = buffered[:lastNewline]
		e.partial = buffered[lastNewline+1:]
	} else {
		e.partial = buffered
	}

	if complete != "" {
		if event := e.detectLocked(complete); event != nil {
			return event
		}
	}

	if len(e.partial) > earlyEmitMinLength && !IsSystemMessage(e.partial) {
		if event := e.matchLine(e.partial, e.lineCount+1); event != nil && event.Confidence > earlyEmitConfidence {
			e.partial = ""
			e.recordDetection(event)
			return event
		}
	}
	return nil
}

// FlushPartial runs any buffered partial line through detection, e.g. on
// process exit when no trailing newline will arrive.
func (e *Engine) FlushPartial() *session.DetectionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.TrimSpace(e.partial) == "" {
		e.partial = ""
		return nil
	}
	pending := e.partial
	e.partial = ""
	return e.detectLocked(pending)
}

// Reset clears the streaming buffer and rolling context, e.g. after the
// orchestrator consumes a detection and clears the output buffer.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partial = ""
	e.context = nil
}

// History returns the capped detection history, newest last.
func (e *Engine) History() []*session.DetectionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*session.DetectionEvent, len(e.history))
	copy(out, e.history)
	return out
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{
		TotalDetections: e.detections,
		PatternCount:    len(e.patterns),
		LinesProcessed:  e.processed,
		LastDetection:   e.lastHit,
		BufferSize:      len(e.context),
	}
	if e.processed > 0 {
		stats.AverageProcessing = e.elapsed / time.Duration(e.processed)
		stats.DetectionRate = float64(e.detections) / float64(e.processed)
	}
	return stats
}

func (e *Engine) recordDetection(event *session.DetectionEvent) {
	e.detections++
	hit := event.DetectedAt
	e.lastHit = &hit
	e.history = append(e.history, event)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

func (e *Engine) pushContext(line string) {
	e.context = append(e.context, line)
	if len(e.context) > e.cfg.ContextLines {
		e.context = e.context[len(e.context)-e.cfg.ContextLines:]
	}
}

func (e *Engine) contextBefore(matched string) []string {
	if len(e.context) == 0 {
		return nil
	}
	end := len(e.context)
	// The matched line itself is the newest context entry; exclude it.
	if end > 0 && strings.Contains(e.context[end-1], matched) {
		end--
	}
	start := end - contextWindow
	if start < 0 {
		start = 0
	}
	if start == end {
		return nil
	}
	out := make([]string, end-start)
	copy(out, e.context[start:end])
	return out
}

func normalizePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" {
			out = append(out, phrase)
		}
	}
	return out
}
