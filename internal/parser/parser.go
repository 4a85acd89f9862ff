// Package parser turns free-form model replies into canonical instructions.
//
// Parse never fails: it walks an ordered chain of strategies (direct decode,
// textual repair, extraction from prose) and stops at the first one that
// yields a syntactically valid JSON document, even when that document
// carries no instructions. The document is then interpreted against the
// producer shapes seen in practice.
package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"AgentFlow-Chain/internal/chain"

	"github.com/tidwall/gjson"
)

// Stage identifies which strategy produced the parsed document.
type Stage int

const (
	StageFailed Stage = iota
	StageEmpty
	StageDirect
	StageCleanup
	StageExtracted
)

func (s Stage) String() string {
	switch s {
	case StageEmpty:
		return "empty"
	case StageDirect:
		return "direct"
	case StageCleanup:
		return "cleanup"
	case StageExtracted:
		return "extracted"
	default:
		return "failed"
	}
}

const diagnosticPrefixLen = 200

// Result is the outcome of Parse. Instructions is never nil.
type Result struct {
	Instructions []chain.Instruction
	Summary      string
	Signatures   []string
	Stage        Stage
	// Document is the JSON value the chosen stage produced; nil when no
	// stage produced one.
	Document json.RawMessage
	// Dropped counts transaction elements that could not be converted.
	Dropped int
}

// Parser carries the logger used for dropped-element diagnostics.
type Parser struct {
	log *slog.Logger
}

// New returns a Parser. A nil logger discards diagnostics.
func New(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Parser{log: log}
}

// Parse is a convenience wrapper around a Parser without logging.
func Parse(raw string) Result {
	return New(nil).Parse(raw)
}

// Parse converts raw model output into a Result. It never panics.
func (p *Parser) Parse(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("parser panic recovered", slog.Any("panic", r))
			res = failed(raw)
		}
	}()

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{Instructions: []chain.Instruction{}, Stage: StageEmpty, Summary: "Empty response from model"}
	}

	doc, stage := locate(trimmed)
	if doc == nil {
		p.log.Warn("no JSON document found in model output", slog.Int("length", len(trimmed)))
		return failed(trimmed)
	}

	res = Result{Instructions: []chain.Instruction{}, Stage: stage, Document: doc}
	p.interpret(doc, &res, 0)
	p.log.Debug("model output parsed",
		slog.String("stage", stage.String()),
		slog.Int("instructions", len(res.Instructions)),
		slog.Int("dropped", res.Dropped))
	return res
}

func failed(raw string) Result {
	prefix := raw
	if len(prefix) > diagnosticPrefixLen {
		cut := diagnosticPrefixLen
		for cut > 0 && !utf8.RuneStart(prefix[cut]) {
			cut--
		}
		prefix = prefix[:cut] + "..."
	}
	return Result{
		Instructions: []chain.Instruction{},
		Stage:        StageFailed,
		Summary:      fmt.Sprintf("Response parsing failed: %s", prefix),
	}
}

// locate runs the ordered strategies and returns the first valid document.
func locate(text string) (json.RawMessage, Stage) {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), StageDirect
	}
	if repaired := Repair(text); json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired), StageCleanup
	}
	if span, ok := Extract(text); ok {
		if json.Valid([]byte(span)) {
			return json.RawMessage(span), StageExtracted
		}
		if repaired := Repair(span); json.Valid([]byte(repaired)) {
			return json.RawMessage(repaired), StageExtracted
		}
	}
	return nil, StageFailed
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	bareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuoted  = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	fencedJSON    = regexp.MustCompile("(?s)```(?:json|JSON)[ \\t]*\\r?\\n?(.*?)```")
)

// Repair applies best-effort textual fixes. The output is untrusted and must
// be validated by a real decode.
func Repair(text string) string {
	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}
	if !strings.Contains(text, `"`) {
		text = singleQuoted.ReplaceAllStringFunc(text, func(m string) string {
			return `"` + strings.ReplaceAll(m[1:len(m)-1], `\'`, `'`) + `"`
		})
	}
	text = bareKey.ReplaceAllString(text, `$1"$2":`)
	text = trailingComma.ReplaceAllString(text, "$1")
	return text
}

// Extract finds a JSON candidate inside prose: a fenced json block first,
// otherwise the first balanced {...} span.
func Extract(text string) (string, bool) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if body := strings.TrimSpace(m[1]); body != "" {
			return body, true
		}
	}
	return balancedObject(text)
}

// balancedObject scans from the first '{' to its matching '}', ignoring
// braces inside string literals.
func balancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

const maxNesting = 4

// interpret applies the producer shapes to a valid document.
func (p *Parser) interpret(doc []byte, res *Result, depth int) {
	if depth > maxNesting {
		return
	}
	root := gjson.ParseBytes(doc)

	if root.IsArray() {
		p.transactions(root, res)
		return
	}
	if !root.IsObject() {
		if res.Summary == "" && root.Type == gjson.String {
			res.Summary = root.String()
		}
		return
	}

	if s := root.Get("summary"); s.Type == gjson.String && res.Summary == "" {
		res.Summary = s.String()
	}
	if sigs := root.Get("signatures"); sigs.IsArray() && len(res.Signatures) == 0 {
		for _, sig := range sigs.Array() {
			if sig.Type == gjson.String {
				res.Signatures = append(res.Signatures, sig.String())
			}
		}
	}

	switch txs, result, ixs := root.Get("transactions"), root.Get("result"), root.Get("instructions"); {
	case txs.IsArray():
		p.transactions(txs, res)
	case result.Exists():
		p.result(result, res, depth)
	case ixs.IsArray():
		for _, ix := range ixs.Array() {
			p.instruction(ix, res)
		}
	case looksLikeInstruction(root):
		p.instruction(root, res)
	}
}

// result handles a "result" field that is a JSON string, an object with a
// JSON "text" field, or a plain object.
func (p *Parser) result(result gjson.Result, res *Result, depth int) {
	switch {
	case result.Type == gjson.String:
		text := strings.TrimSpace(result.String())
		if json.Valid([]byte(text)) {
			p.interpret([]byte(text), res, depth+1)
		} else if res.Summary == "" {
			res.Summary = text
		}
	case result.IsObject():
		if text := result.Get("text"); text.Type == gjson.String {
			inner := strings.TrimSpace(text.String())
			if json.Valid([]byte(inner)) {
				p.interpret([]byte(inner), res, depth+1)
			} else if res.Summary == "" {
				res.Summary = inner
			}
			return
		}
		p.interpret([]byte(result.Raw), res, depth+1)
	}
}

// transactions normalises each element: an instruction object, an array of
// instructions, or an object carrying an instructions array.
func (p *Parser) transactions(txs gjson.Result, res *Result) {
	for i, tx := range txs.Array() {
		switch {
		case tx.IsArray():
			for _, inner := range tx.Array() {
				p.instruction(inner, res)
			}
		case tx.Get("instructions").IsArray():
			for _, inner := range tx.Get("instructions").Array() {
				p.instruction(inner, res)
			}
		case tx.IsObject():
			p.instruction(tx, res)
		default:
			res.Dropped++
			p.log.Warn("dropping transaction element", slog.Int("index", i), slog.String("raw", tx.Raw))
		}
	}
}

func (p *Parser) instruction(v gjson.Result, res *Result) {
	var ix chain.Instruction
	if !v.IsObject() {
		res.Dropped++
		p.log.Warn("dropping non-object instruction", slog.String("raw", v.Raw))
		return
	}
	if err := json.Unmarshal([]byte(v.Raw), &ix); err != nil || ix.ProgramID == "" {
		res.Dropped++
		p.log.Warn("dropping malformed instruction", slog.String("raw", v.Raw), slog.Any("error", err))
		return
	}
	res.Instructions = append(res.Instructions, ix)
}

func looksLikeInstruction(v gjson.Result) bool {
	return v.Get("program_id").Exists() || v.Get("programId").Exists()
}
