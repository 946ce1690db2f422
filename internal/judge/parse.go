// Package judge turns the free-text output of an external semantic verifier
// into a JudgeVerdict and applies the rules that keep a misbehaving verifier
// from passing work it has not checked.
package judge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/taskloop/internal/models"
)

// ErrMalformed is returned by Parse when the text carries no verdict.
var ErrMalformed = errors.New("malformed judge output")

var (
	statusLine     = regexp.MustCompile(`(?i)^\s*status\s*[:=]\s*(pass|fail)\b`)
	exitSignalLine = regexp.MustCompile(`(?i)^\s*exit[_ ]?signal\s*[:=]\s*(true|false|yes|no)\b`)
	reasonLine     = regexp.MustCompile(`(?i)^\s*reasons?\s*[:=]\s*(.*)$`)
	nextLine       = regexp.MustCompile(`(?i)^\s*next[_ ]?actions?\s*[:=]\s*(.*)$`)
	emphasis       = strings.NewReplacer("**", "", "__", "", "`", "")
)

// Parse reads a verdict from a JSON object (bare, fenced or embedded in
// prose) or from a Markdown report with STATUS: and EXIT_SIGNAL: lines and
// Reasons / Next actions lists. Conflicting status markers produce a FAIL
// verdict that explains the conflict. The result is not normalized.
func Parse(output string) (models.JudgeVerdict, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return models.JudgeVerdict{}, fmt.Errorf("%w: empty output", ErrMalformed)
	}
	if v, ok := parseJSON(trimmed); ok {
		scan, err := scanMarkdown([]byte(trimmed))
		if err != nil {
			return v, nil
		}
		statuses := append([]string{v.Status}, scan.statuses...)
		return resolveConflict(v, statuses), nil
	}
	return parseMarkdown([]byte(trimmed))
}

// resolveConflict turns v into a FAIL when the status markers found in the
// output disagree. statuses[0] must be v's own status.
func resolveConflict(v models.JudgeVerdict, statuses []string) models.JudgeVerdict {
	for _, s := range statuses[1:] {
		if s != statuses[0] {
			v.Status = models.VerdictFail
			v.ExitSignal = false
			v.Code = models.ReasonJudgeFail
			v.Reason = append([]string{"judge output contained conflicting status markers (" +
				strings.Join(statuses, ", ") + "); treated as FAIL"}, v.Reason...)
			break
		}
	}
	return v
}

// jsonVerdict accepts both camelCase and snake_case keys and a reason given
// as a string or a list.
type jsonVerdict struct {
	Status          string          `json:"status"`
	ExitSignal      *bool           `json:"exitSignal"`
	ExitSignalSnake *bool           `json:"exit_signal"`
	Reason          json.RawMessage `json:"reason"`
	Reasons         json.RawMessage `json:"reasons"`
	NextActions     json.RawMessage `json:"nextActions"`
	NextActionsSnk  json.RawMessage `json:"next_actions"`
}

func parseJSON(output string) (models.JudgeVerdict, bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return models.JudgeVerdict{}, false
	}

	var raw jsonVerdict
	if err := json.Unmarshal([]byte(output[start:end+1]), &raw); err != nil || raw.Status == "" {
		return models.JudgeVerdict{}, false
	}

	v := models.JudgeVerdict{Status: strings.ToUpper(strings.TrimSpace(raw.Status))}
	switch {
	case raw.ExitSignal != nil:
		v.ExitSignal = *raw.ExitSignal
	case raw.ExitSignalSnake != nil:
		v.ExitSignal = *raw.ExitSignalSnake
	}
	v.Reason = append(stringList(raw.Reason), stringList(raw.Reasons)...)
	v.NextActions = append(stringList(raw.NextActions), stringList(raw.NextActionsSnk)...)
	return v, true
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return compact([]string{single})
	}
	return nil
}

type section int

const (
	sectionNone section = iota
	sectionReasons
	sectionNextActions
)

type markdownScan struct {
	statuses   []string
	exitSignal bool
	section    section
	verdict    models.JudgeVerdict
}

func parseMarkdown(source []byte) (models.JudgeVerdict, error) {
	scan, err := scanMarkdown(source)
	if err != nil {
		return models.JudgeVerdict{}, err
	}
	if len(scan.statuses) == 0 {
		return models.JudgeVerdict{}, fmt.Errorf("%w: no STATUS marker found", ErrMalformed)
	}

	v := scan.verdict
	v.Reason = compact(v.Reason)
	v.NextActions = compact(v.NextActions)
	v.ExitSignal = scan.exitSignal
	v.Status = scan.statuses[0]
	return resolveConflict(v, scan.statuses), nil
}

// scanMarkdown collects status markers, the exit signal and the reason and
// next-action lists from prose. Code blocks are skipped.
func scanMarkdown(source []byte) (*markdownScan, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	scan := &markdownScan{}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			scan.section = sectionNone
			scan.line(string(blockText(node, source)))
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			item := strings.TrimSpace(emphasis.Replace(string(blockText(node, source))))
			switch scan.section {
			case sectionReasons:
				scan.verdict.Reason = append(scan.verdict.Reason, item)
			case sectionNextActions:
				scan.verdict.NextActions = append(scan.verdict.NextActions, item)
			default:
				scan.line(item)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				scan.line(string(seg.Value(source)))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return scan, nil
}

// line interprets one line of prose.
func (s *markdownScan) line(raw string) {
	line := strings.TrimSpace(emphasis.Replace(raw))
	if line == "" {
		return
	}
	lower := strings.ToLower(strings.TrimRight(line, ":"))

	switch {
	case statusLine.MatchString(line):
		s.statuses = append(s.statuses, strings.ToUpper(statusLine.FindStringSubmatch(line)[1]))
	case exitSignalLine.MatchString(line):
		val := strings.ToLower(exitSignalLine.FindStringSubmatch(line)[1])
		s.exitSignal = val == "true" || val == "yes"
	case lower == "reasons" || lower == "reason":
		s.section = sectionReasons
	case lower == "next actions" || lower == "next action" || lower == "next steps":
		s.section = sectionNextActions
	case reasonLine.MatchString(line):
		s.section = sectionReasons
		if rest := strings.TrimSpace(reasonLine.FindStringSubmatch(line)[1]); rest != "" {
			s.verdict.Reason = append(s.verdict.Reason, rest)
		}
	case nextLine.MatchString(line):
		s.section = sectionNextActions
		if rest := strings.TrimSpace(nextLine.FindStringSubmatch(line)[1]); rest != "" {
			s.verdict.NextActions = append(s.verdict.NextActions, rest)
		}
	}
}

// blockText joins the raw lines of n and of its direct text-bearing
// children.
func blockText(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	appendLines := func(node ast.Node) {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.Write(bytes.TrimSpace(seg.Value(source)))
		}
	}
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		appendLines(n)
		return buf.Bytes()
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			appendLines(c)
		}
	}
	return buf.Bytes()
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
