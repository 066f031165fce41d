package messaging

import (
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/jaakkos/mailroom/internal/domain"
)

const maxKeyPoints = 8

// Refiner optionally rewrites a structural summary, e.g. through an LLM.
// The core ships only the structural pass; a nil refiner is the default.
type Refiner interface {
	Refine(ctx context.Context, summary *domain.ThreadSummary, bodies []string) (*domain.ThreadSummary, error)
}

// summarize builds the structural thread summary: participants, counts,
// time span, headings as key points, and action items extracted from task
// lists and ACTION:/TODO: lines.
func (e *Engine) summarize(ctx context.Context, threadID string, msgs []domain.Message) (*domain.ThreadSummary, error) {
	s := &domain.ThreadSummary{ThreadID: threadID, MessageCount: len(msgs)}
	seen := map[int64]bool{}
	var bodies []string
	for i, m := range msgs {
		if i == 0 || m.CreatedTS.Before(s.FirstTS) {
			s.FirstTS = m.CreatedTS
		}
		if m.CreatedTS.After(s.LastTS) {
			s.LastTS = m.CreatedTS
		}
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			if a, err := e.catalog.AgentByID(ctx, m.SenderID); err == nil {
				s.Participants = append(s.Participants, a.Name)
			}
		}
		points, actions := extractMarkdown(m.BodyMD)
		s.KeyPoints = appendCapped(s.KeyPoints, points, maxKeyPoints)
		s.ActionItems = append(s.ActionItems, actions...)
		bodies = append(bodies, m.BodyMD)
	}

	if e.refiner != nil {
		refined, err := e.refiner.Refine(ctx, s, bodies)
		if err != nil {
			e.logger.Printf("messaging: summary refinement failed, keeping structural pass: %v", err)
			return s, nil
		}
		return refined, nil
	}
	return s, nil
}

// extractMarkdown walks the markdown AST once, collecting headings as key
// points and task-list / ACTION: / TODO: lines as action items.
func extractMarkdown(body string) (points, actions []string) {
	source := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if txt := nodeText(node, source); txt != "" {
				points = append(points, txt)
			}
		case *ast.ListItem:
			txt := nodeText(node, source)
			if item, ok := actionItem(txt); ok {
				actions = append(actions, item)
				return ast.WalkSkipChildren, nil
			}
		}
		return ast.WalkContinue, nil
	})

	// ACTION:/TODO: prefixes outside list items still count.
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "ACTION:") || strings.HasPrefix(trimmed, "TODO:") {
			if item, ok := actionItem(trimmed); ok {
				actions = append(actions, item)
			}
		}
	}
	return points, dedupe(actions)
}

// actionItem recognizes `[ ] task`, `ACTION: task`, `TODO: task` forms and
// returns the task text.
func actionItem(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"[ ]", "ACTION:", "TODO:"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				return rest, true
			}
		}
	}
	return "", false
}

func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func appendCapped(dst, src []string, max int) []string {
	for _, s := range src {
		if len(dst) >= max {
			break
		}
		dst = append(dst, s)
	}
	return dst
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
