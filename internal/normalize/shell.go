package normalize

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellWords returns the unquoted words of every simple command in cmd,
// including commands nested in pipelines, lists and subshells. Quoting
// tricks such as "dis""able" come back as a single word "disable".
// Unparseable input falls back to whitespace splitting.
func ShellWords(cmd string) []string {
	if strings.TrimSpace(cmd) == "" {
		return nil
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return strings.Fields(cmd)
	}

	var words []string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		for _, w := range call.Args {
			if lit := unquote(w.Parts); lit != "" {
				words = append(words, lit)
			}
		}
		return true
	})
	return words
}

// ShellText is ShellWords joined with single spaces.
func ShellText(cmd string) string {
	return strings.Join(ShellWords(cmd), " ")
}

func unquote(parts []syntax.WordPart) string {
	var sb strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			sb.WriteString(unquote(p.Parts))
		}
	}
	return sb.String()
}
