package contextmgr

import (
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// fencedBlockPattern matches ```lang\n...\n``` fenced code blocks, capturing
// the language hint (possibly empty) and the body.
var fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

// languageAliases maps common short hints onto chroma lexer names.
var languageAliases = map[string]string{
	"rs":   "rust",
	"py":   "python",
	"ts":   "typescript",
	"tsx":  "typescript",
	"js":   "javascript",
	"jsx":  "javascript",
	"rb":   "ruby",
	"go":   "go",
	"sh":   "bash",
	"yml":  "yaml",
	"md":   "markdown",
	"kt":   "kotlin",
	"cpp":  "cpp",
	"c++":  "cpp",
	"cs":   "csharp",
}

type codeBlock struct {
	lang string
	code string
}

// looksLikeCode is a loose heuristic for treating an un-fenced message body
// as a single code block: a meaningful fraction of lines start with common
// code punctuation or indentation.
func looksLikeCode(body string) bool {
	lines := strings.Split(body, "\n")
	if len(lines) < 2 {
		return false
	}
	codeLike := 0
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(l, "\t") || strings.HasPrefix(l, "    ") {
			codeLike++
			continue
		}
		if strings.HasSuffix(trimmed, "{") || strings.HasSuffix(trimmed, ";") ||
			strings.HasSuffix(trimmed, "}") || strings.Contains(trimmed, "func ") ||
			strings.Contains(trimmed, "def ") || strings.Contains(trimmed, "class ") {
			codeLike++
		}
	}
	return float64(codeLike)/float64(len(lines)) > 0.3
}

func extractCodeBlocks(body string) []codeBlock {
	matches := fencedBlockPattern.FindAllStringSubmatch(body, -1)
	if len(matches) > 0 {
		blocks := make([]codeBlock, 0, len(matches))
		for _, m := range matches {
			blocks = append(blocks, codeBlock{lang: strings.ToLower(m[1]), code: m[2]})
		}
		return blocks
	}
	if looksLikeCode(body) {
		return []codeBlock{{lang: "", code: body}}
	}
	return nil
}

func resolveLexer(lang, code string) chroma.Lexer {
	if lang != "" {
		if alias, ok := languageAliases[lang]; ok {
			lang = alias
		}
		if l := lexers.Get(lang); l != nil {
			return l
		}
	}
	if l := lexers.Analyse(code); l != nil {
		return l
	}
	return lexers.Fallback
}

// scopeDepth counts the scope-separator characters (": . #") in a token's
// text, used to decide whether a deeply-nested symbol still counts toward
// the message's score.
func scopeDepth(s string) int {
	depth := 0
	for _, r := range s {
		switch r {
		case ':', '.', '#':
			depth++
		}
	}
	return depth
}

// symbolWeight maps a chroma token type to the spec's symbol-kind weights.
// Returns 0 for token types that are not considered "symbols" at all.
func symbolWeight(t chroma.TokenType) int {
	switch {
	case t == chroma.NameFunction || t == chroma.NameFunctionMagic:
		return 6
	case t == chroma.NameClass || t == chroma.NameException:
		return 8
	case t == chroma.NameNamespace || t == chroma.NameBuiltin || t == chroma.KeywordType:
		return 4
	case t == chroma.NameVariable || t == chroma.NameConstant || t == chroma.NameVariableGlobal ||
		t == chroma.NameVariableInstance:
		return 2
	case t == chroma.KeywordNamespace:
		return 1
	default:
		return 0
	}
}

// scoreCodeBlock tokenizes a single code block and sums symbol weights for
// tokens whose scope depth is within maxDepth.
func scoreCodeBlock(b codeBlock, maxDepth int) int {
	lexer := resolveLexer(b.lang, b.code)
	if lexer == nil {
		return 0
	}
	iter, err := lexer.Tokenise(nil, b.code)
	if err != nil {
		return 0
	}

	total := 0
	for _, tok := range iter.Tokens() {
		w := symbolWeight(tok.Type)
		if w == 0 {
			continue
		}
		if scopeDepth(tok.Value) > maxDepth {
			continue
		}
		total += w
	}
	return total
}

// scoreMessageBody computes the code-symbol-weight component of a message's
// semantic score: extract fenced blocks (or treat the whole body as one
// block when it looks like code), score each, and sum.
func scoreMessageBody(body string, maxDepth int) int {
	if strings.TrimSpace(body) == "" {
		return 0
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	blocks := extractCodeBlocks(body)
	total := 0
	for _, b := range blocks {
		total += scoreCodeBlock(b, maxDepth)
	}
	return total
}
