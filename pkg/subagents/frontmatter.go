package subagents

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// frontmatterFields is the YAML shape of a subagent definition's header.
type frontmatterFields struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	Tools          string `yaml:"tools"`
	Model          string `yaml:"model"`
	PermissionMode string `yaml:"permissionMode"`
	Phrases        string `yaml:"phrases"`
	Keywords       string `yaml:"keywords"`
}

// parseDefinition parses a frontmatter-style markdown subagent document. The
// body (everything after the closing "---") becomes the system prompt.
func parseDefinition(data []byte, source Source) (*Subagent, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontmatterFields
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("subagent definition missing required \"name\" field")
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("subagent definition %q missing required \"description\" field", fm.Name)
	}

	mode := PermissionDefault
	if strings.EqualFold(fm.PermissionMode, string(PermissionPlan)) {
		mode = PermissionPlan
	}

	lowerDesc := strings.ToLower(fm.Description)
	proactive := strings.Contains(lowerDesc, "proactively") || strings.Contains(lowerDesc, "use immediately")

	return &Subagent{
		Name:           fm.Name,
		Description:    fm.Description,
		AllowedTools:   splitCSV(fm.Tools),
		Model:          fm.Model,
		PermissionMode: mode,
		Source:         source,
		SystemPrompt:   strings.TrimSpace(string(body)),
		Phrases:        splitCSV(fm.Phrases),
		Keywords:       splitCSV(fm.Keywords),
		Proactive:      proactive,
	}, nil
}

// splitFrontmatter separates the leading "---"-delimited YAML block from
// the markdown body that follows it.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty subagent definition")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var header []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		header = append(header, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(header, "\n")), []byte(strings.Join(body, "\n")), nil
}

// splitCSV splits a comma-separated frontmatter value, trimming whitespace
// and dropping empty entries. An empty input yields a nil slice.
func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
