package memory

import (
	"strconv"
	"strings"
)

// MaxChunkSize is the byte ceiling for a single chunk's content.
const MaxChunkSize = 500

// Chunk is a bounded, section-scoped slice of a memory file.
type Chunk struct {
	ID      string
	File    FileName
	Section string
	Content string
}

// section is an intermediate (header, body) pair produced by splitting a
// file on its ATX header lines, before size-based splitting into chunks.
type section struct {
	header string
	body   string
}

// splitSections splits markdown on `#`-prefixed header lines. Indented
// lines (any leading space or tab) belong to the preceding
// bullet's body, not to a new section, matching how the upstream behavior
// distilled this spec actually formats multi-line observations.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var cur *section
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			if cur != nil {
				sections = append(sections, *cur)
			}
			cur = &section{header: strings.TrimSpace(strings.TrimLeft(line, "#")), body: ""}
			continue
		}
		if cur == nil {
			cur = &section{header: "", body: ""}
		}
		cur.body += line + "\n"
	}
	if cur != nil {
		sections = append(sections, *cur)
	}
	return sections
}

// Chunks splits a memory file's full content into size-bounded chunks. Each
// section becomes one chunk unless its body exceeds MaxChunkSize, in which
// case it is split by line into `(part n)`-suffixed chunks. Whitespace-only
// bodies are dropped.
func Chunks(file FileName, content string) []Chunk {
	sections := splitSections(content)
	var chunks []Chunk
	ordinal := 0
	for _, s := range sections {
		body := strings.TrimSpace(s.body)
		if body == "" {
			continue
		}
		if len(s.body) <= MaxChunkSize {
			chunks = append(chunks, Chunk{
				ID:      chunkID(file, ordinal),
				File:    file,
				Section: s.header,
				Content: body,
			})
			ordinal++
			continue
		}
		partNum := 0
		for _, part := range splitByLineBudget(s.body, MaxChunkSize) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			partNum++
			chunks = append(chunks, Chunk{
				ID:      chunkID(file, ordinal),
				File:    file,
				Section: s.header + " (part " + strconv.Itoa(partNum) + ")",
				Content: part,
			})
			ordinal++
		}
	}
	return chunks
}

func chunkID(file FileName, ordinal int) string {
	return string(file) + "_" + strconv.Itoa(ordinal)
}

// splitByLineBudget groups lines into parts, each at most budget bytes
// unless a single line is itself longer than budget.
func splitByLineBudget(body string, budget int) []string {
	lines := strings.Split(body, "\n")
	var parts []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len()+len(line)+1 > budget && cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// bulletPrefix matches a dash-prefixed observation bullet.
const bulletPrefix = "- "

// CountObservations counts dash-prefixed bullets in a section body, excluding
// placeholder markers.
func CountObservations(body string) int {
	n := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, bulletPrefix) {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(trimmed, bulletPrefix))
		if isPlaceholder(text) {
			continue
		}
		n++
	}
	return n
}

// routerRules maps lowercase keyword sets to a target file; first match wins
// in the order listed here.
var routerRules = []struct {
	keywords []string
	file     FileName
}{
	{[]string{"goal", "objective", "plan", "aspiration", "saving for", "want to", "aim to"}, FileGoals},
	{[]string{"budget", "limit", "allowance", "exceeded", "over budget", "monthly limit", "category limit"}, FileBudget},
	{[]string{"balance", "account", "income", "savings", "wealth", "financial state", "net worth"}, FileState},
}

// RouteUpdate picks the target file for a free-text memory_update string,
// defaulting to Behavior.md when nothing matches.
func RouteUpdate(text string) FileName {
	lower := strings.ToLower(text)
	for _, rule := range routerRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.file
			}
		}
	}
	return FileBehavior
}
