package reward

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	referencesHeading = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*)?references(?:\*\*)?[ \t]*:?[ \t]*(?:\*\*)?[ \t]*$`)
	// inlineHeading 匹配条目与标题写在同一行的形式，如 "References: [1] ... [2] ..."。
	inlineHeading     = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*)?references(?:\*\*)?[ \t]*:[ \t]*(?:\*\*)?[ \t]*(\[\d+\])`)
	referenceEntry    = regexp.MustCompile(`^\s*(?:[-*]\s*)?(?:\[(\d+)\]|(\d+)[.)])\s*(.*)$`)
	inlineEntry       = regexp.MustCompile(`\s+(\[\d+\]\s)`)
	citationMarker    = regexp.MustCompile(`\[(\d+)\]`)
	bareMarker        = regexp.MustCompile(`^(?:\[\d+\])+[.,;:]?$`)
	urlPattern        = regexp.MustCompile(`https?://[^\s)\]>]+`)
)

// Reference 是 References 区块中的一个编号条目。
type Reference struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
}

// Analysis 是对答案文本的结构化拆解，评分与展示共用。
type Analysis struct {
	Body       string
	Words      int
	Citations  []int
	References []Reference
}

// Analyze 拆分正文与末尾的 References 区块，统计词数与引用标记。
func Analyze(text string) Analysis {
	body, refBlock := splitReferences(text)
	analysis := Analysis{Body: body}

	for _, field := range strings.Fields(body) {
		if bareMarker.MatchString(field) {
			continue
		}
		analysis.Words++
	}

	seen := make(map[int]struct{})
	for _, m := range citationMarker.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		analysis.Citations = append(analysis.Citations, n)
	}
	sort.Ints(analysis.Citations)

	analysis.References = parseReferences(refBlock)
	return analysis
}

// ParseReferences 返回答案中 References 区块的去重条目。
func ParseReferences(text string) []Reference {
	_, block := splitReferences(text)
	return parseReferences(block)
}

// HasReferences 判断答案是否已经带有 References 区块。
func HasReferences(text string) bool {
	_, block := splitReferences(text)
	return block != ""
}

// ValidCitations 返回能在 References 中找到对应编号的引用标记。
func (a Analysis) ValidCitations() []int {
	if len(a.Citations) == 0 || len(a.References) == 0 {
		return nil
	}
	numbers := make(map[int]struct{}, len(a.References))
	for _, ref := range a.References {
		numbers[ref.Number] = struct{}{}
	}
	valid := make([]int, 0, len(a.Citations))
	for _, n := range a.Citations {
		if _, ok := numbers[n]; ok {
			valid = append(valid, n)
		}
	}
	return valid
}

// splitReferences 以最后一个 References 标题为界拆分正文与条目。
func splitReferences(text string) (string, string) {
	start, blockStart := -1, -1
	if locs := referencesHeading.FindAllStringIndex(text, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		start, blockStart = last[0], last[1]
	}
	if locs := inlineHeading.FindAllStringSubmatchIndex(text, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		if last[0] > start {
			start, blockStart = last[0], last[2]
		}
	}
	if start < 0 {
		return text, ""
	}
	return strings.TrimSpace(text[:start]), strings.TrimSpace(text[blockStart:])
}

func parseReferences(block string) []Reference {
	if block == "" {
		return nil
	}
	var refs []Reference
	seen := make(map[int]struct{})
	for _, line := range strings.Split(splitInlineEntries(block), "\n") {
		m := referenceEntry.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		text := strings.TrimSpace(m[3])
		refs = append(refs, Reference{
			Number: n,
			Text:   text,
			URL:    strings.TrimRight(urlPattern.FindString(text), ".,;"),
		})
	}
	return refs
}

// splitInlineEntries 把同一行中以 [n] 开头的多个条目拆成多行。
func splitInlineEntries(block string) string {
	lines := strings.Split(block, "\n")
	for i, line := range lines {
		if m := referenceEntry.FindStringSubmatch(line); m != nil && m[1] != "" {
			lines[i] = inlineEntry.ReplaceAllString(line, "\n$1")
		}
	}
	return strings.Join(lines, "\n")
}
