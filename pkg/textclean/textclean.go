// Package textclean rewrites chat messages into text that reads well aloud.
package textclean

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	CodeBlockText = "code block"
	CodeText      = "code"
	URLText       = "URL"

	// IgnorePrefix marks a message the reader should skip.
	IgnorePrefix = ";"
)

var (
	inlineCode  = regexp.MustCompile("`.*?`")
	urlPattern  = regexp.MustCompile(`https?://[\w/:%#$&?()~.=+\-]+`)
	discordObj  = regexp.MustCompile(`<.*?>`)
	unspeakable = regexp.MustCompile(`[^\p{L}\p{N}\p{Pd}\p{Sm}\p{Sc}\s]`)
)

// Ignored reports whether a message opts out of being read.
func Ignored(text string) bool {
	return strings.HasPrefix(text, IgnorePrefix)
}

type Cleaner struct {
	// ReadLimit caps the spoken text in runes. Zero means no cap.
	ReadLimit int
}

func New(readLimit int) *Cleaner {
	return &Cleaner{ReadLimit: readLimit}
}

// Clean runs the full pipeline with the guild's dictionary applied after
// markup is stripped.
func (c *Cleaner) Clean(text string, dict map[string]string) string {
	text = fixTildes(text)
	text = replaceCode(text)
	text = urlPattern.ReplaceAllString(text, URLText)
	text = discordObj.ReplaceAllString(text, "")
	text = ApplyDictionary(text, dict)
	text = unspeakable.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	return Truncate(text, c.ReadLimit)
}

// fixTildes rewrites wave dashes, which the synthesizers stumble over.
func fixTildes(text string) string {
	text = strings.ReplaceAll(text, "~", "-")
	text = strings.ReplaceAll(text, "～", "ー")
	text = strings.ReplaceAll(text, "っー", "っ")
	return strings.TrimPrefix(text, "ー")
}

// replaceCode reads any message holding a fenced block as just "code block".
func replaceCode(text string) string {
	if strings.Contains(text, "```") {
		return CodeBlockText
	}
	return inlineCode.ReplaceAllString(text, CodeText)
}

// ApplyDictionary swaps every key of dict for its value in one left to right
// pass, so a replacement is never rewritten by another entry. Where keys
// overlap the longer one wins.
func ApplyDictionary(text string, dict map[string]string) string {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return text
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	// alternation is leftmost-first, so the sort order decides overlaps
	words := regexp.MustCompile(strings.Join(quoted, "|"))
	return words.ReplaceAllStringFunc(text, func(m string) string {
		return dict[m]
	})
}

// Truncate cuts text to limit runes and marks it as shortened.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + ", omitted"
}
