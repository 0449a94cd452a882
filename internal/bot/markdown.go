package bot

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is Telegram's limit for one text message.
const MaxMessageLen = 4096

var mdV2Escaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// EscapeMarkdownV2 makes plain text safe to send with the MarkdownV2 parse
// mode.
func EscapeMarkdownV2(s string) string { return mdV2Escaper.Replace(s) }

// splitText cuts s into chunks of at most limit runes, preferring a newline
// near the end of each window. A backslash escape is never split from the
// character it escapes.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(s) {
		runes, end := 0, start
		lastNL, lastNLRunes := -1, 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL, lastNLRunes = end+size, runes+1
			}
			runes++
			end += size
		}
		if end < len(s) {
			if lastNL != -1 && lastNLRunes >= limit/3 {
				end = lastNL
			} else if trailingBackslashes(s[start:end])%2 == 1 && end-1 > start {
				end--
			}
		}
		out = append(out, s[start:end])
		start = end
	}
	return out
}

func trailingBackslashes(s string) int {
	n := 0
	for n < len(s) && s[len(s)-1-n] == '\\' {
		n++
	}
	return n
}
