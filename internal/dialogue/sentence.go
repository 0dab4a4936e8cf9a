package dialogue

import "strings"

// minSentenceRunes keeps the splitter from emitting fragments like "好。"
// as standalone TTS sentences.
const minSentenceRunes = 4

// sentenceSplitter segments a streamed completion into speakable sentences.
// Feed returns completed sentences as they form; Flush drains the remainder
// when the stream ends.
type sentenceSplitter struct {
	buf []rune
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '!', '?', ';', '.', '\n':
		return true
	}
	return false
}

// Feed appends streamed text and returns any sentences completed by it.
func (sp *sentenceSplitter) Feed(text string) []string {
	var out []string
	for _, r := range text {
		sp.buf = append(sp.buf, r)
		if isTerminator(r) && len(sp.buf) >= minSentenceRunes {
			if s := strings.TrimSpace(string(sp.buf)); s != "" {
				out = append(out, s)
			}
			sp.buf = sp.buf[:0]
		}
	}
	return out
}

// Flush returns the unterminated tail, or "" when nothing is pending.
func (sp *sentenceSplitter) Flush() string {
	s := strings.TrimSpace(string(sp.buf))
	sp.buf = sp.buf[:0]
	return s
}
