package dispatch

import "strings"

const codeFence = "```"

// sentenceSplitter accumulates streamed text and cuts it into speakable
// fragments. A fragment ends at '.', '!' or '?' followed by whitespace, or at
// a newline. Nothing is cut inside an open code fence, so a fenced block
// always reaches [StripMarkdown] whole.
type sentenceSplitter struct {
	buf string
}

// push appends text and returns every fragment completed by it.
func (s *sentenceSplitter) push(text string) []string {
	s.buf += text
	var out []string
	for {
		idx := sentenceBoundary(s.buf)
		if idx < 0 {
			return out
		}
		fragment := s.buf[:idx+1]
		s.buf = strings.TrimLeft(s.buf[idx+1:], " \t\r\n")
		if fragment = strings.TrimSpace(fragment); fragment != "" {
			out = append(out, fragment)
		}
	}
}

// flush returns the unterminated remainder and resets the splitter.
func (s *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}

// sentenceBoundary returns the index of the last byte of the first complete
// fragment in s, or -1.
func sentenceBoundary(s string) int {
	inFence := false
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], codeFence) {
			inFence = !inFence
			i += len(codeFence) - 1
			continue
		}
		if inFence {
			continue
		}
		switch s[i] {
		case '\n':
			return i
		case '.', '!', '?':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\n', '\r', '\t':
					return i
				}
			}
		}
	}
	return -1
}
