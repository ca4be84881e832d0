package stream

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSplitter routes inline <think>...</think> spans out of a content
// stream. It is fed deltas only and keeps O(1) state between calls: whether
// it is inside a span, plus a short tail that may still turn into a tag.
type ThinkSplitter struct {
	inside  bool
	pending string
}

// Feed consumes the next delta and returns the parts that are definitely
// visible text and definitely thoughts. A suffix that is a prefix of the
// next expected tag is held back until more input arrives.
func (s *ThinkSplitter) Feed(delta string) (visible, thought string) {
	buf := s.pending + delta
	s.pending = ""

	var vis, th strings.Builder
	for buf != "" {
		tag := thinkOpen
		if s.inside {
			tag = thinkClose
		}

		if i := strings.Index(buf, tag); i >= 0 {
			if s.inside {
				th.WriteString(buf[:i])
			} else {
				vis.WriteString(buf[:i])
			}
			buf = buf[i+len(tag):]
			s.inside = !s.inside
			continue
		}

		keep := partialTagSuffix(buf, tag)
		if s.inside {
			th.WriteString(buf[:len(buf)-keep])
		} else {
			vis.WriteString(buf[:len(buf)-keep])
		}
		s.pending = buf[len(buf)-keep:]
		break
	}
	return vis.String(), th.String()
}

// Flush releases any held-back tail at end of stream. An unterminated
// opening tag fragment is literal text; inside a span it belongs to thoughts.
func (s *ThinkSplitter) Flush() (visible, thought string) {
	rest := s.pending
	s.pending = ""
	if s.inside {
		return "", rest
	}
	return rest, ""
}

// Inside reports whether the splitter is currently within a think span.
func (s *ThinkSplitter) Inside() bool {
	return s.inside
}

// partialTagSuffix returns the length of the longest proper prefix of tag
// that buf ends with.
func partialTagSuffix(buf, tag string) int {
	limit := len(tag) - 1
	if len(buf) < limit {
		limit = len(buf)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
