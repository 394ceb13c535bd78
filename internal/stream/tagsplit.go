package stream

import "strings"

const (
	// PlanOpenTag starts a plan block in model output.
	PlanOpenTag = "<sanbao-plan>"
	// PlanCloseTag ends a plan block.
	PlanCloseTag = "</sanbao-plan>"

	// planEagerFlush is the pending size above which plan text is flushed
	// before its closing tag arrives.
	planEagerFlush = 20
)

// Segment is a run of text classified as content or plan.
type Segment struct {
	Plan bool
	Text string
}

// Event converts the segment to its stream event.
func (s Segment) Event() Event {
	if s.Plan {
		return PlanEvent{Text: s.Text}
	}
	return ContentEvent{Text: s.Text}
}

// TagSplitter classifies a sequence of text fragments into content and plan
// segments, recognizing the open and close markers even when they are split
// across fragments. Markers themselves are never emitted.
//
// A TagSplitter is not safe for concurrent use.
type TagSplitter struct {
	open, close string
	inside      bool
	pending     string
}

// NewTagSplitter returns a splitter for the plan markers.
func NewTagSplitter() *TagSplitter {
	return NewTagSplitterFor(PlanOpenTag, PlanCloseTag)
}

// NewTagSplitterFor returns a splitter for arbitrary non-empty markers.
func NewTagSplitterFor(open, close string) *TagSplitter {
	return &TagSplitter{open: open, close: close}
}

// Inside reports whether the splitter is currently inside a block.
func (s *TagSplitter) Inside() bool { return s.inside }

// Feed consumes one fragment and returns the segments that can be emitted
// now. Text that might be the start of a marker is held back.
func (s *TagSplitter) Feed(fragment string) []Segment {
	s.pending += fragment
	var out []Segment
	for {
		if !s.inside {
			if i := strings.Index(s.pending, s.open); i >= 0 {
				out = appendSegment(out, false, s.pending[:i])
				s.pending = s.pending[i+len(s.open):]
				s.inside = true
				continue
			}
			cut := len(s.pending) - partialSuffix(s.pending, s.open)
			out = appendSegment(out, false, s.pending[:cut])
			s.pending = s.pending[cut:]
			return out
		}

		if i := strings.Index(s.pending, s.close); i >= 0 {
			out = appendSegment(out, true, s.pending[:i])
			s.pending = s.pending[i+len(s.close):]
			s.inside = false
			continue
		}
		if len(s.pending) > planEagerFlush {
			cut := len(s.pending) - partialSuffix(s.pending, s.close)
			out = appendSegment(out, true, s.pending[:cut])
			s.pending = s.pending[cut:]
		}
		return out
	}
}

// Flush emits whatever is pending in the current state. The inside/outside
// state is kept, so a block left open continues in the next Feed.
func (s *TagSplitter) Flush() []Segment {
	out := appendSegment(nil, s.inside, s.pending)
	s.pending = ""
	return out
}

// SplitText runs a fresh splitter over a complete text.
func SplitText(text string) []Segment {
	s := NewTagSplitter()
	return append(s.Feed(text), s.Flush()...)
}

func appendSegment(out []Segment, plan bool, text string) []Segment {
	if text == "" {
		return out
	}
	return append(out, Segment{Plan: plan, Text: text})
}

// partialSuffix returns the length of the longest proper prefix of marker
// that s ends with.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if len(s) < n {
		n = len(s)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}
