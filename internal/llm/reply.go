package llm

import (
	"errors"
	"iter"
	"strings"
	"sync/atomic"
)

var ErrReplyConsumed = errors.New("llm: streamed reply already consumed")

// Reply is either a complete text or a stream of fragments. A stream can be
// read once; fragments are concatenated in arrival order.
type Reply struct {
	text      string
	fragments iter.Seq2[string, error]
	consumed  atomic.Bool
}

func TextReply(text string) *Reply {
	return &Reply{text: text}
}

func StreamReply(fragments iter.Seq2[string, error]) *Reply {
	return &Reply{fragments: fragments}
}

func (r *Reply) Streaming() bool {
	return r.fragments != nil
}

// Text returns the full reply. For a stream it blocks until the stream ends;
// a second call returns ErrReplyConsumed. When the stream fails midway, the
// text received so far is returned with the error.
func (r *Reply) Text() (string, error) {
	if r.fragments == nil {
		return r.text, nil
	}
	if !r.consumed.CompareAndSwap(false, true) {
		return "", ErrReplyConsumed
	}
	var b strings.Builder
	for fragment, err := range r.fragments {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}
	return b.String(), nil
}
