// Package conversation keeps the append-only turn log of one session and
// renders it for prompts and for display.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/biagent/internal/warehouse"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind says what an assistant turn carries.
type Kind string

const (
	KindQuestion Kind = "question"
	KindPlan     Kind = "plan"
	KindReply    Kind = "reply"
	KindTable    Kind = "table"
	KindChart    Kind = "chart"
	KindError    Kind = "error"
)

// transcriptRows bounds how much of a result table is replayed into prompts.
const transcriptRows = 10

// Turn is immutable once appended. Code is the chart code behind a chart
// turn.
type Turn struct {
	Role   Role             `json:"role"`
	Kind   Kind             `json:"kind"`
	Text   string           `json:"text,omitempty"`
	SQL    string           `json:"sql,omitempty"`
	Table  *warehouse.Table `json:"table,omitempty"`
	Figure json.RawMessage  `json:"figure,omitempty"`
	Code   string           `json:"code,omitempty"`
	At     time.Time        `json:"at"`
}

// Log is safe for one writer and any number of concurrent readers.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

func (l *Log) Append(turn Turn) error {
	switch turn.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
	if turn.Kind == "" {
		return fmt.Errorf("turn kind is required")
	}
	if turn.Table != nil {
		table := *turn.Table
		turn.Table = &table
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if turn.At.IsZero() {
		turn.At = l.clock()().UTC()
	}
	l.turns = append(l.turns, turn)
	return nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Turns returns the turns oldest first.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// NewestFirst returns the turns in scrollback order.
func (l *Log) NewestFirst() []Turn {
	turns := l.Turns()
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// Transcript flattens the log into "User: ..." and "Assistant: ..." lines.
// Chart turns are display-only and left out.
func (l *Log) Transcript() string {
	turns := l.Turns()
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		if turn.Kind == KindChart {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker(turn.Role), turn.content()))
	}
	return strings.Join(lines, "\n")
}

func (t Turn) content() string {
	switch t.Kind {
	case KindTable:
		if t.Table == nil {
			return t.Text
		}
		return t.Table.Render(transcriptRows)
	case KindError:
		if t.SQL != "" {
			return fmt.Sprintf("%s\nLast SQL: %s", t.Text, t.SQL)
		}
		return t.Text
	default:
		return t.Text
	}
}

func (l *Log) clock() func() time.Time {
	if l.now == nil {
		return time.Now
	}
	return l.now
}

func speaker(role Role) string {
	if role == RoleUser {
		return "User"
	}
	return "Assistant"
}
