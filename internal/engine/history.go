package engine

import (
	"sync"
	"time"
)

type DecisionStatus string

const (
	DecisionTagged   DecisionStatus = "tagged"
	DecisionUntagged DecisionStatus = "untagged"
	DecisionError    DecisionStatus = "error"

	historyLimit = 64
)

// Decision records one tag dispatch issued by reconcile.
type Decision struct {
	Timestamp time.Time      `json:"timestamp"`
	Address   string         `json:"address"`
	Class     string         `json:"class"`
	Reason    string         `json:"reason,omitempty"`
	Status    DecisionStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}

type decisionLog struct {
	mu      sync.Mutex
	entries []Decision
	limit   int
}

func newDecisionLog(limit int) *decisionLog {
	if limit <= 0 {
		limit = historyLimit
	}
	return &decisionLog{limit: limit}
}

func (l *decisionLog) record(entry Decision) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.limit {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.limit-1]
	}
	l.entries = append(l.entries, entry)
}

func (l *decisionLog) snapshot() []Decision {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	return append([]Decision(nil), l.entries...)
}
