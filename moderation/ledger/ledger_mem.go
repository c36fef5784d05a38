package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// In-process ledger, for tests and for single-shot batch runs which do not
// need durability.
type MemLedger struct {
	mu         sync.Mutex
	nextID     uint
	incidents  []Incident
	watermarks map[string]*Watermark
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		nextID:     1,
		watermarks: make(map[string]*Watermark),
	}
}

func (l *MemLedger) Append(ctx context.Context, inc *Incident) (uint, error) {
	if inc.ID != 0 {
		return 0, fmt.Errorf("incident already persisted (id=%d)", inc.ID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	inc.CreatedAt = normalizeTime(inc.CreatedAt)
	if !inc.MessageAt.IsZero() {
		inc.MessageAt = normalizeTime(inc.MessageAt)
	}
	inc.ID = l.nextID
	l.nextID++
	l.incidents = append(l.incidents, *inc)
	return inc.ID, nil
}

func (l *MemLedger) Query(ctx context.Context, f Filter) ([]Incident, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	after := normalizeTime(f.CreatedAfter)
	out := []Incident{}
	for _, inc := range l.incidents {
		if f.ChannelID != "" && inc.ChannelID != f.ChannelID {
			continue
		}
		if f.UserIDHash != "" && inc.UserIDHash != f.UserIDHash {
			continue
		}
		if !f.CreatedAfter.IsZero() && !inc.CreatedAt.After(after) {
			continue
		}
		if inc.ID <= f.AfterID {
			continue
		}
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, inc.Action) {
			continue
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// caller must hold mu
func (l *MemLedger) watermark(channelID string) *Watermark {
	wm, ok := l.watermarks[channelID]
	if !ok {
		wm = &Watermark{ChannelID: channelID, LastReportAt: Epoch}
		l.watermarks[channelID] = wm
	}
	return wm
}

func (l *MemLedger) GetWatermark(ctx context.Context, channelID string) (*Watermark, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wm := *l.watermark(channelID)
	return &wm, nil
}

func (l *MemLedger) AdvanceWatermark(ctx context.Context, channelID string, to time.Time, lastID uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	wm := l.watermark(channelID)
	to = normalizeTime(to)
	if to.After(wm.LastReportAt) {
		wm.LastReportAt = to
	}
	wm.LastIncidentID = max(wm.LastIncidentID, lastID)
	wm.FlaggedSinceLast = 0
	return nil
}

func (l *MemLedger) BumpFlagCount(ctx context.Context, channelID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wm := l.watermark(channelID)
	wm.FlaggedSinceLast++
	return wm.FlaggedSinceLast, nil
}

func (l *MemLedger) Channels(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	out := []string{}
	for _, inc := range l.incidents {
		if !seen[inc.ChannelID] {
			seen[inc.ChannelID] = true
			out = append(out, inc.ChannelID)
		}
	}
	sort.Strings(out)
	return out, nil
}
