package flush

import "mailflush/internal/eventlog"

// PingEntry is one recipient's share of a run's ping.
type PingEntry struct {
	Recipient eventlog.Recipient
	Count     int
}

// PingTally counts working-set events per ping-enabled recipient, keeping
// the order in which recipients first appear.
type PingTally struct {
	entries []PingEntry
	index   map[string]int
}

// TallyPings builds the tally over the whole working set.
func TallyPings(events []eventlog.Event) *PingTally {
	t := &PingTally{index: map[string]int{}}
	for _, e := range events {
		if !e.Recipient.Preferences.PingNotification {
			continue
		}
		if i, ok := t.index[e.Recipient.ID]; ok {
			t.entries[i].Count++
			continue
		}
		t.index[e.Recipient.ID] = len(t.entries)
		t.entries = append(t.entries, PingEntry{Recipient: e.Recipient, Count: 1})
	}
	return t
}

func (t *PingTally) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of the tally in first-appearance order.
func (t *PingTally) Entries() []PingEntry {
	if t == nil {
		return nil
	}
	out := make([]PingEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Count returns the tally for one recipient id.
func (t *PingTally) Count(recipientID string) int {
	if t == nil {
		return 0
	}
	if i, ok := t.index[recipientID]; ok {
		return t.entries[i].Count
	}
	return 0
}

// BuildPing turns a non-empty tally into the run's single ping. The mail
// goes to the first tallied recipient with that recipient's count; lang is
// the template language for the whole ping. The full per-recipient tally is
// carried for templates that want to list it.
func BuildPing(t *PingTally, lang string, node map[string]any) (Ping, bool) {
	if t.Len() == 0 {
		return Ping{}, false
	}
	first := t.entries[0]
	return Ping{
		To:         first.Recipient,
		Count:      first.Count,
		Lang:       lang,
		Recipients: t.Entries(),
		Node:       node,
	}, true
}
