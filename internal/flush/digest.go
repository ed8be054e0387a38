package flush

import (
	"strings"
	"unicode/utf8"

	"mailflush/internal/eventlog"
	"mailflush/internal/render"
)

// Group is the working-set events of one recipient, in recency order.
type Group struct {
	Recipient eventlog.Recipient
	Events    []eventlog.Event
	Kinds     map[eventlog.Kind]int
}

// GroupByRecipient buckets events by recipient id. Groups come back in the
// order each recipient first appears in events.
func GroupByRecipient(events []eventlog.Event) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, e := range events {
		i, ok := index[e.Recipient.ID]
		if !ok {
			i = len(groups)
			index[e.Recipient.ID] = i
			groups = append(groups, Group{Recipient: e.Recipient, Kinds: map[eventlog.Kind]int{}})
		}
		groups[i].Events = append(groups[i].Events, e)
		groups[i].Kinds[e.Kind]++
	}
	return groups
}

const digestSeparator = "=================================================="

// digestBlock formats one member of a digest body.
func digestBlock(title, body string) string {
	n := utf8.RuneCountInString(title) - 1
	if n < 0 {
		n = 0
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("+", n))
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(digestSeparator)
	b.WriteString("\n\n")
	return b.String()
}

// MemberError is a digest member that could not be rendered.
type MemberError struct {
	EventID string
	Err     error
}

// BuildDigest merges every event of g into one Digest. renderMember renders
// a member with its own template; members that fail contribute no block but
// stay absorbed so they settle with the digest.
func BuildDigest(g Group, node map[string]any, renderMember func(Original) (render.Output, error)) (Digest, []MemberError) {
	d := Digest{
		First:   g.Events[0],
		Members: g.Events,
		Node:    node,
	}
	var (
		b    strings.Builder
		errs []MemberError
	)
	for _, e := range g.Events {
		out, err := renderMember(Original{Event: e, Node: node})
		if err != nil {
			errs = append(errs, MemberError{EventID: e.ID, Err: err})
			continue
		}
		b.WriteString(digestBlock(out.Title, out.Body))
		d.Rendered++
	}
	d.Body = b.String()
	return d, errs
}
