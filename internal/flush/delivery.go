package flush

import (
	"strings"

	"mailflush/internal/eventlog"
	"mailflush/internal/render"
)

// Delivery is one mail the flusher will render and send. It is implemented
// only by Original, Digest and Ping.
type Delivery interface {
	// Recipient is whose name and language the mail is addressed with.
	Recipient() eventlog.Recipient
	// Address is the destination mailbox.
	Address() string
	// SourceIDs are the events settled by this delivery's outcome.
	SourceIDs() []string
	TemplateKey() string
	TemplateData() map[string]any
	Language() string

	sealed()
}

// Original is a single event delivered on its own.
type Original struct {
	Event eventlog.Event
	Node  map[string]any
}

func (o Original) Recipient() eventlog.Recipient { return o.Event.Recipient }
func (o Original) Address() string               { return o.Event.Recipient.Address }
func (o Original) SourceIDs() []string           { return []string{o.Event.ID} }
func (o Original) Language() string              { return o.Event.Recipient.Language }
func (o Original) TemplateKey() string           { return templateKeyFor(o.Event.Kind) }
func (o Original) TemplateData() map[string]any  { return eventData(o.Event, o.Node) }
func (Original) sealed()                         {}

// Digest merges every working-set event of one recipient.
type Digest struct {
	// First supplies recipient, context and steps.
	First   eventlog.Event
	Members []eventlog.Event
	// Body is the concatenation of the rendered member blocks.
	Body     string
	Rendered int
	Node     map[string]any
}

func (d Digest) Recipient() eventlog.Recipient { return d.First.Recipient }
func (d Digest) Address() string               { return d.First.Recipient.Address }
func (d Digest) Language() string              { return d.First.Recipient.Language }
func (d Digest) TemplateKey() string           { return render.KeyDigest }
func (Digest) sealed()                         {}

func (d Digest) SourceIDs() []string {
	ids := make([]string, 0, len(d.Members))
	for _, e := range d.Members {
		ids = append(ids, e.ID)
	}
	return ids
}

func (d Digest) TemplateData() map[string]any {
	data := eventData(d.First, d.Node)
	data["type"] = "digest"
	data["subevent"] = map[string]any{}
	data["digest"] = map[string]any{
		"body":  d.Body,
		"count": len(d.Members),
	}
	return data
}

// Ping is the run's single "you have pending activity" notice.
type Ping struct {
	To         eventlog.Recipient
	Count      int
	Lang       string
	Recipients []PingEntry
	Node       map[string]any
}

func (p Ping) Recipient() eventlog.Recipient { return p.To }
func (p Ping) SourceIDs() []string           { return nil }
func (p Ping) Language() string              { return p.Lang }
func (p Ping) TemplateKey() string           { return render.KeyPing }
func (Ping) sealed()                         {}

// Address prefers the dedicated ping mailbox and falls back to the main one.
func (p Ping) Address() string {
	if a := strings.TrimSpace(p.To.Preferences.PingAddress); a != "" {
		return a
	}
	return p.To.Address
}

func (p Ping) TemplateData() map[string]any {
	recipients := make([]map[string]any, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		recipients = append(recipients, map[string]any{
			"id":    r.Recipient.ID,
			"name":  r.Recipient.Name,
			"count": r.Count,
		})
	}
	return map[string]any{
		"type":     "ping_mail",
		"receiver": recipientData(p.To),
		"node":     orEmpty(p.Node),
		"ping": map[string]any{
			"counter":    p.Count,
			"recipients": recipients,
		},
		"subevent": map[string]any{"counter": p.Count},
	}
}

// deliveryKind names the variant for logs and bus events.
func deliveryKind(d Delivery) string {
	switch d.(type) {
	case Digest:
		return "digest"
	case Ping:
		return "ping"
	default:
		return "single"
	}
}

func templateKeyFor(k eventlog.Kind) string {
	switch k {
	case eventlog.KindTip:
		return render.KeyTip
	case eventlog.KindComment:
		return render.KeyComment
	case eventlog.KindMessage:
		return render.KeyMessage
	case eventlog.KindFile:
		return render.KeyFile
	case eventlog.KindUpcomingExpireTip:
		return render.KeyUpcomingExpireTip
	default:
		return strings.ToLower(string(k))
	}
}

func eventData(e eventlog.Event, node map[string]any) map[string]any {
	return map[string]any{
		"type":     e.Type,
		"trigger":  string(e.Kind),
		"receiver": recipientData(e.Recipient),
		"tip":      orEmpty(e.Payload.Tip),
		"context":  orEmpty(e.Payload.Context),
		"steps":    orEmpty(e.Payload.Steps),
		"subevent": orEmpty(e.Payload.SubEvent),
		"node":     orEmpty(node),
	}
}

func recipientData(r eventlog.Recipient) map[string]any {
	return map[string]any{
		"id":                r.ID,
		"name":              r.Name,
		"username":          r.Username,
		"mail_address":      r.Address,
		"ping_mail_address": r.Preferences.PingAddress,
		"language":          r.Language,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
