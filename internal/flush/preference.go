package flush

import "mailflush/internal/eventlog"

// Eligible reports whether the recipient's preferences allow mail for e.
// Tip and UpcomingExpireTip share the tip toggle. Unknown kinds are never eligible.
func Eligible(e eventlog.Event) bool {
	p := e.Recipient.Preferences
	switch e.Kind {
	case eventlog.KindFile:
		return p.FileNotification
	case eventlog.KindMessage:
		return p.MessageNotification
	case eventlog.KindComment:
		return p.CommentNotification
	case eventlog.KindTip, eventlog.KindUpcomingExpireTip:
		return p.TipNotification
	default:
		return false
	}
}
