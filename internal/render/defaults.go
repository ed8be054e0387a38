package render

// Template keys used by the flusher.
const (
	KeyTip               = "tip"
	KeyComment           = "comment"
	KeyMessage           = "message"
	KeyFile              = "file"
	KeyUpcomingExpireTip = "upcoming_expire_tip"
	KeyDigest            = "digest"
	KeyPing              = "ping"
)

// Defaults returns the built-in English templates.
func Defaults() map[string]Template {
	return map[string]Template{
		KeyTip: {
			Title: "[{{ node.name }}] New submission {{ tip.sequence_number }} in {{ context.name }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"a new submission has been received in the context \"{{ context.name }}\".\n\n" +
				"Access it at {{ node.public_site }}\n",
		},
		KeyComment: {
			Title: "[{{ node.name }}] New comment on submission {{ tip.sequence_number }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"a new comment was added to submission {{ tip.sequence_number }} ({{ context.name }}).\n",
		},
		KeyMessage: {
			Title: "[{{ node.name }}] New message on submission {{ tip.sequence_number }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"you have received a new private message on submission {{ tip.sequence_number }}.\n",
		},
		KeyFile: {
			Title: "[{{ node.name }}] New file on submission {{ tip.sequence_number }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"a new file{% if subevent.name %} ({{ subevent.name }}){% endif %} was attached to submission {{ tip.sequence_number }}.\n",
		},
		KeyUpcomingExpireTip: {
			Title: "[{{ node.name }}] Submission {{ tip.sequence_number }} is about to expire",
			Body: "Dear {{ receiver.name }},\n\n" +
				"submission {{ tip.sequence_number }} in \"{{ context.name }}\" will expire on {{ tip.expiration_date }}.\n",
		},
		KeyDigest: {
			Title: "[{{ node.name }}] {{ digest.count }} new {{ digest.count | pluralize: \"event\", \"events\" }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"here is a summary of recent activity:\n\n" +
				"{{ digest.body }}",
		},
		KeyPing: {
			Title: "[{{ node.name }}] {{ ping.counter }} new {{ ping.counter | pluralize: \"notification\", \"notifications\" }}",
			Body: "Dear {{ receiver.name }},\n\n" +
				"there {% if ping.counter == 1 %}is 1 new event{% else %}are {{ ping.counter }} new events{% endif %} waiting for you.\n",
		},
	}
}
