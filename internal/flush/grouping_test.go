package flush

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailflush/internal/eventlog"
	"mailflush/internal/render"
)

func TestEligible(t *testing.T) {
	t.Parallel()
	all := recipient("r")
	none := recipient("r")
	none.Preferences = eventlog.Preferences{}

	tests := []struct {
		kind eventlog.Kind
		r    eventlog.Recipient
		want bool
	}{
		{kind: eventlog.KindFile, r: all, want: true},
		{kind: eventlog.KindMessage, r: all, want: true},
		{kind: eventlog.KindComment, r: all, want: true},
		{kind: eventlog.KindTip, r: all, want: true},
		{kind: eventlog.KindUpcomingExpireTip, r: all, want: true},
		{kind: eventlog.KindFile, r: none, want: false},
		{kind: eventlog.KindMessage, r: none, want: false},
		{kind: eventlog.KindComment, r: none, want: false},
		{kind: eventlog.KindTip, r: none, want: false},
		{kind: eventlog.KindUpcomingExpireTip, r: none, want: false},
		{kind: eventlog.Kind("Receipt"), r: all, want: false},
	}
	for _, tt := range tests {
		if got := Eligible(ev("e", tt.kind, tt.r, 0)); got != tt.want {
			t.Fatalf("Eligible(%s, prefs=%+v) = %v, want %v", tt.kind, tt.r.Preferences, got, tt.want)
		}
	}
}

func TestEligibleTipToggleCoversUpcomingExpire(t *testing.T) {
	t.Parallel()
	r := recipient("r")
	r.Preferences.TipNotification = false
	if Eligible(ev("e", eventlog.KindUpcomingExpireTip, r, 0)) {
		t.Fatal("UpcomingExpireTip must follow the tip toggle")
	}
}

func TestGroupByRecipientKeepsFirstAppearanceOrder(t *testing.T) {
	t.Parallel()
	a, b := recipient("a"), recipient("b")
	groups := GroupByRecipient([]eventlog.Event{
		ev("b1", eventlog.KindTip, b, 1),
		ev("a1", eventlog.KindComment, a, 2),
		ev("b2", eventlog.KindComment, b, 3),
		ev("b3", eventlog.KindComment, b, 4),
	})
	if len(groups) != 2 || groups[0].Recipient.ID != "b" || groups[1].Recipient.ID != "a" {
		t.Fatalf("groups = %+v", groups)
	}
	var ids []string
	for _, e := range groups[0].Events {
		ids = append(ids, e.ID)
	}
	if strings.Join(ids, ",") != "b1,b2,b3" {
		t.Fatalf("b events = %v", ids)
	}
	if groups[0].Kinds[eventlog.KindComment] != 2 || groups[0].Kinds[eventlog.KindTip] != 1 {
		t.Fatalf("kinds = %v", groups[0].Kinds)
	}
}

func TestDigestBlockFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		title, body, want string
	}{
		{title: "Hello", body: "World", want: "Hello\n++++\nWorld\n\n" + strings.Repeat("=", 50) + "\n\n"},
		{title: "", body: "x", want: "\n\nx\n\n" + strings.Repeat("=", 50) + "\n\n"},
		{title: "Città", body: "b", want: "Città\n++++\nb\n\n" + strings.Repeat("=", 50) + "\n\n"},
	}
	for _, tt := range tests {
		if got := digestBlock(tt.title, tt.body); got != tt.want {
			t.Fatalf("digestBlock(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestBuildDigestCopiesFirstMember(t *testing.T) {
	t.Parallel()
	r := recipient("r", withLanguage("it"))
	g := GroupByRecipient([]eventlog.Event{
		ev("e1", eventlog.KindTip, r, 1),
		ev("e2", eventlog.KindFile, r, 2),
	})[0]
	d, errs := BuildDigest(g, map[string]any{"name": "Leaks"}, func(o Original) (render.Output, error) {
		if o.Event.ID == "e2" {
			return render.Output{}, errors.New("boom")
		}
		return render.Output{Title: "T", Body: "B"}, nil
	})
	if len(errs) != 1 || errs[0].EventID != "e2" {
		t.Fatalf("errs = %+v", errs)
	}
	if d.Rendered != 1 || strings.Join(d.SourceIDs(), ",") != "e1,e2" {
		t.Fatalf("digest = %+v", d)
	}
	if d.Language() != "it" || d.Address() != "r@example.org" || d.TemplateKey() != render.KeyDigest {
		t.Fatalf("digest accessors wrong: %s %s %s", d.Language(), d.Address(), d.TemplateKey())
	}
	data := d.TemplateData()
	if data["context"].(map[string]any)["name"] != "ctx-r" {
		t.Fatalf("context not copied from first member: %v", data["context"])
	}
	dg := data["digest"].(map[string]any)
	if dg["count"] != 2 || dg["body"] != "T\n\nB\n\n"+strings.Repeat("=", 50)+"\n\n" {
		t.Fatalf("digest data = %v", dg)
	}
}

func TestTallyPings(t *testing.T) {
	t.Parallel()
	a := recipient("a", withPing("a@ping.example"))
	b := recipient("b", withPing("b@ping.example"))
	c := recipient("c")
	tally := TallyPings([]eventlog.Event{
		ev("1", eventlog.KindTip, b, 1),
		ev("2", eventlog.KindTip, a, 2),
		ev("3", eventlog.KindTip, c, 3),
		ev("4", eventlog.KindTip, b, 4),
	})
	if tally.Len() != 2 || tally.Count("b") != 2 || tally.Count("a") != 1 || tally.Count("c") != 0 {
		t.Fatalf("tally = %+v", tally.Entries())
	}
	p, ok := BuildPing(tally, "fr", nil)
	if !ok {
		t.Fatal("expected ping")
	}
	if p.Address() != "b@ping.example" || p.Count != 2 || p.Language() != "fr" || len(p.SourceIDs()) != 0 {
		t.Fatalf("ping = %+v", p)
	}
	if _, ok := BuildPing(TallyPings(nil), "en", nil); ok {
		t.Fatal("empty tally must not produce a ping")
	}
}

func TestPingAddressFallsBackToMainAddress(t *testing.T) {
	t.Parallel()
	p := Ping{To: recipient("r", withPing(""))}
	if p.Address() != "r@example.org" {
		t.Fatalf("address = %q", p.Address())
	}
}

func TestDeliveryKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    Delivery
		want string
	}{
		{d: Original{}, want: "single"},
		{d: Digest{}, want: "digest"},
		{d: Ping{}, want: "ping"},
	}
	for _, tt := range tests {
		if got := deliveryKind(tt.d); got != tt.want {
			t.Fatalf("deliveryKind(%T) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestTemplateKeyFor(t *testing.T) {
	t.Parallel()
	want := map[eventlog.Kind]string{
		eventlog.KindTip:               "tip",
		eventlog.KindComment:           "comment",
		eventlog.KindMessage:           "message",
		eventlog.KindFile:              "file",
		eventlog.KindUpcomingExpireTip: "upcoming_expire_tip",
	}
	for k, w := range want {
		if got := templateKeyFor(k); got != w {
			t.Fatalf("templateKeyFor(%s) = %s, want %s", k, got, w)
		}
	}
}

func TestIntervalPacerHonoursContext(t *testing.T) {
	t.Parallel()
	p := NewIntervalPacer(time.Hour)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// no send finished yet, so nothing to wait for
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("second wait before Done: %v", err)
	}
	p.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait after Done err = %v, want DeadlineExceeded", err)
	}
	if _, ok := NewIntervalPacer(0).(NopPacer); !ok {
		t.Fatal("zero interval must yield NopPacer")
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	p, err := ParsePolicy("", 0)
	if err != nil || p.Name() != "at_most_once" {
		t.Fatalf("default policy = %v, %v", p, err)
	}
	p, err = ParsePolicy("retry", 3)
	if err != nil || p.Name() != "retry(3)" {
		t.Fatalf("retry policy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("retry", 0); err == nil {
		t.Fatal("retry without attempts must fail")
	}
	if _, err := ParsePolicy("exactly_once", 1); err == nil {
		t.Fatal("unknown policy must fail")
	}
}

func TestAtMostOnceMarksFailures(t *testing.T) {
	t.Parallel()
	st := seed(t, ev("e1", eventlog.KindTip, recipient("r"), 1))
	marked, err := AtMostOnce{}.Settle(context.Background(), st, "e1", Outcome{Err: errors.New("x")})
	if err != nil || !marked || !st.sent(t, "e1") {
		t.Fatalf("marked = %v err = %v", marked, err)
	}
}
