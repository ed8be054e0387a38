package flush

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mailflush/internal/eventlog"
	"mailflush/internal/lock"
	"mailflush/internal/mail"
)

func newRedisLocks(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *lock.RedisLock, *lock.RedisLock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, lock.NewRedisLock(client, "flush", ttl), lock.NewRedisLock(client, "flush", ttl)
}

func TestRunKeepsRedisLockAliveDuringLongSend(t *testing.T) {
	mr, la, lb := newRedisLocks(t, 600*time.Millisecond)
	st := seed(t, ev("e1", eventlog.KindTip, recipient("r1"), 1))

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &fakeSender{onSend: func(mail.Message) {
		close(entered)
		<-release
	}}
	a := newTestFlusher(st, &fakeRenderer{}, slow, testSettings(), WithLocker(la))
	other := &fakeSender{}
	b := newTestFlusher(st, &fakeRenderer{}, other, testSettings(), WithLocker(lb))

	done := make(chan error, 1)
	go func() {
		_, err := a.Run(context.Background())
		done <- err
	}()
	<-entered

	// Without refreshes the key would be gone after the first two steps.
	for i := 0; i < 4; i++ {
		time.Sleep(300 * time.Millisecond)
		mr.FastForward(250 * time.Millisecond)
		if _, err := b.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("step %d: second instance err = %v, want ErrRunInProgress", i, err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(slow.sent) != 1 || len(other.sent) != 0 {
		t.Fatalf("sends = %d/%d, want 1/0", len(slow.sent), len(other.sent))
	}
	if mr.Exists("lock:flush") {
		t.Fatal("lock not released after run")
	}
}

func TestRunStopsWhenRedisLockIsLost(t *testing.T) {
	mr, la, _ := newRedisLocks(t, 600*time.Millisecond)
	st := seed(t,
		ev("e1", eventlog.KindTip, recipient("r1"), 1),
		ev("e2", eventlog.KindTip, recipient("r2"), 2),
	)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	snd := &fakeSender{onSend: func(mail.Message) {
		entered <- struct{}{}
		<-release
	}}
	f := newTestFlusher(st, &fakeRenderer{}, snd, testSettings(), WithLocker(la))

	done := make(chan error, 1)
	go func() {
		_, err := f.Run(context.Background())
		done <- err
	}()
	<-entered

	// another instance took over after an expiry
	if err := mr.Set("lock:flush", "other"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	close(release)

	err := <-done
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(snd.sent))
	}
	if !st.sent(t, "e1") || st.sent(t, "e2") {
		t.Fatal("in-flight send must be settled and the rest left to the new owner")
	}
	if v, _ := mr.Get("lock:flush"); v != "other" {
		t.Fatalf("lock value = %q, the new owner's lock must survive", v)
	}
}
