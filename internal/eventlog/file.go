package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "mailflush/pkg/logx"
)

// fileStore is a dependency-free persistence backend layered on memoryStore.
//
// Files:
//   - <prefix>.events.snapshot.json (periodic snapshot of every event)
//   - <prefix>.events.journal.jsonl (append-only journal of mutations)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

// eventRecord is the on-disk JSON shape of an Event.
type eventRecord struct {
	ID        string    `json:"id"`
	CreatedAt int64     `json:"created_at"` // unix milli
	Kind      Kind      `json:"kind"`
	Type      string    `json:"type,omitempty"`
	Recipient Recipient `json:"receiver_info"`
	Payload   Payload   `json:"payload"`
	Sent      bool      `json:"mail_sent"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type journalRecord struct {
	Op    string      `json:"op"`
	Event eventRecord `json:"event"`
}

func toRecord(e Event) eventRecord {
	return eventRecord{
		ID:        e.ID,
		CreatedAt: e.CreatedAt.UTC().UnixMilli(),
		Kind:      e.Kind,
		Type:      e.Type,
		Recipient: e.Recipient,
		Payload:   e.Payload,
		Sent:      e.Sent,
		Attempts:  e.Attempts,
		LastError: e.LastError,
	}
}

func (r eventRecord) event() Event {
	return Event{
		ID:        r.ID,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		Kind:      r.Kind,
		Type:      r.Type,
		Recipient: r.Recipient,
		Payload:   r.Payload,
		Sent:      r.Sent,
		Attempts:  r.Attempts,
		LastError: r.LastError,
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".events.snapshot.json"
	journalPath := prefix + ".events.journal.jsonl"

	mem := newMemoryStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}
	mem.onChange = s.persistLocked
	mem.onCommit = s.maybeCompactLocked
	log.Debug("file store opened", logx.String("snapshot", snapPath), logx.Int("events", len(mem.events)))
	return s, nil
}

// persistLocked runs with memoryStore.mu held.
func (s *fileStore) persistLocked(op string, e Event) error {
	if s.journal == nil {
		return errors.New("event journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: op, Event: toRecord(e)}); err != nil {
		return err
	}
	s.writes++
	return nil
}

// maybeCompactLocked snapshots the committed state every compactEvery writes.
func (s *fileStore) maybeCompactLocked() {
	if s.journal == nil || s.compactEvery <= 0 || s.writes%s.compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("event journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("event journal compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	records := make([]eventRecord, 0, len(s.events))
	for _, e := range s.events {
		records = append(records, toRecord(*e))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var records []eventRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		e := r.event()
		mem.events[e.ID] = &e
	}
	return nil
}

func replayJournal(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; keep what we have
			continue
		}
		if r.Event.ID == "" {
			continue
		}
		e := r.Event.event()
		mem.events[e.ID] = &e
	}
	return sc.Err()
}
