// Package audit records Sentinel's protective decisions in a tamper-evident,
// append-only log whose entries are SHA-256 hash-chained. Every risk trigger,
// manual resolution and baseline reset produces one Record; the log is the
// answer to "why did the device lock itself at 03:14".
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// where payload is the JSON encoding of the Record exactly as written to the
// file. The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero
// characters.
//
// # Append semantics
//
// Each entry is encoded as a single JSON line terminated by '\n' and written
// to a file opened with O_APPEND, so an interrupted process leaves at most
// one torn trailing line, which Open reports as malformed.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Kind names the decision a Record describes.
type Kind string

const (
	KindRiskTriggered    Kind = "risk.triggered"
	KindAnomalyResolved  Kind = "anomaly.resolved"
	KindIncidentResolved Kind = "incident.resolved"
	KindBaselineReset    Kind = "baseline.reset"
	KindClusterTrusted   Kind = "cluster.trusted"
)

// Record is the payload of one audit entry.
type Record struct {
	Kind Kind `json:"kind"`

	// Subject identifies the row or metric the decision applies to, e.g.
	// "incident:12" or "baseline:unlock.hour_of_day".
	Subject string `json:"subject,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder is the write side of the audit log used by the decision core.
type Recorder interface {
	Record(rec Record) error
}

// entry is the wire format for one audit log line.
type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the hashed subset of entry.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Entry is one verified audit log entry.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Record    Record          `json:"record"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Logger is a tamper-evident, append-only audit log writer. It is safe for
// concurrent use. Create one with Open; do not copy after first use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

var _ Recorder = (*Logger)(nil)

// Open opens (or creates) the log file at path. An existing chain is
// verified in full and resumed; a malformed or broken chain is an error.
func Open(path string) (*Logger, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if f, err := os.Open(path); err == nil {
		entries, err := readChain(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: resume %q: %w", path, err)
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record appends rec to the chain.
func (l *Logger) Record(rec Record) error {
	_, err := l.Append(rec)
	return err
}

// Append writes rec as the next entry and returns the chain metadata
// assigned to it.
func (l *Logger) Append(rec Record) (Entry, error) {
	if rec.Kind == "" {
		return Entry{}, fmt.Errorf("audit: record kind is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	content := entryContent{
		Seq:       l.seq + 1,
		Timestamp: l.now(),
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	eventHash := hashContent(content)

	line, err := json.Marshal(entry{
		Seq:       content.Seq,
		Timestamp: content.Timestamp,
		Payload:   content.Payload,
		PrevHash:  content.PrevHash,
		EventHash: eventHash,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = content.Seq
	l.prevHash = eventHash

	return Entry{
		Seq:       content.Seq,
		Timestamp: content.Timestamp,
		Record:    rec,
		Payload:   payload,
		PrevHash:  content.PrevHash,
		EventHash: eventHash,
	}, nil
}

// Close syncs and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log file at path and checks the full hash chain. An
// empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	entries, err := readChain(f)
	if err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	return entries, nil
}

// readChain decodes and verifies every entry in r.
func readChain(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash := GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("malformed entry after seq %d: %w", len(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}

		var rec Record
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return nil, fmt.Errorf("malformed record at seq %d: %w", e.Seq, err)
		}
		entries = append(entries, Entry{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Record:    rec,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
		})
		prevHash = e.EventHash
	}
	return entries, scanner.Err()
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// entryContent.
func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// entryContent fields are all JSON-serialisable; this is unreachable.
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
