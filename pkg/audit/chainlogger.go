package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger provides a tamper-evident log using hash chaining. When a sink
// is set every entry is also written to it as one JSON line.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sink         io.Writer
	sinkErr      error
	now          func() time.Time
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		now:          time.Now,
	}
}

// NewChainLoggerWithSink persists entries to w as JSON lines.
func NewChainLoggerWithSink(w io.Writer) *ChainLogger {
	c := NewChainLogger()
	c.sink = w
	return c
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)
	c.previousHash = entry.Hash

	if c.sink != nil {
		line, err := json.Marshal(entry)
		if err == nil {
			_, err = c.sink.Write(append(line, '\n'))
		}
		if err != nil && c.sinkErr == nil {
			c.sinkErr = err
		}
	}
	return entry
}

// AppendEvent records a structured event as a JSON payload.
func (c *ChainLogger) AppendEvent(event string, fields map[string]any) (*LogEntry, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["event"] = event

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	return c.Append(string(payload)), nil
}

// Err returns the first error hit while writing to the sink.
func (c *ChainLogger) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkErr
}

// ReadEntries decodes a JSON-lines audit file.
func ReadEntries(r io.Reader) ([]*LogEntry, error) {
	var entries []*LogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if entryHash(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

func entryHash(prevHash string, e *LogEntry) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prevHash, e.Timestamp, e.Payload)))
	return hex.EncodeToString(sum[:])
}
