package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrBrokenChain = errors.New("audit chain verification failed")

// OpenFile appends to the JSON-lines audit file at path, continuing the chain
// from its last entry. An existing file whose chain does not verify is refused.
func OpenFile(path string) (*ChainLogger, io.Closer, error) {
	entries, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	if !VerifyChain(entries) {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrBrokenChain)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	c := NewChainLoggerWithSink(f)
	if n := len(entries); n > 0 {
		c.previousHash = entries[n-1].Hash
	}
	return c, f, nil
}

// ReadFile reads every entry of a JSON-lines audit file.
func ReadFile(path string) ([]*LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEntries(f)
}
