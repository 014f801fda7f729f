// Package archive keeps raw fetched pages on disk with an NDJSON index.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IndexFile is the name of the append-only index inside the archive dir.
const IndexFile = "index.ndjson"

// Entry is one line of the index.
type Entry struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	File       string    `json:"file"`
	Bytes      int       `json:"bytes"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Archive writes raw pages to a directory. It is safe for concurrent use.
type Archive struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	index *os.File
}

// Open creates dir if needed and opens its index for appending.
func Open(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, IndexFile), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open index: %w", err)
	}
	return &Archive{dir: dir, now: time.Now, index: f}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// Save writes body as <identifier>_<unixms>.html and records it in the index.
// It returns the file name relative to the archive dir.
func (a *Archive) Save(ctx context.Context, identifier string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	at := a.now().UTC()
	name := fmt.Sprintf("%s_%d.html", identifier, at.UnixMilli())
	if err := os.WriteFile(filepath.Join(a.dir, name), body, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", name, err)
	}

	data, err := json.Marshal(Entry{
		ID:         uuid.NewString(),
		Identifier: identifier,
		File:       name,
		Bytes:      len(body),
		FetchedAt:  at,
	})
	if err != nil {
		return "", fmt.Errorf("archive: encode entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.index.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("archive: append index: %w", err)
	}
	return name, nil
}

// Entries returns index entries newest first, optionally only those for one
// identifier.
func (a *Archive) Entries(ctx context.Context, identifier string) ([]*Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.index.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("archive: seek index: %w", err)
	}
	defer func() {
		_, _ = a.index.Seek(0, io.SeekEnd)
	}()

	var entries []*Entry
	scanner := bufio.NewScanner(a.index)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("archive: decode index: %w", err)
		}
		if identifier != "" && e.Identifier != identifier {
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: read index: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close closes the index.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Close()
}
