package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestArchive_SaveAndEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "raw")
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	clock := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	ctx := context.Background()
	first, err := a.Save(ctx, "B001", []byte("<html>one</html>"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if first != "B001_1700000000001.html" {
		t.Errorf("unexpected file name %q", first)
	}
	if _, err := a.Save(ctx, "B002", []byte("<html>two</html>")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := a.Save(ctx, "B001", []byte("<html>three</html>")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(dir, first))
	if err != nil {
		t.Fatalf("read archived page: %v", err)
	}
	if string(body) != "<html>one</html>" {
		t.Errorf("archived body = %q", body)
	}

	all, err := a.Entries(ctx, "")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	b001, err := a.Entries(ctx, "B001")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(b001) != 2 {
		t.Fatalf("expected 2 entries for B001, got %d", len(b001))
	}
	if b001[1].File != first {
		t.Errorf("expected oldest entry last, got %q", b001[1].File)
	}
	if b001[0].ID == "" || b001[0].Bytes != len("<html>three</html>") {
		t.Errorf("unexpected newest entry %+v", b001[0])
	}
}

func TestArchive_ConcurrentSaves(t *testing.T) {
	a, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Save(context.Background(), "C", []byte("x")); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := a.Entries(context.Background(), "C")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 20 {
		t.Errorf("expected 20 index lines, got %d", len(entries))
	}
}
