package blacklistcsv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FranksOps/snare/internal/storage"
)

func TestRead(t *testing.T) {
	in := `category,keyword,description
# brands we never list
brand, Nike ,trademark
Product,replica
tro,"Acme, Inc.",court order 24-cv-1
weapons,knife
seller,
onlyone
`
	res, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("entries = %+v", res.Entries)
	}
	want := []storage.BlacklistEntry{
		{Category: storage.CategoryBrand, Keyword: "Nike", Description: "trademark"},
		{Category: storage.CategoryProduct, Keyword: "replica"},
		{Category: storage.CategoryTRO, Keyword: "Acme, Inc.", Description: "court order 24-cv-1"},
	}
	for i, w := range want {
		if res.Entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, res.Entries[i], w)
		}
	}
	if len(res.Invalid) != 3 {
		t.Errorf("invalid = %v", res.Invalid)
	}
	if !strings.Contains(res.Invalid[0], "weapons") {
		t.Errorf("first invalid = %q", res.Invalid[0])
	}
}

func TestRead_NoHeader(t *testing.T) {
	res, err := Read(strings.NewReader("seller,Shady Store\n"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Category != storage.CategorySeller {
		t.Errorf("entries = %+v", res.Entries)
	}
}

func TestRead_Malformed(t *testing.T) {
	if _, err := Read(strings.NewReader("brand,\"unterminated\n")); err == nil {
		t.Error("expected parse error")
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.csv")
	if err := os.WriteFile(path, []byte("brand,Adidas\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ReadFile(path)
	if err != nil || len(res.Entries) != 1 {
		t.Fatalf("ReadFile = %+v, %v", res, err)
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
