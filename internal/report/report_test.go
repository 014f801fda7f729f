package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/snare/internal/storage"
)

func TestSummarizeJob(t *testing.T) {
	created := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	job := &storage.Job{
		ID:           7,
		Identifiers:  []string{"A", "B", "C"},
		Status:       storage.JobCompleted,
		Progress:     100,
		SuccessCount: 1,
		FailCount:    2,
		CaptchaCount: 1,
		CreatedAt:    created,
		UpdatedAt:    created.Add(90 * time.Second),
	}
	products := []*storage.Product{
		{Identifier: "A", Status: storage.ProductSuccess, FulfillmentType: "FBA"},
		{Identifier: "B", Status: storage.ProductFailed, Error: storage.ErrorCaptchaRequired},
		{Identifier: "C", Status: storage.ProductFailed, Error: storage.ErrorNotFound},
	}

	s := SummarizeJob(job, products)
	if s.Total != 3 || s.Stored != 3 || s.Success != 1 || s.Fail != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.ErrorsByKind["CAPTCHA_REQUIRED"] != 1 || s.ErrorsByKind["NOT_FOUND"] != 1 {
		t.Errorf("errors by kind = %v", s.ErrorsByKind)
	}
	if s.Fulfillment["FBA"] != 1 {
		t.Errorf("fulfillment = %v", s.Fulfillment)
	}
	if s.Duration != 90*time.Second {
		t.Errorf("duration = %v", s.Duration)
	}

	var buf bytes.Buffer
	if err := WriteJobText(&buf, s); err != nil {
		t.Fatalf("WriteJobText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Job 7", "completed (100%)", "Captchas:      1", "NOT_FOUND: 1", "FBA: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestSummarizeScan(t *testing.T) {
	done := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	job := &storage.ScanJob{
		ID: 3, Name: "weekly", Scope: storage.ScopeAll, Status: storage.JobCompleted,
		Progress: 100, TotalProducts: 3, ScannedCount: 3, MatchedCount: 2,
		CreatedAt: done.Add(-time.Minute), CompletedAt: &done,
	}
	results := []*storage.ScanResult{
		{Identifier: "Z", Title: "Replica Nike", HasViolation: true, Matched: map[storage.Category][]string{
			storage.CategoryBrand: {"nike"}, storage.CategoryProduct: {"replica"},
		}},
		{Identifier: "A", Title: "Nike cap", TotalPrice: "$9.00", HasViolation: true, Matched: map[storage.Category][]string{
			storage.CategoryBrand: {"nike"},
		}},
		{Identifier: "B", Title: "Socks", Matched: map[storage.Category][]string{}},
	}

	s := SummarizeScan(job, results)
	if len(s.Violations) != 2 || s.Violations[0].Identifier != "A" {
		t.Fatalf("violations = %+v", s.Violations)
	}
	if s.ByCategory[storage.CategoryBrand] != 2 || s.ByCategory[storage.CategoryProduct] != 1 || s.ByCategory[storage.CategoryTRO] != 0 {
		t.Errorf("by category = %v", s.ByCategory)
	}
	if s.Keywords["nike"] != 2 {
		t.Errorf("keywords = %v", s.Keywords)
	}

	var buf bytes.Buffer
	if err := WriteScanText(&buf, s); err != nil {
		t.Fatalf("WriteScanText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Scan 3 weekly", "Violations:    2", "brand: nike", "product: replica", "$9.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	s := SummarizeScan(&storage.ScanJob{ID: 1, Status: storage.JobFailed, Message: "blacklist is empty"}, nil)

	var buf bytes.Buffer
	if err := WriteJSON(&buf, s); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["message"] != "blacklist is empty" {
		t.Errorf("message = %v", decoded["message"])
	}
	if v, ok := decoded["violations"].([]any); !ok || len(v) != 0 {
		t.Errorf("violations = %v, want empty list", decoded["violations"])
	}
}
