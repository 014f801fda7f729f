// Package report renders job and scan summaries for the command line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/FranksOps/snare/internal/storage"
)

// JobSummary aggregates a fetch job and its products.
type JobSummary struct {
	ID           int64             `json:"id"`
	Status       storage.JobStatus `json:"status"`
	Progress     int               `json:"progress"`
	Total        int               `json:"total"`
	Stored       int               `json:"stored"`
	Success      int               `json:"success"`
	Fail         int               `json:"fail"`
	Captchas     int               `json:"captchas"`
	Message      string            `json:"message,omitempty"`
	ErrorsByKind map[string]int    `json:"errorsByKind"`
	Fulfillment  map[string]int    `json:"fulfillment"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Duration     time.Duration     `json:"duration"`
}

// SummarizeJob builds a summary from the job row and the products it owns.
func SummarizeJob(job *storage.Job, products []*storage.Product) JobSummary {
	s := JobSummary{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Total:        job.Total(),
		Stored:       len(products),
		Success:      job.SuccessCount,
		Fail:         job.FailCount,
		Captchas:     job.CaptchaCount,
		Message:      job.Message,
		ErrorsByKind: make(map[string]int),
		Fulfillment:  make(map[string]int),
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Duration:     job.UpdatedAt.Sub(job.CreatedAt),
	}
	for _, p := range products {
		if p.Status == storage.ProductFailed {
			s.ErrorsByKind[string(p.Error)]++
			continue
		}
		if p.FulfillmentType != "" {
			s.Fulfillment[p.FulfillmentType]++
		}
	}
	return s
}

// Violation is one flagged product in a scan summary.
type Violation struct {
	Identifier string                        `json:"identifier"`
	Title      string                        `json:"title"`
	TotalPrice string                        `json:"totalPrice,omitempty"`
	SellerName string                        `json:"sellerName,omitempty"`
	Matched    map[storage.Category][]string `json:"matched"`
}

// ScanSummary aggregates a scan job and its results.
type ScanSummary struct {
	ID            int64                    `json:"id"`
	Name          string                   `json:"name"`
	Scope         string                   `json:"scope"`
	Status        storage.JobStatus        `json:"status"`
	Progress      int                      `json:"progress"`
	TotalProducts int                      `json:"totalProducts"`
	Scanned       int                      `json:"scanned"`
	Matched       int                      `json:"matched"`
	Message       string                   `json:"message,omitempty"`
	ByCategory    map[storage.Category]int `json:"byCategory"`
	Keywords      map[string]int           `json:"keywords"`
	Violations    []Violation              `json:"violations"`
	CreatedAt     time.Time                `json:"createdAt"`
	CompletedAt   *time.Time               `json:"completedAt,omitempty"`
}

// SummarizeScan builds a summary from the scan row and its results.
// ByCategory counts products with at least one hit in the category.
func SummarizeScan(job *storage.ScanJob, results []*storage.ScanResult) ScanSummary {
	s := ScanSummary{
		ID:            job.ID,
		Name:          job.Name,
		Scope:         job.Scope,
		Status:        job.Status,
		Progress:      job.Progress,
		TotalProducts: job.TotalProducts,
		Scanned:       job.ScannedCount,
		Matched:       job.MatchedCount,
		Message:       job.Message,
		ByCategory:    make(map[storage.Category]int, len(storage.Categories)),
		Keywords:      make(map[string]int),
		Violations:    []Violation{},
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
	for _, c := range storage.Categories {
		s.ByCategory[c] = 0
	}
	for _, r := range results {
		if !r.HasViolation {
			continue
		}
		for cat, hits := range r.Matched {
			if len(hits) > 0 {
				s.ByCategory[cat]++
			}
			for _, kw := range hits {
				s.Keywords[kw]++
			}
		}
		s.Violations = append(s.Violations, Violation{
			Identifier: r.Identifier,
			Title:      r.Title,
			TotalPrice: r.TotalPrice,
			SellerName: r.SellerName,
			Matched:    r.Matched,
		})
	}
	sort.Slice(s.Violations, func(i, j int) bool { return s.Violations[i].Identifier < s.Violations[j].Identifier })
	return s
}

// WriteJSON writes any summary as indented JSON.
func WriteJSON(w io.Writer, summary any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

var funcs = template.FuncMap{
	"categories": func() []storage.Category { return storage.Categories },
	"join":       strings.Join,
	"hits":       func(m map[storage.Category][]string, c storage.Category) []string { return m[c] },
}

var jobTmpl = template.Must(template.New("job").Parse(`Job {{.ID}}
------------------
Status:        {{.Status}} ({{.Progress}}%)
Created:       {{.CreatedAt.Format "2006-01-02 15:04:05"}}
Updated:       {{.UpdatedAt.Format "2006-01-02 15:04:05"}} ({{.Duration}})
Identifiers:   {{.Total}} ({{.Stored}} stored)
Success:       {{.Success}}
Failed:        {{.Fail}}
Captchas:      {{.Captchas}}
{{- if .Message}}
Message:       {{.Message}}
{{- end}}

Errors:
{{- range $kind, $count := .ErrorsByKind}}
  {{$kind}}: {{$count}}
{{- else}}
  None
{{- end}}

Fulfillment:
{{- range $kind, $count := .Fulfillment}}
  {{$kind}}: {{$count}}
{{- else}}
  None
{{- end}}
`))

var scanTmpl = template.Must(template.New("scan").Funcs(funcs).Parse(`Scan {{.ID}} {{.Name}}
------------------
Scope:         {{.Scope}}
Status:        {{.Status}} ({{.Progress}}%)
Created:       {{.CreatedAt.Format "2006-01-02 15:04:05"}}
{{- if .CompletedAt}}
Completed:     {{.CompletedAt.Format "2006-01-02 15:04:05"}}
{{- end}}
Products:      {{.Scanned}}/{{.TotalProducts}} scanned
Violations:    {{.Matched}}
{{- if .Message}}
Message:       {{.Message}}
{{- end}}

By Category:
{{- $by := .ByCategory}}
{{- range categories}}
  {{.}}: {{index $by .}}
{{- end}}
{{- range .Violations}}
{{- $v := .}}

{{.Identifier}}  {{.Title}}
{{- if .TotalPrice}}  {{.TotalPrice}}{{end}}
{{- range $c := categories}}
{{- with hits $v.Matched $c}}
  {{$c}}: {{join . ", "}}
{{- end}}
{{- end}}
{{- end}}
`))

// WriteJobText writes a human-readable job summary.
func WriteJobText(w io.Writer, summary JobSummary) error {
	if err := jobTmpl.Execute(w, summary); err != nil {
		return fmt.Errorf("report: render job: %w", err)
	}
	return nil
}

// WriteScanText writes a human-readable scan summary.
func WriteScanText(w io.Writer, summary ScanSummary) error {
	if err := scanTmpl.Execute(w, summary); err != nil {
		return fmt.Errorf("report: render scan: %w", err)
	}
	return nil
}
