// Package report renders validation results as plain text blocks and splits
// them into size-bounded chunks for delivery.
package report

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxChunkLen is the largest chunk produced by Chunks when no limit
// is given.
const DefaultMaxChunkLen = 4000

// DateLayout formats commit dates in report blocks.
const DateLayout = "2006-01-02 15:04:05 -07:00"

// Record describes one rejected file.
type Record struct {
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
	Region string    `json:"region,omitempty"`
	Author string    `json:"author"`
	Date   time.Time `json:"date"`
}

// Report is the outcome of a check run.
type Report struct {
	Batch string `json:"batch,omitempty"`
	// Today is the batch name that was looked for.
	Today string `json:"today"`
	// Region is the optional region filter.
	Region  string   `json:"region,omitempty"`
	NoBatch bool     `json:"no_batch"`
	Checked int      `json:"checked"`
	Skipped int      `json:"skipped"`
	Records []Record `json:"records"`
}

// Add appends a rejected file.
func (r *Report) Add(rec Record) {
	r.Records = append(r.Records, rec)
}

// Valid reports whether a batch was found and nothing was rejected.
func (r *Report) Valid() bool {
	return !r.NoBatch && len(r.Records) == 0
}

// Blocks renders one text block per record, or a single summary block when
// there is nothing to report.
func (r *Report) Blocks() []string {
	if r.NoBatch {
		return []string{fmt.Sprintf("No folder for today (%s) in the source repository.", r.Today)}
	}
	if len(r.Records) == 0 {
		if r.Region != "" {
			return []string{fmt.Sprintf("All files are valid for region %s.", strings.ToUpper(r.Region))}
		}
		return []string{"All files are valid."}
	}

	blocks := make([]string, 0, len(r.Records))
	for _, rec := range r.Records {
		blocks = append(blocks, FormatRecord(rec))
	}
	return blocks
}

// Chunks packs Blocks into chunks of at most max characters.
func (r *Report) Chunks(max int) []string {
	return Chunk(r.Blocks(), max)
}

// FormatRecord renders a single rejected file.
func FormatRecord(rec Record) string {
	region := rec.Region
	if region == "" {
		region = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Invalid file: %s\n", rec.Path)
	fmt.Fprintf(&b, "  Reason: %s\n", rec.Reason)
	fmt.Fprintf(&b, "  Region: %s\n", region)
	fmt.Fprintf(&b, "  Author: %s\n", rec.Author)
	fmt.Fprintf(&b, "  Date:   %s", rec.Date.Format(DateLayout))
	return b.String()
}

// Chunk joins blocks with blank lines into chunks no longer than max
// characters. A block is never split; a single block longer than max is
// emitted as its own chunk.
func Chunk(blocks []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxChunkLen
	}

	var chunks []string
	var current strings.Builder
	size := 0
	flush := func() {
		if text := strings.TrimSpace(current.String()); text != "" {
			chunks = append(chunks, text)
		}
		current.Reset()
		size = 0
	}

	for _, block := range blocks {
		n := utf8.RuneCountInString(block)
		if size+n+2 > max {
			flush()
		}
		current.WriteString(block)
		current.WriteString("\n\n")
		size += n + 2
	}
	flush()

	return chunks
}
