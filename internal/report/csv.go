// Package report renders finished audits into downloadable artifacts.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// ContentTypeCSV is the content type of exported reports.
const ContentTypeCSV = "text/csv"

var header = []string{"url", "evaluation", "score", "succeeded", "insights", "recommendations"}

// CSVExporter writes one row per evaluation plus an overall row, and stores
// the file under a content-hash name.
type CSVExporter struct {
	blobs  audit.BlobStore
	hasher audit.Hasher
	prefix string
}

// NewCSVExporter returns an exporter writing below prefix.
func NewCSVExporter(blobs audit.BlobStore, hasher audit.Hasher, prefix string) *CSVExporter {
	return &CSVExporter{blobs: blobs, hasher: hasher, prefix: strings.Trim(prefix, "/")}
}

// Export implements audit.ReportExporter.
func (e *CSVExporter) Export(ctx context.Context, auditID string, result audit.Result) (string, error) {
	body, err := Render(result)
	if err != nil {
		return "", err
	}
	hash, err := e.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash report: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, e.path(auditID, hash), ContentTypeCSV, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	return uri, nil
}

func (e *CSVExporter) path(auditID, hash string) string {
	if e.prefix == "" {
		return fmt.Sprintf("%s/%s.csv", auditID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.csv", e.prefix, auditID, hash)
}

// Render encodes result as CSV. Evaluations are sorted by name so equal
// results produce equal bytes.
func Render(result audit.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{header}

	names := make([]string, 0, len(result.Evaluations))
	for name := range result.Evaluations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := result.Evaluations[name]
		rows = append(rows, []string{
			result.URL,
			name,
			strconv.Itoa(out.Score),
			strconv.FormatBool(out.Succeeded),
			strings.Join(out.Insights, "; "),
			strings.Join(out.Recommendations, "; "),
		})
	}
	rows = append(rows, []string{result.URL, "overall", strconv.Itoa(result.OverallScore), "", "", ""})

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
