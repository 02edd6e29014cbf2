package extract

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// TabularTier parses bank statement exports: a header row naming the
// columns the bank uses, then one row per transaction. This is a
// template_match tier: it recognizes a fixed set of known header
// layouts rather than inferring structure, so confidence is high but
// not XML-grade.
type TabularTier struct {
	// HeaderAliases maps a canonical field name to the header strings
	// (case-insensitive) a known bank export uses for it.
	HeaderAliases map[string][]string
}

func NewTabularTier() TabularTier {
	return TabularTier{HeaderAliases: map[string][]string{
		"date":         {"date", "datum", "booking_date", "valuta"},
		"amount":       {"amount", "iznos", "value"},
		"currency":     {"currency", "valuta_oznaka", "ccy"},
		"counterparty": {"counterparty", "partner", "payee", "primatelj"},
		"reference":    {"reference", "poziv_na_broj", "ref"},
	}}
}

func (TabularTier) Tier() domain.SourceTier { return domain.TierTemplateMatch }

func (t TabularTier) Extract(_ context.Context, blobID, mediaType string, r io.Reader) (domain.ExtractedDoc, error) {
	if !strings.Contains(mediaType, "csv") && !strings.Contains(mediaType, "text") {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: t.Tier(), Diagnostic: "media type " + mediaType + " is not tabular"}
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: t.Tier(), Diagnostic: "no readable header row: " + err.Error()}
	}

	colIdx := t.matchColumns(header)
	if _, ok := colIdx["amount"]; !ok {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: t.Tier(), Diagnostic: "header does not match any known bank export layout"}
	}

	firstRow, err := cr.Read()
	if err != nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: t.Tier(), Diagnostic: "no data rows"}
	}

	fields := map[string]domain.FieldValue{}
	for name, idx := range colIdx {
		if idx >= len(firstRow) {
			continue
		}
		fields[name] = domain.FieldValue{
			Value:      strings.TrimSpace(firstRow[idx]),
			Confidence: 0.9,
			Provenance: domain.Provenance{Tier: t.Tier(), ExtractorID: "tabular_tier"},
		}
	}

	currency := ""
	if fv, ok := fields["currency"]; ok {
		currency = strings.ToUpper(fv.Value)
	}

	return domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   domain.DocBankStatement,
		Fields:     fields,
		SourceTier: t.Tier(),
		Currency:   currency,
	}, nil
}

func (t TabularTier) matchColumns(header []string) map[string]int {
	idx := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for canon, aliases := range t.HeaderAliases {
			for _, a := range aliases {
				if h == a {
					idx[canon] = i
				}
			}
		}
	}
	return idx
}
