package extract

import (
	"bytes"
	"context"
	"io"
	"regexp"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

var (
	reInvoiceNumber = regexp.MustCompile(`(?i)(?:invoice|racun|račun)\s*(?:no\.?|br\.?|#)?\s*[:\-]?\s*([A-Z0-9\-/]{3,30})`)
	reGrandTotal    = regexp.MustCompile(`(?i)(?:total|ukupno|za\s+platiti)\s*[:\-]?\s*([0-9][0-9.,]*)`)
	reFiscalID      = regexp.MustCompile(`(?i)(?:oib|vat\s*id|tax\s*id)\s*[:\-]?\s*([0-9A-Z]{8,13})`)
	reCurrency      = regexp.MustCompile(`\b(EUR|USD|GBP|CHF|HRK)\b`)
	reNetAmount     = regexp.MustCompile(`(?i)(?:net|osnovica)\s*[:\-]?\s*([0-9][0-9.,]*)`)
	reVATAmount     = regexp.MustCompile(`(?i)(?:vat|pdv)\s*(?:amount|iznos)?\s*[:\-]?\s*([0-9][0-9.,]*)`)
	reVATRate       = regexp.MustCompile(`(?i)(?:vat|pdv)\s*(?:rate|stopa)\s*[:\-]?\s*([0-9]{1,2}(?:[.,][0-9]+)?)\s*%`)
)

// RegexTier extracts from raw OCR'd or plain text using a small set of
// bilingual (Croatian/English) label patterns. This is the last
// deterministic tier before falling back to vision OCR, and it is
// intentionally conservative: it only reports a field when a labeled
// pattern matches nearby text, never a bare number.
type RegexTier struct{}

func (RegexTier) Tier() domain.SourceTier { return domain.TierRegex }

func (x RegexTier) Extract(_ context.Context, blobID, mediaType string, r io.Reader) (domain.ExtractedDoc, error) {
	data, err := io.ReadAll(io.LimitReader(r, 8<<20))
	if err != nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "read error: " + err.Error()}
	}
	if !looksLikeText(data) {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "binary content, not plain text"}
	}

	fields := map[string]domain.FieldValue{}
	match := func(name string, re *regexp.Regexp, confidence float64) {
		m := re.FindSubmatch(data)
		if m == nil {
			return
		}
		fields[name] = domain.FieldValue{
			Value:      string(m[1]),
			Confidence: confidence,
			Provenance: domain.Provenance{Tier: x.Tier(), ExtractorID: "regex_tier"},
		}
	}
	match("invoice_number", reInvoiceNumber, 0.6)
	match("grand_total", reGrandTotal, 0.55)
	match("supplier_fiscal_id", reFiscalID, 0.6)
	match("net_amount", reNetAmount, 0.55)
	match("vat_amount", reVATAmount, 0.55)
	match("vat_rate", reVATRate, 0.5)

	if len(fields) == 0 {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "no labeled fields matched"}
	}

	currency := ""
	if m := reCurrency.FindSubmatch(data); m != nil {
		currency = string(m[1])
	}

	return domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   domain.DocInvoiceIn,
		Fields:     fields,
		SourceTier: x.Tier(),
		Currency:   currency,
	}, nil
}

func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 2048 {
		sample = sample[:2048]
	}
	return !bytes.ContainsRune(sample, 0)
}
