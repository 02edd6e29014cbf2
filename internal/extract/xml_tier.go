package extract

import (
	"context"
	"io"
	"strings"

	"github.com/beevik/etree"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// XMLTier extracts EN16931-style structured e-invoice XML (UBL/CII
// shaped: Invoice/Seller/Buyer/InvoiceLines) using beevik/etree. This is
// the highest-fidelity tier: every field comes straight off an element,
// no heuristics involved.
type XMLTier struct{}

func (XMLTier) Tier() domain.SourceTier { return domain.TierStructuredXML }

func (x XMLTier) Extract(_ context.Context, blobID, mediaType string, r io.Reader) (domain.ExtractedDoc, error) {
	if !strings.Contains(mediaType, "xml") {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "media type " + mediaType + " is not XML"}
	}

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "malformed XML: " + err.Error()}
	}

	root := doc.Root()
	if root == nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "empty document"}
	}

	invoiceNumber := firstText(root, "InvoiceNumber", "ID")
	currency := firstText(root, "InvoiceCurrencyCode", "DocumentCurrencyCode")
	sellerName := firstText(root, "Seller/Name", "AccountingSupplierParty/Party/PartyName/Name")
	sellerVAT := firstText(root, "Seller/VATaxRegistration", "AccountingSupplierParty/Party/PartyTaxScheme/CompanyID")
	total := firstText(root, "GrandTotalAmount", "LegalMonetaryTotal/PayableAmount")
	net := firstText(root, "NetAmount", "LegalMonetaryTotal/TaxExclusiveAmount")
	vat := firstText(root, "TaxAmount", "TaxTotal/TaxAmount")
	vatRate := firstText(root, "VATRate", "TaxTotal/TaxSubtotal/TaxCategory/Percent")
	postingDate := firstText(root, "IssueDate", "InvoiceDate")

	if invoiceNumber == "" && sellerName == "" && total == "" {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: x.Tier(), Diagnostic: "no recognized e-invoice elements"}
	}

	fields := map[string]domain.FieldValue{}
	add := func(name, value string) {
		if value == "" {
			return
		}
		fields[name] = domain.FieldValue{
			Value:      value,
			Confidence: 0.99,
			Provenance: domain.Provenance{Tier: x.Tier(), ExtractorID: "xml_tier"},
		}
	}
	add("invoice_number", invoiceNumber)
	add("supplier_name", sellerName)
	add("supplier_fiscal_id", sellerVAT)
	add("grand_total", total)
	add("net_amount", net)
	add("vat_amount", vat)
	add("vat_rate", vatRate)
	add("posting_date", postingDate)

	class := domain.DocInvoiceEU
	if cur := strings.ToUpper(currency); cur != "" && cur != "EUR" {
		class = domain.DocInvoiceIn
	}

	return domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   class,
		Fields:     fields,
		SourceTier: x.Tier(),
		Currency:   strings.ToUpper(currency),
	}, nil
}

// firstText walks a list of candidate relative paths (covering a couple
// of common e-invoice XML dialects) and returns the first non-empty
// element text found anywhere in the tree.
func firstText(root *etree.Element, paths ...string) string {
	for _, p := range paths {
		if el := root.FindElement(".//" + p); el != nil {
			if t := strings.TrimSpace(el.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}
