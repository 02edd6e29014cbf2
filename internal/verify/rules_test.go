package verify

import "testing"

func TestValidOIBControlDigit(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"12345678903", true},
		{"12345678900", false},
		{"HR12345678903", true},
		{"1234567890", false},
		{"123456789031", false},
		{"1234567890a", false},
	}
	for _, c := range cases {
		if got := validFiscalID(c.id); got != c.want {
			t.Errorf("validFiscalID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestValidFiscalIDForeignVATSyntax(t *testing.T) {
	if !validFiscalID("DE123456789") {
		t.Error("want a well-formed German VAT id to pass the syntactic check")
	}
	if validFiscalID("DE1") {
		t.Error("want a too-short VAT id body to fail")
	}
	if validFiscalID("DE12345 6789") {
		t.Error("want non-alphanumeric characters in the body to fail")
	}
}

func TestRuleChecksMonetaryIdentity(t *testing.T) {
	ok := ruleChecks(map[string]string{
		"net_amount":  "1000.00",
		"vat_amount":  "250.00",
		"grand_total": "1250.00",
	})
	for _, name := range []string{"net_amount", "vat_amount", "grand_total"} {
		if !ok[name] {
			t.Errorf("want %s to pass when net + vat = gross", name)
		}
	}

	bad := ruleChecks(map[string]string{
		"net_amount":  "1000.00",
		"vat_amount":  "250.00",
		"grand_total": "1300.00",
	})
	for _, name := range []string{"net_amount", "vat_amount", "grand_total"} {
		if bad[name] {
			t.Errorf("want %s to fail when the identity is off by more than tolerance", name)
		}
	}
}

func TestRuleChecksToleratesRoundingDrift(t *testing.T) {
	ok := ruleChecks(map[string]string{
		"net_amount":  "1000.00",
		"vat_amount":  "250.01",
		"grand_total": "1250.00",
	})
	if !ok["grand_total"] {
		t.Error("want a 0.01 identity drift to stay within tolerance")
	}
}

func TestRuleChecksVATRateRange(t *testing.T) {
	if got := ruleChecks(map[string]string{"vat_rate": "25"}); !got["vat_rate"] {
		t.Error("want the standard rate to pass")
	}
	if got := ruleChecks(map[string]string{"vat_rate": "40"}); got["vat_rate"] {
		t.Error("want an impossible rate to fail")
	}
	if got := ruleChecks(map[string]string{"vat_rate": "-5"}); got["vat_rate"] {
		t.Error("want a negative rate to fail")
	}
}
