package verify

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// ruleChecks runs the deterministic domain predicates over the fields
// they cover: checksum for identifiers, the net + VAT = gross identity
// for monetary fields, range and syntax checks for rates, dates, and
// currency codes. Fields not covered here fall through to the L2
// RuleSource. The returned map's presence (not just its value) matters:
// a covered field's verdict always comes from these predicates, so a
// monetary or identifier field can never pass verification on memory
// rules alone.
func ruleChecks(candidate map[string]string) map[string]bool {
	out := map[string]bool{}

	net, netErr := decimal.NewFromString(candidate["net_amount"])
	vat, vatErr := decimal.NewFromString(candidate["vat_amount"])
	gross, grossErr := decimal.NewFromString(candidate["grand_total"])
	haveAll := netErr == nil && vatErr == nil && grossErr == nil

	monetary := func(name string, parsed bool) {
		if _, present := candidate[name]; !present {
			return
		}
		if haveAll {
			out[name] = net.Add(vat).Sub(gross).Abs().LessThanOrEqual(WideTolerance)
			return
		}
		out[name] = parsed
	}
	monetary("net_amount", netErr == nil)
	monetary("vat_amount", vatErr == nil)
	monetary("grand_total", grossErr == nil)

	if raw, ok := candidate["amount"]; ok {
		_, err := decimal.NewFromString(raw)
		out["amount"] = err == nil
	}

	if id, ok := candidate["supplier_fiscal_id"]; ok {
		out["supplier_fiscal_id"] = validFiscalID(id)
	}

	if raw, ok := candidate["vat_rate"]; ok {
		rate, err := decimal.NewFromString(raw)
		out["vat_rate"] = err == nil && !rate.IsNegative() && rate.LessThanOrEqual(decimal.NewFromInt(25))
	}

	if raw, ok := candidate["posting_date"]; ok {
		_, err := time.Parse("2006-01-02", raw)
		out["posting_date"] = err == nil
	}

	if raw, ok := candidate["currency"]; ok {
		_, err := domain.NormalizeCurrency(raw)
		out["currency"] = err == nil
	}

	return out
}

// validFiscalID accepts a domestic OIB (11 digits, ISO 7064 MOD 11,10
// control digit, with or without the HR prefix) or a foreign EU VAT id
// (two-letter country code followed by 8-12 alphanumerics), which gets
// a syntactic check only since each member state runs its own scheme.
func validFiscalID(id string) bool {
	if len(id) >= 2 && isUpperAlpha(id[0]) && isUpperAlpha(id[1]) {
		body := id[2:]
		if id[0] == 'H' && id[1] == 'R' {
			return validOIB(body)
		}
		if len(body) < 8 || len(body) > 12 {
			return false
		}
		for i := 0; i < len(body); i++ {
			if !isDigit(body[i]) && !isUpperAlpha(body[i]) {
				return false
			}
		}
		return true
	}
	return validOIB(id)
}

// validOIB implements the ISO 7064 MOD 11,10 control-digit scheme the
// tax administration uses for the 11-digit OIB.
func validOIB(s string) bool {
	if len(s) != 11 {
		return false
	}
	rest := 10
	for i := 0; i < 10; i++ {
		if !isDigit(s[i]) {
			return false
		}
		rest = (rest + int(s[i]-'0')) % 10
		if rest == 0 {
			rest = 10
		}
		rest = (rest * 2) % 11
	}
	if !isDigit(s[10]) {
		return false
	}
	ctrl := 11 - rest
	if ctrl == 10 {
		ctrl = 0
	}
	return int(s[10]-'0') == ctrl
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isUpperAlpha(c byte) bool { return c >= 'A' && c <= 'Z' }
