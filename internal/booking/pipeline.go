// Package booking implements the booking pipeline and state machine:
// it drives an ingested blob through extraction, verification,
// deterministic monetary construction, and citation attachment, and
// owns the operator-facing approve/reject/correct transitions that
// internal/approval authorizes by role.
package booking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/inference"
	"github.com/mladen1312/nyx-light-racunovodja/internal/memory"
	"github.com/mladen1312/nyx-light-racunovodja/internal/rag"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

// Store is the slice of internal/store.Store the pipeline drives.
type Store interface {
	CreateBooking(ctx context.Context, blobID, fingerprint string, docClass domain.DocClass, correlationID string) (domain.Booking, error)
	SetBookingClient(ctx context.Context, bookingID, clientID string) error
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	ListBookings(ctx context.Context, filter store.BookingFilter) ([]domain.Booking, error)
	TransitionBooking(ctx context.Context, id string, to domain.BookingState, correlationID, actorID string, mutate func(*domain.Booking)) (domain.Booking, error)
	NewCorrection(ctx context.Context, predecessor domain.Booking, correlationID, actorID, note string) (domain.Booking, error)
	RecordPipelineFailure(ctx context.Context, bookingID, correlationID, actorID, reason string) error
}

// Blobs is the slice of internal/blobstore.Store the pipeline needs.
type Blobs interface {
	Put(mediaType string, r io.Reader) (domain.Blob, error)
	Get(id string) (*os.File, error)
}

// Extractor is satisfied by internal/extract.Fabric.
type Extractor interface {
	Extract(ctx context.Context, blobID, mediaType string, readerFactory func() (io.Reader, error)) (domain.ExtractedDoc, error)
}

// Verifier is satisfied by internal/verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, doc domain.ExtractedDoc) (domain.VerifiedDoc, error)
}

// Memory is the slice of internal/memory.Hierarchy the pipeline uses
// for account suggestions and preference capture.
type Memory interface {
	Suggest(ctx context.Context, docClass domain.DocClass, candidate map[string]string) ([]memory.RuleSuggestion, error)
	RecordCorrection(ctx context.Context, bookingID string, docClass domain.DocClass, fieldName, fromValue, toValue, actorID string) error
	CapturePreference(ctx context.Context, docClass domain.DocClass, inputDigest string, chosen, rejected []domain.Entry, actorID string) error
}

// LegalIndex is the slice of internal/rag.Index the pipeline searches
// for citations.
type LegalIndex interface {
	Search(ctx context.Context, embedder rag.Embedder, query string, asOf time.Time, topK int) ([]domain.RetrievedChunk, error)
}

// Classifier asks the primary model to suggest an account/VAT class
// for a document; satisfied by internal/inference.Orchestrator.
type Classifier interface {
	Infer(ctx context.Context, req inference.Request) (inference.Response, error)
}

// Config carries the pipeline's business thresholds, all overridable
// from internal/config so none of them is a compiled-in constant.
type Config struct {
	AMLThreshold   domain.Money
	HomeCurrency   string
	CitationTopK   int
	ConsensusFloor float64 // minimum per-field consensus score to auto-propose
	CitationFloor  float64 // minimum retrieval score for a chunk to be cited
	// ReverseChargeRate is the home-country standard VAT rate applied
	// when a zero-VAT EU invoice shifts the tax obligation to the
	// recipient.
	ReverseChargeRate decimal.Decimal
}

type Pipeline struct {
	store      Store
	blobs      Blobs
	extractor  Extractor
	verifier   Verifier
	mem        Memory
	legal      LegalIndex
	embedder   rag.Embedder
	classifier Classifier
	cfg        Config
	log        zerolog.Logger
}

func New(st Store, blobs Blobs, extractor Extractor, verifier Verifier, mem Memory, legal LegalIndex, embedder rag.Embedder, classifier Classifier, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.CitationTopK <= 0 {
		cfg.CitationTopK = 3
	}
	if cfg.ConsensusFloor <= 0 {
		cfg.ConsensusFloor = 0.95
	}
	if cfg.ReverseChargeRate.IsZero() {
		cfg.ReverseChargeRate = decimal.NewFromInt(25)
	}
	return &Pipeline{
		store: st, blobs: blobs, extractor: extractor, verifier: verifier,
		mem: mem, legal: legal, embedder: embedder, classifier: classifier,
		cfg: cfg, log: log,
	}
}

// Ingest stores the uploaded bytes content-addressed, dedups against
// any existing booking with the same (client, doc_class, blob)
// fingerprint, and runs the pipeline through to PROPOSED/NEEDS_REVIEW
// synchronously. A failure at any stage after the booking's client is
// attached leaves the booking where it already was, with an audited
// failure event, and Ingest still returns the booking without error;
// only storing the blob, creating the booking row or attaching the
// client make Ingest return an error.
func (p *Pipeline) Ingest(ctx context.Context, clientID, mediaType string, data []byte, docClassHint domain.DocClass, correlationID, actorID string) (domain.Booking, error) {
	blob, err := p.blobs.Put(mediaType, bytes.NewReader(data))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("booking: store blob: %w", err)
	}

	if !docClassHint.Valid() {
		docClassHint = domain.DocInvoiceIn
	}
	fingerprint := domain.NewFingerprint(clientID, docClassHint, blob.ID)

	b, err := p.store.CreateBooking(ctx, blob.ID, fingerprint, docClassHint, correlationID)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := p.store.SetBookingClient(ctx, b.ID, clientID); err != nil {
		return domain.Booking{}, err
	}
	b.ClientID = clientID

	if b.State != domain.StateIngested {
		// Deduplicated onto an existing booking already past INGESTED.
		return b, nil
	}

	advanced, err := p.advance(ctx, b, mediaType, data, correlationID, actorID)
	if err != nil {
		p.log.Warn().Err(err).Str("booking_id", b.ID).Msg("booking pipeline stage failed, left in current state")
		if recErr := p.store.RecordPipelineFailure(ctx, b.ID, correlationID, actorID, err.Error()); recErr != nil {
			p.log.Error().Err(recErr).Msg("failed to record pipeline failure audit event")
		}
		return b, nil
	}
	return advanced, nil
}

// Get fetches a booking by ID.
func (p *Pipeline) Get(ctx context.Context, id string) (domain.Booking, error) {
	return p.store.GetBooking(ctx, id)
}

// List fetches booking summaries matching filter.
func (p *Pipeline) List(ctx context.Context, filter store.BookingFilter) ([]domain.Booking, error) {
	return p.store.ListBookings(ctx, filter)
}

// advance runs INGESTED -> EXTRACTED -> VERIFIED -> {PROPOSED,NEEDS_REVIEW}.
func (p *Pipeline) advance(ctx context.Context, b domain.Booking, mediaType string, data []byte, correlationID, actorID string) (domain.Booking, error) {
	doc, err := p.extractor.Extract(ctx, b.BlobID, mediaType, func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("extract: %w", err)
	}
	if doc.DocClass.Valid() {
		b.DocClass = doc.DocClass
	}

	b, err = p.store.TransitionBooking(ctx, b.ID, domain.StateExtracted, correlationID, actorID, nil)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("transition to extracted: %w", err)
	}

	verified, err := p.verifier.Verify(ctx, doc)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("verify: %w", err)
	}

	b, err = p.store.TransitionBooking(ctx, b.ID, domain.StateVerified, correlationID, actorID, func(mb *domain.Booking) {
		mb.Verified = &verified
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("transition to verified: %w", err)
	}

	return p.propose(ctx, b, verified, correlationID, actorID)
}

// candidateFields flattens a VerifiedDoc's resolved values for memory
// lookups and classification prompts.
func candidateFields(v domain.VerifiedDoc) map[string]string {
	out := make(map[string]string, len(v.Fields))
	for name, fc := range v.Fields {
		out[name] = fc.ResolvedValue
	}
	return out
}

// propose runs deterministic entry construction against the verified
// fields and transitions the booking to PROPOSED or NEEDS_REVIEW.
func (p *Pipeline) propose(ctx context.Context, b domain.Booking, verified domain.VerifiedDoc, correlationID, actorID string) (domain.Booking, error) {
	candidate := candidateFields(verified)

	suggestions, err := p.mem.Suggest(ctx, b.DocClass, candidate)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("memory suggest: %w", err)
	}
	suggested := map[string]string{}
	for _, s := range suggestions {
		suggested[s.FieldName] = s.Action
	}

	postingDate := time.Now().UTC()
	if pd, ok := candidate["posting_date"]; ok {
		if t, err := time.Parse("2006-01-02", pd); err == nil {
			postingDate = t
		}
	}

	citations, citationErr := p.searchCitations(ctx, b.DocClass, candidate, postingDate)
	if citationErr != nil {
		p.log.Warn().Err(citationErr).Str("booking_id", b.ID).Msg("citation search failed, proceeding without citations")
	}

	account, fromModel, err := p.classifyAccount(ctx, b.DocClass, candidate, citations, suggested)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("classify: %w", err)
	}

	entries, buildErr := buildEntries(b.DocClass, candidate, account, p.cfg.HomeCurrency, p.cfg.ReverseChargeRate)
	balanced := buildErr == nil && (domain.Booking{Entries: entries}).Balanced()

	var blockers []domain.BlockerReason
	if len(verified.Blockers()) > 0 {
		blockers = append(blockers, domain.BlockerLowConsensus)
	}
	if verified.MinScore() < p.cfg.ConsensusFloor {
		blockers = append(blockers, domain.BlockerConsensusBelowFloor)
	}
	if !balanced {
		blockers = append(blockers, domain.BlockerLedgerImbalance)
	}
	if p.exceedsAML(b.DocClass, candidate) {
		blockers = append(blockers, domain.BlockerAMLThreshold)
	}
	if p.fxRateMissing(candidate) {
		blockers = append(blockers, domain.BlockerFXUnavailable)
	}
	if driftBlocker := p.supplierDrift(candidate, suggestions); driftBlocker {
		blockers = append(blockers, domain.BlockerSupplierIDDrift)
	}
	if conflictBlocker := p.ruleConflict(account, fromModel, suggested); conflictBlocker {
		blockers = append(blockers, domain.BlockerRuleConflict)
	}

	target := domain.StateProposed
	if len(blockers) > 0 {
		target = domain.StateNeedsReview
	}

	return p.store.TransitionBooking(ctx, b.ID, target, correlationID, actorID, func(mb *domain.Booking) {
		mb.Entries = entries
		mb.Citations = citations
		mb.Blockers = blockers
	})
}

func (p *Pipeline) searchCitations(ctx context.Context, docClass domain.DocClass, candidate map[string]string, asOf time.Time) ([]domain.CitationRef, error) {
	if p.legal == nil {
		return nil, nil
	}
	query := string(docClass) + " " + strings.Join(sortedValues(candidate), " ")
	results, err := p.legal.Search(ctx, p.embedder, query, asOf, p.cfg.CitationTopK)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CitationRef, 0, len(results))
	for _, r := range results {
		if r.Similarity < p.cfg.CitationFloor {
			continue
		}
		out = append(out, domain.CitationRef{
			ChunkID: r.Chunk.ID, LawID: r.Chunk.LawID, Article: r.Chunk.Article, Similarity: r.Similarity,
		})
	}
	return out, nil
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// classifyAccount asks the primary model which account this document's
// line should post to; AI only ever returns an account code and VAT
// class here, never an amount. fromModel is false when no classifier
// is configured and the memorized L2 suggestion (or the doc class's
// default account) was used instead.
func (p *Pipeline) classifyAccount(ctx context.Context, docClass domain.DocClass, candidate map[string]string, citations []domain.CitationRef, suggested map[string]string) (account string, fromModel bool, err error) {
	if p.classifier != nil {
		var ctxLines []string
		for _, c := range citations {
			ctxLines = append(ctxLines, fmt.Sprintf("%s:%s", c.LawID, c.Article))
		}
		resp, err := p.classifier.Infer(ctx, inference.Request{
			Kind:         inference.KindClassify,
			Prompt:       fmt.Sprintf("doc_class=%s fields=%v context=%v", docClass, candidate, ctxLines),
			SystemPrefix: "classify-account:" + string(docClass),
		})
		if err == nil {
			if acc := parseAccountFromResponse(resp.Text); acc != "" {
				return acc, true, nil
			}
		} else {
			p.log.Warn().Err(err).Msg("classifier call failed, falling back to memory/default account")
		}
	}
	if acc, ok := suggested["supplier_fiscal_id"]; ok && strings.HasPrefix(acc, "account:") {
		return strings.TrimPrefix(acc, "account:"), false, nil
	}
	return defaultAccount(docClass), false, nil
}

// parseAccountFromResponse extracts an "account:<code>" token the
// classifier is prompted to emit; any other shape is treated as "no
// suggestion".
func parseAccountFromResponse(text string) string {
	for _, tok := range strings.Fields(text) {
		if strings.HasPrefix(tok, "account:") {
			return strings.TrimPrefix(tok, "account:")
		}
	}
	return ""
}

func defaultAccount(docClass domain.DocClass) string {
	switch docClass {
	case domain.DocInvoiceIn, domain.DocInvoiceEU:
		return "4000"
	case domain.DocInvoiceOut:
		return "7000"
	case domain.DocBankStatement:
		return "1000"
	case domain.DocPayrollInput:
		return "4200"
	case domain.DocTravelOrder:
		return "4150"
	case domain.DocCashRegister:
		return "1000"
	default:
		return "4000"
	}
}

// buildEntries computes the booking's double-entry lines deterministically
// from extracted net/VAT fields; AI never supplies an amount.
func buildEntries(docClass domain.DocClass, fields map[string]string, account, homeCurrency string, reverseChargeRate decimal.Decimal) ([]domain.Entry, error) {
	currency := fields["currency"]
	if currency == "" {
		currency = homeCurrency
	}

	switch docClass {
	case domain.DocInvoiceIn, domain.DocInvoiceEU:
		gross, net, vat, err := grossNetVAT(fields, currency)
		if err != nil {
			return nil, err
		}
		if docClass == domain.DocInvoiceEU && vat.IsZero() && !net.IsZero() {
			// Reverse charge: the supplier invoiced without VAT, so the
			// recipient self-assesses at the home standard rate — an
			// input debit and an output credit of the same amount, net
			// against the payable.
			rc := domain.Money{
				Amount:   net.Amount.Mul(reverseChargeRate).Div(decimal.NewFromInt(100)).Round(2),
				Currency: currency,
			}
			return []domain.Entry{
				{Account: account, Side: "debit", Amount: net, Description: "net expense"},
				{Account: "1400", Side: "debit", Amount: rc, Description: "reverse charge input VAT"},
				{Account: "2400", Side: "credit", Amount: rc, Description: "reverse charge output VAT"},
				{Account: "2200", Side: "credit", Amount: gross, Description: "accounts payable"},
			}, nil
		}
		entries := []domain.Entry{
			{Account: account, Side: "debit", Amount: net, Description: "net expense"},
		}
		if !vat.IsZero() {
			entries = append(entries, domain.Entry{Account: "1400", Side: "debit", Amount: vat, Description: "input VAT"})
		}
		entries = append(entries, domain.Entry{Account: "2200", Side: "credit", Amount: gross, Description: "accounts payable"})
		return entries, nil

	case domain.DocInvoiceOut:
		gross, net, vat, err := grossNetVAT(fields, currency)
		if err != nil {
			return nil, err
		}
		entries := []domain.Entry{
			{Account: "1200", Side: "debit", Amount: gross, Description: "accounts receivable"},
			{Account: account, Side: "credit", Amount: net, Description: "revenue"},
		}
		if !vat.IsZero() {
			entries = append(entries, domain.Entry{Account: "2400", Side: "credit", Amount: vat, Description: "output VAT payable"})
		}
		return entries, nil

	case domain.DocBankStatement:
		amt, err := domain.NewMoney(nonEmpty(fields["amount"], "0"), currency)
		if err != nil {
			return nil, err
		}
		abs := domain.Money{Amount: amt.Amount.Abs(), Currency: amt.Currency}
		if amt.Amount.IsNegative() {
			return []domain.Entry{
				{Account: "2999", Side: "debit", Amount: abs, Description: "counterparty clearing"},
				{Account: "1000", Side: "credit", Amount: abs, Description: "bank account"},
			}, nil
		}
		return []domain.Entry{
			{Account: "1000", Side: "debit", Amount: abs, Description: "bank account"},
			{Account: "2999", Side: "credit", Amount: abs, Description: "counterparty clearing"},
		}, nil

	default:
		total, err := domain.NewMoney(nonEmpty(fields["grand_total"], fields["amount"]), currency)
		if err != nil {
			return nil, err
		}
		return []domain.Entry{
			{Account: account, Side: "debit", Amount: total, Description: string(docClass)},
			{Account: "2200", Side: "credit", Amount: total, Description: "accounts payable"},
		}, nil
	}
}

func grossNetVAT(fields map[string]string, currency string) (gross, net, vat domain.Money, err error) {
	net, err = domain.NewMoney(nonEmpty(fields["net_amount"], "0"), currency)
	if err != nil {
		return domain.Money{}, domain.Money{}, domain.Money{}, err
	}
	vat, err = domain.NewMoney(nonEmpty(fields["vat_amount"], "0"), currency)
	if err != nil {
		return domain.Money{}, domain.Money{}, domain.Money{}, err
	}
	if gt, ok := fields["grand_total"]; ok && gt != "" {
		gross, err = domain.NewMoney(gt, currency)
		if err != nil {
			return domain.Money{}, domain.Money{}, domain.Money{}, err
		}
	} else {
		gross, _ = net.Add(vat)
	}
	return gross, net, vat, nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// exceedsAML reports whether a cash-handling document's amount clears
// the configured anti-money-laundering threshold.
func (p *Pipeline) exceedsAML(docClass domain.DocClass, fields map[string]string) bool {
	if docClass != domain.DocCashRegister && docClass != domain.DocBankStatement {
		return false
	}
	if p.cfg.AMLThreshold.Currency == "" {
		return false
	}
	raw := nonEmpty(fields["grand_total"], fields["amount"])
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return false
	}
	return amt.Abs().GreaterThan(p.cfg.AMLThreshold.Amount)
}

// fxRateMissing reports whether the booking carries a non-home
// currency without an extracted FX rate for the posting date. The
// conversion itself is the operator's decision to supply, so the
// booking cannot auto-advance without one.
func (p *Pipeline) fxRateMissing(candidate map[string]string) bool {
	cur := strings.ToUpper(strings.TrimSpace(candidate["currency"]))
	if cur == "" || cur == p.cfg.HomeCurrency {
		return false
	}
	_, ok := candidate["fx_rate"]
	return !ok
}

// supplierDrift reports whether the memorized rule for this supplier's
// fiscal ID has already been flagged as a conflict by internal/memory,
// the signal that the supplier's settlement account changed between
// two corrections.
func (p *Pipeline) supplierDrift(candidate map[string]string, suggestions []memory.RuleSuggestion) bool {
	_, hasSupplier := candidate["supplier_fiscal_id"]
	if !hasSupplier {
		return false
	}
	for _, s := range suggestions {
		if s.FieldName == "supplier_fiscal_id" && s.Conflicted {
			return true
		}
	}
	return false
}

// ruleConflict reports whether the model's own account proposal
// disagrees with a live, reasonably reinforced L2 rule for the same
// key.
func (p *Pipeline) ruleConflict(account string, fromModel bool, suggested map[string]string) bool {
	if !fromModel {
		return false
	}
	ruleAccount, ok := suggested["supplier_fiscal_id"]
	if !ok || !strings.HasPrefix(ruleAccount, "account:") {
		return false
	}
	return strings.TrimPrefix(ruleAccount, "account:") != account
}
