package booking_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mladen1312/nyx-light-racunovodja/internal/booking"
	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/memory"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

type fakeStore struct {
	bookings map[string]domain.Booking
	seq      int
	failures []string
}

func newFakeStore() *fakeStore { return &fakeStore{bookings: map[string]domain.Booking{}} }

func (f *fakeStore) CreateBooking(_ context.Context, blobID, fingerprint string, docClass domain.DocClass, _ string) (domain.Booking, error) {
	for _, b := range f.bookings {
		if b.Fingerprint == fingerprint {
			return b, nil
		}
	}
	f.seq++
	b := domain.Booking{
		ID: "b" + string(rune('0'+f.seq)), BlobID: blobID, Fingerprint: fingerprint,
		DocClass: docClass, State: domain.StateIngested, CreatedAt: time.Now().UTC(),
	}
	f.bookings[b.ID] = b
	return b, nil
}

func (f *fakeStore) SetBookingClient(_ context.Context, bookingID, clientID string) error {
	b := f.bookings[bookingID]
	b.ClientID = clientID
	f.bookings[bookingID] = b
	return nil
}

func (f *fakeStore) GetBooking(_ context.Context, id string) (domain.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) ListBookings(_ context.Context, filter store.BookingFilter) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range f.bookings {
		if filter.State != "" && b.State != filter.State {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) TransitionBooking(_ context.Context, id string, to domain.BookingState, _, actorID string, mutate func(*domain.Booking)) (domain.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	if !domain.CanTransition(b.State, to) {
		return domain.Booking{}, domain.ErrStateConflict
	}
	b.State = to
	b.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&b)
	}
	f.bookings[id] = b
	return b, nil
}

func (f *fakeStore) NewCorrection(_ context.Context, predecessor domain.Booking, _, _, note string) (domain.Booking, error) {
	f.seq++
	successor := domain.Booking{
		ID: "b" + string(rune('0'+f.seq)), ClientID: predecessor.ClientID, BlobID: predecessor.BlobID,
		Fingerprint: predecessor.Fingerprint, DocClass: predecessor.DocClass, State: domain.StateCorrected,
		CorrectedFrom: predecessor.ID, CorrectionNote: note, CreatedAt: time.Now().UTC(),
	}
	f.bookings[successor.ID] = successor
	rejected := predecessor
	rejected.State = domain.StateRejected
	f.bookings[predecessor.ID] = rejected
	return successor, nil
}

func (f *fakeStore) RecordPipelineFailure(_ context.Context, bookingID, _, _, reason string) error {
	f.failures = append(f.failures, bookingID+":"+reason)
	return nil
}

type fakeBlobs struct{}

func (fakeBlobs) Put(_ string, r io.Reader) (domain.Blob, error) {
	data, _ := io.ReadAll(r)
	return domain.Blob{ID: "blob-" + string(rune(len(data)))}, nil
}
func (fakeBlobs) Get(_ string) (*os.File, error) { return nil, nil }

type fakeExtractor struct {
	doc domain.ExtractedDoc
	err error
}

func (f fakeExtractor) Extract(_ context.Context, _, _ string, _ func() (io.Reader, error)) (domain.ExtractedDoc, error) {
	return f.doc, f.err
}

type fakeVerifier struct {
	verified domain.VerifiedDoc
	err      error
}

func (f fakeVerifier) Verify(_ context.Context, _ domain.ExtractedDoc) (domain.VerifiedDoc, error) {
	return f.verified, f.err
}

type fakeMemory struct{}

func (fakeMemory) Suggest(_ context.Context, _ domain.DocClass, _ map[string]string) ([]memory.RuleSuggestion, error) {
	return nil, nil
}
func (fakeMemory) RecordCorrection(_ context.Context, _ string, _ domain.DocClass, _, _, _, _ string) error {
	return nil
}
func (fakeMemory) CapturePreference(_ context.Context, _ domain.DocClass, _ string, _, _ []domain.Entry, _ string) error {
	return nil
}

func resolvedConsensus(value string) domain.FieldConsensus {
	return domain.FieldConsensus{Level: domain.Consensus3of3, Score: domain.Consensus3of3.Score(), ResolvedValue: value}
}

func invoiceDoc() domain.ExtractedDoc {
	return domain.ExtractedDoc{
		BlobID: "blob-1", DocClass: domain.DocInvoiceIn, SourceTier: domain.TierStructuredXML,
		Fields: map[string]domain.FieldValue{
			"net_amount":  {Value: "100.00"},
			"vat_amount":  {Value: "25.00"},
			"grand_total": {Value: "125.00"},
		},
	}
}

func invoiceVerified() domain.VerifiedDoc {
	return domain.VerifiedDoc{
		Doc: invoiceDoc(),
		Fields: map[string]domain.FieldConsensus{
			"net_amount":  resolvedConsensus("100.00"),
			"vat_amount":  resolvedConsensus("25.00"),
			"grand_total": resolvedConsensus("125.00"),
		},
		VerifiedAt: time.Now().UTC(),
	}
}

func newTestPipeline(st *fakeStore, verified domain.VerifiedDoc, verr error) *booking.Pipeline {
	return booking.New(
		st, fakeBlobs{},
		fakeExtractor{doc: invoiceDoc()},
		fakeVerifier{verified: verified, err: verr},
		fakeMemory{},
		nil, // no legal index needed for these cases
		nil, // no embedder
		nil, // no classifier: falls back to defaultAccount
		booking.Config{HomeCurrency: "EUR"},
		zerolog.Nop(),
	)
}

func TestIngestBalancedInvoiceReachesProposed(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(st, invoiceVerified(), nil)

	b, err := p.Ingest(context.Background(), "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateProposed {
		t.Fatalf("want PROPOSED, got %s (blockers=%v)", b.State, b.Blockers)
	}
	if !b.Balanced() {
		t.Fatalf("want balanced entries, got %+v", b.Entries)
	}
}

func TestIngestDuplicateFingerprintDedups(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(st, invoiceVerified(), nil)
	ctx := context.Background()

	first, err := p.Ingest(ctx, "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Ingest(ctx, "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-2", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("want the same booking for a repeat (client, doc_class, blob) fingerprint, got %s and %s", first.ID, second.ID)
	}
}

func TestIngestLowConsensusRoutesToNeedsReview(t *testing.T) {
	st := newFakeStore()
	verified := invoiceVerified()
	verified.Fields["grand_total"] = domain.FieldConsensus{Level: domain.Consensus1of3, ResolvedValue: "125.00"}
	p := newTestPipeline(st, verified, nil)

	b, err := p.Ingest(context.Background(), "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateNeedsReview {
		t.Fatalf("want NEEDS_REVIEW on 1of3 consensus, got %s", b.State)
	}
	found := false
	for _, bl := range b.Blockers {
		if bl == domain.BlockerLowConsensus {
			found = true
		}
	}
	if !found {
		t.Fatalf("want consensus_1of3_or_none blocker, got %v", b.Blockers)
	}
}

func TestIngestAMLThresholdBlocksCashRegister(t *testing.T) {
	st := newFakeStore()
	doc := domain.ExtractedDoc{
		BlobID: "blob-1", DocClass: domain.DocCashRegister, SourceTier: domain.TierRegex,
		Fields: map[string]domain.FieldValue{"grand_total": {Value: "200000.00"}},
	}
	verified := domain.VerifiedDoc{
		Doc: doc,
		Fields: map[string]domain.FieldConsensus{
			"grand_total": resolvedConsensus("200000.00"),
		},
		VerifiedAt: time.Now().UTC(),
	}
	threshold, err := domain.NewMoney("105000.00", "EUR")
	if err != nil {
		t.Fatal(err)
	}
	p := booking.New(
		st, fakeBlobs{}, fakeExtractor{doc: doc}, fakeVerifier{verified: verified}, fakeMemory{},
		nil, nil, nil,
		booking.Config{HomeCurrency: "EUR", AMLThreshold: threshold},
		zerolog.Nop(),
	)

	b, err := p.Ingest(context.Background(), "acme", "text/plain", []byte("receipt"), domain.DocCashRegister, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateNeedsReview {
		t.Fatalf("want NEEDS_REVIEW on AML threshold breach, got %s", b.State)
	}
	var sawAML bool
	for _, bl := range b.Blockers {
		if bl == domain.BlockerAMLThreshold {
			sawAML = true
		}
	}
	if !sawAML {
		t.Fatalf("want aml_threshold_exceeded blocker, got %v", b.Blockers)
	}
}

func TestIngestExtractionFailureLeavesBookingIngested(t *testing.T) {
	st := newFakeStore()
	p := booking.New(
		st, fakeBlobs{}, fakeExtractor{err: &domain.NoMatch{Tier: domain.TierRegex, Diagnostic: "no fields matched"}},
		fakeVerifier{}, fakeMemory{}, nil, nil, nil,
		booking.Config{HomeCurrency: "EUR"}, zerolog.Nop(),
	)

	b, err := p.Ingest(context.Background(), "acme", "text/plain", []byte("garbage"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateIngested {
		t.Fatalf("want the booking left in INGESTED after a failed extraction, got %s", b.State)
	}
	if len(st.failures) != 1 {
		t.Fatalf("want one recorded pipeline failure, got %v", st.failures)
	}
}

func TestApproveRejectsInvalidTransition(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(st, invoiceVerified(), nil)
	b, err := st.CreateBooking(context.Background(), "blob-x", "fp-x", domain.DocInvoiceIn, "corr-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Approve(context.Background(), b.ID, "alice", "corr-2"); err == nil {
		t.Fatal("want an error approving a booking still in INGESTED")
	}
}

func TestCorrectNeverAdvancesOver1of3Monetary(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(st, invoiceVerified(), nil)
	ctx := context.Background()

	b, err := p.Ingest(ctx, "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	blocked := b
	blocked.Verified = &domain.VerifiedDoc{
		Fields: map[string]domain.FieldConsensus{
			"grand_total": {Level: domain.Consensus1of3, ResolvedValue: "125.00"},
		},
	}
	st.bookings[b.ID] = blocked

	_, err = p.Correct(ctx, b.ID, domain.CorrectRequest{Entries: blocked.Entries}, "alice", "corr-3")
	if err == nil {
		t.Fatal("want an error correcting over a 1of3 monetary field")
	}

	patch := domain.CorrectRequest{
		Entries: []domain.Entry{
			{Account: "4000", Side: "debit", Amount: mustMoney(t, "100.00"), Description: "net"},
			{Account: "2200", Side: "credit", Amount: mustMoney(t, "100.00"), Description: "payable"},
		},
		OverrideReason: "manually reviewed against the source invoice",
	}
	if _, err := p.Correct(ctx, b.ID, patch, "alice", "corr-4"); err == nil {
		t.Fatal("want the 1of3 monetary bar to hold no matter what override reason is supplied")
	}
	if got, _ := st.GetBooking(ctx, b.ID); got.State == domain.StateRejected {
		t.Fatal("want the predecessor untouched when the correction is refused")
	}
}

func TestCorrectWithOverrideAdvancesOver2of3(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(st, invoiceVerified(), nil)
	ctx := context.Background()

	b, err := p.Ingest(ctx, "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	warned := b
	warned.Verified = &domain.VerifiedDoc{
		Fields: map[string]domain.FieldConsensus{
			"grand_total": {Level: domain.Consensus2of3, Score: domain.Consensus2of3.Score(), ResolvedValue: "125.00"},
		},
	}
	st.bookings[b.ID] = warned

	patch := domain.CorrectRequest{
		Entries: []domain.Entry{
			{Account: "4000", Side: "debit", Amount: mustMoney(t, "100.00"), Description: "net"},
			{Account: "2200", Side: "credit", Amount: mustMoney(t, "100.00"), Description: "payable"},
		},
		OverrideReason: "manually reviewed against the source invoice",
	}
	successor, err := p.Correct(ctx, b.ID, patch, "alice", "corr-2")
	if err != nil {
		t.Fatal(err)
	}
	if successor.CorrectedFrom != b.ID {
		t.Fatalf("want successor.CorrectedFrom == %s, got %s", b.ID, successor.CorrectedFrom)
	}
	if successor.State != domain.StateProposed {
		t.Fatalf("want the balanced correction to land in PROPOSED, got %s", successor.State)
	}
	predecessor, _ := st.GetBooking(ctx, b.ID)
	if predecessor.State != domain.StateRejected {
		t.Fatalf("want the predecessor moved to REJECTED, got %s", predecessor.State)
	}
}

func TestIngest2of3ConsensusStaysBelowFloor(t *testing.T) {
	st := newFakeStore()
	verified := invoiceVerified()
	fc := verified.Fields["grand_total"]
	fc.Level = domain.Consensus2of3
	fc.Score = domain.Consensus2of3.Score()
	verified.Fields["grand_total"] = fc
	p := newTestPipeline(st, verified, nil)

	b, err := p.Ingest(context.Background(), "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateNeedsReview {
		t.Fatalf("want NEEDS_REVIEW when the aggregate consensus sits under the floor, got %s", b.State)
	}
	var sawFloor bool
	for _, bl := range b.Blockers {
		if bl == domain.BlockerConsensusBelowFloor {
			sawFloor = true
		}
	}
	if !sawFloor {
		t.Fatalf("want consensus_below_floor blocker, got %v", b.Blockers)
	}
}

func TestIngestEUInvoiceSelfAssessesReverseCharge(t *testing.T) {
	st := newFakeStore()
	doc := domain.ExtractedDoc{
		BlobID: "blob-1", DocClass: domain.DocInvoiceEU, SourceTier: domain.TierStructuredXML,
		Fields: map[string]domain.FieldValue{
			"net_amount":         {Value: "5000.00"},
			"vat_amount":         {Value: "0.00"},
			"grand_total":        {Value: "5000.00"},
			"supplier_fiscal_id": {Value: "DE123456789"},
			"currency":           {Value: "EUR"},
		},
	}
	verified := domain.VerifiedDoc{
		Doc: doc,
		Fields: map[string]domain.FieldConsensus{
			"net_amount":         resolvedConsensus("5000.00"),
			"vat_amount":         resolvedConsensus("0.00"),
			"grand_total":        resolvedConsensus("5000.00"),
			"supplier_fiscal_id": resolvedConsensus("DE123456789"),
			"currency":           resolvedConsensus("EUR"),
		},
		VerifiedAt: time.Now().UTC(),
	}
	p := booking.New(
		st, fakeBlobs{}, fakeExtractor{doc: doc}, fakeVerifier{verified: verified}, fakeMemory{},
		nil, nil, nil,
		booking.Config{HomeCurrency: "EUR"}, zerolog.Nop(),
	)

	b, err := p.Ingest(context.Background(), "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceEU, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateProposed {
		t.Fatalf("want PROPOSED, got %s (blockers=%v)", b.State, b.Blockers)
	}
	if !b.Balanced() {
		t.Fatalf("want balanced entries, got %+v", b.Entries)
	}
	var inputVAT, outputVAT string
	for _, e := range b.Entries {
		if e.Account == "1400" && e.Side == "debit" {
			inputVAT = e.Amount.Amount.StringFixed(2)
		}
		if e.Account == "2400" && e.Side == "credit" {
			outputVAT = e.Amount.Amount.StringFixed(2)
		}
	}
	if inputVAT != "1250.00" || outputVAT != "1250.00" {
		t.Fatalf("want a 1250.00 self-assessed VAT debit and credit at the standard rate, got debit %q credit %q", inputVAT, outputVAT)
	}
}

func TestIngestForeignCurrencyWithoutRateNeedsReview(t *testing.T) {
	st := newFakeStore()
	doc := invoiceDoc()
	doc.Fields["currency"] = domain.FieldValue{Value: "USD"}
	verified := invoiceVerified()
	verified.Fields["currency"] = resolvedConsensus("USD")
	p := booking.New(
		st, fakeBlobs{}, fakeExtractor{doc: doc}, fakeVerifier{verified: verified}, fakeMemory{},
		nil, nil, nil,
		booking.Config{HomeCurrency: "EUR"}, zerolog.Nop(),
	)

	b, err := p.Ingest(context.Background(), "acme", "application/xml", []byte("<inv/>"), domain.DocInvoiceIn, "corr-1", "ingestor")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateNeedsReview {
		t.Fatalf("want NEEDS_REVIEW for a cross-currency booking with no rate, got %s", b.State)
	}
	var sawFX bool
	for _, bl := range b.Blockers {
		if bl == domain.BlockerFXUnavailable {
			sawFX = true
		}
	}
	if !sawFX {
		t.Fatalf("want fx_rate_unavailable blocker, got %v", b.Blockers)
	}
}

func mustMoney(t *testing.T, amount string) domain.Money {
	t.Helper()
	m, err := domain.NewMoney(amount, "EUR")
	if err != nil {
		t.Fatal(err)
	}
	return m
}
