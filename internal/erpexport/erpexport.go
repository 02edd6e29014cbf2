// Package erpexport turns an APPROVED booking into a deterministic,
// byte-identical artifact on one of three targets (XML, JSON, or CSV)
// and records the result as an exactly-once export receipt.
package erpexport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/beevik/etree"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

// Target names the supported delivery shapes.
type Target string

const (
	TargetXML  Target = "xml"
	TargetJSON Target = "json"
	TargetCSV  Target = "csv"
)

func (t Target) valid() bool { return t == TargetXML || t == TargetJSON || t == TargetCSV }

// Store is the slice of internal/store.Store this package wraps for
// exactly-once export-receipt bookkeeping and the ledger post itself.
type Store interface {
	ReserveExportReceipt(ctx context.Context, bookingID, target string) (receiptID string, alreadyCommitted bool, err error)
	CommitExportReceipt(ctx context.Context, receiptID, artifactHash string) error
	FailExportReceipt(ctx context.Context, receiptID, failureKind string, permanent bool) error
	GetExportReceipt(ctx context.Context, id string) (store.ExportReceipt, error)
	PostBookingLedger(ctx context.Context, booking domain.Booking, correlationID string) (txID string, err error)
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	TransitionBooking(ctx context.Context, id string, to domain.BookingState, correlationID, actorID string, mutate func(*domain.Booking)) (domain.Booking, error)
}

type Exporter struct {
	store      Store
	watchedDir string
	log        zerolog.Logger
}

func New(store Store, watchedDir string, log zerolog.Logger) *Exporter {
	return &Exporter{store: store, watchedDir: watchedDir, log: log}
}

// Export turns an APPROVED booking into an artifact and a receipt. A
// booking must be APPROVED. Calling Export a second time for the same
// (booking, target) is a no-op that returns the prior receipt, giving
// callers an exactly-once guarantee under retries.
func (x *Exporter) Export(ctx context.Context, bookingID string, target Target, correlationID, actorID string) (domain.ExportReceiptView, error) {
	if !target.valid() {
		return domain.ExportReceiptView{}, fmt.Errorf("%w: unsupported export target %q", domain.ErrInputError, target)
	}

	b, err := x.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.ExportReceiptView{}, err
	}
	if b.State == domain.StateExported && b.ExportReceiptID != "" {
		// Retry after a completed export: hand back the committed
		// receipt instead of tripping over the terminal state.
		row, err := x.store.GetExportReceipt(ctx, b.ExportReceiptID)
		if err != nil {
			return domain.ExportReceiptView{}, err
		}
		if row.Target == string(target) && row.Status == "COMMITTED" {
			return viewFromRow(row), nil
		}
	}
	if b.State != domain.StateApproved {
		return domain.ExportReceiptView{}, fmt.Errorf("%w: booking %s is %s, not APPROVED", domain.ErrStateConflict, bookingID, b.State)
	}

	receiptID, committed, err := x.store.ReserveExportReceipt(ctx, bookingID, string(target))
	if err != nil {
		return domain.ExportReceiptView{}, err
	}
	if committed {
		row, err := x.store.GetExportReceipt(ctx, receiptID)
		if err != nil {
			return domain.ExportReceiptView{}, err
		}
		return viewFromRow(row), nil
	}

	artifact, filename, err := render(b, target)
	if err != nil {
		// Schema/construction failure is permanent: no retry will fix it.
		_ = x.store.FailExportReceipt(ctx, receiptID, err.Error(), true)
		if _, tErr := x.store.TransitionBooking(ctx, bookingID, domain.StateBlocked, correlationID, actorID, func(mb *domain.Booking) {
			mb.RejectedReason = "export validation failed: " + err.Error()
		}); tErr != nil {
			x.log.Error().Err(tErr).Msg("failed to block booking after permanent export failure")
		}
		return domain.ExportReceiptView{}, fmt.Errorf("%w: %s", domain.ErrExportFailed, err)
	}

	hash := sha256.Sum256(artifact)
	hashHex := hex.EncodeToString(hash[:])

	if _, err := x.deliver(filename, artifact); err != nil {
		// Delivery (filesystem/local-HTTP) failure is Transient: the
		// receipt stays PENDING and the booking stays APPROVED so a
		// later call can retry against the same reservation.
		_ = x.store.FailExportReceipt(ctx, receiptID, err.Error(), false)
		return domain.ExportReceiptView{}, fmt.Errorf("%w: %s", domain.ErrExportPending, err)
	}

	if _, err := x.store.PostBookingLedger(ctx, b, correlationID); err != nil {
		_ = x.store.FailExportReceipt(ctx, receiptID, err.Error(), false)
		return domain.ExportReceiptView{}, fmt.Errorf("%w: ledger post: %s", domain.ErrExportPending, err)
	}

	if err := x.store.CommitExportReceipt(ctx, receiptID, hashHex); err != nil {
		return domain.ExportReceiptView{}, err
	}
	if _, err := x.store.TransitionBooking(ctx, bookingID, domain.StateExported, correlationID, actorID, func(mb *domain.Booking) {
		mb.ExportReceiptID = receiptID
	}); err != nil {
		return domain.ExportReceiptView{}, err
	}

	row, err := x.store.GetExportReceipt(ctx, receiptID)
	if err != nil {
		return domain.ExportReceiptView{}, err
	}
	return viewFromRow(row), nil
}

func viewFromRow(row store.ExportReceipt) domain.ExportReceiptView {
	return domain.ExportReceiptView{
		Target:      row.Target,
		Filename:    row.BookingID + "." + row.Target,
		BytesHash:   row.ArtifactHash,
		DeliveredAt: row.CreatedAt,
		Status:      row.Status,
	}
}

// deliver drops the artifact into the configured watched directory;
// an ERP integration on the other end picks it up. Local-HTTP delivery
// is a deployment-time config choice left to the watched-directory's
// consumer.
func (x *Exporter) deliver(filename string, artifact []byte) (string, error) {
	if err := os.MkdirAll(x.watchedDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(x.watchedDir, filename)
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// render produces the deterministic artifact for target: stable key
// order, fixed decimal formatting, ISO dates.
func render(b domain.Booking, target Target) (artifact []byte, filename string, err error) {
	switch target {
	case TargetXML:
		artifact, err = renderXML(b)
		filename = fmt.Sprintf("%s.xml", b.ID)
	case TargetJSON:
		artifact, err = renderJSON(b)
		filename = fmt.Sprintf("%s.json", b.ID)
	case TargetCSV:
		artifact, err = renderCSV(b)
		filename = fmt.Sprintf("%s.csv", b.ID)
	}
	return artifact, filename, err
}

func renderXML(b domain.Booking) ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("Booking")
	root.CreateAttr("id", b.ID)
	root.CreateAttr("docClass", string(b.DocClass))
	if b.ClientID != "" {
		root.CreateAttr("clientId", b.ClientID)
	}

	entries := root.CreateElement("Entries")
	for _, e := range sortedEntries(b.Entries) {
		el := entries.CreateElement("Entry")
		el.CreateAttr("account", e.Account)
		el.CreateAttr("side", e.Side)
		el.CreateAttr("currency", e.Amount.Currency)
		el.CreateAttr("amount", e.Amount.Amount.StringFixed(2))
		if e.Description != "" {
			el.CreateAttr("description", e.Description)
		}
	}

	citations := root.CreateElement("Citations")
	for _, c := range b.Citations {
		el := citations.CreateElement("Citation")
		el.CreateAttr("lawId", c.LawID)
		if c.Article != "" {
			el.CreateAttr("article", c.Article)
		}
	}

	doc.Indent(2)
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// exportEntry is the stable JSON/CSV shape of a booking entry: fixed
// key order (struct field order is preserved by encoding/json) and
// fixed two-decimal formatting, never a float.
type exportEntry struct {
	Account     string `json:"account"`
	Side        string `json:"side"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type exportDoc struct {
	BookingID string        `json:"booking_id"`
	ClientID  string        `json:"client_id,omitempty"`
	DocClass  string        `json:"doc_class"`
	Entries   []exportEntry `json:"entries"`
}

func toExportDoc(b domain.Booking) exportDoc {
	entries := sortedEntries(b.Entries)
	out := exportDoc{BookingID: b.ID, ClientID: b.ClientID, DocClass: string(b.DocClass)}
	for _, e := range entries {
		out.Entries = append(out.Entries, exportEntry{
			Account: e.Account, Side: e.Side, Currency: e.Amount.Currency,
			Amount: e.Amount.Amount.StringFixed(2), Description: e.Description,
		})
	}
	return out
}

func renderJSON(b domain.Booking) ([]byte, error) {
	raw, err := json.Marshal(toExportDoc(b))
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func renderCSV(b domain.Booking) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"booking_id", "account", "side", "currency", "amount", "description"}); err != nil {
		return nil, err
	}
	for _, e := range sortedEntries(b.Entries) {
		if err := w.Write([]string{b.ID, e.Account, e.Side, e.Amount.Currency, e.Amount.Amount.StringFixed(2), e.Description}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortedEntries fixes entry order by (account, side) so re-exporting
// the same booking always produces byte-identical output regardless
// of the slice order the pipeline happened to build.
func sortedEntries(entries []domain.Entry) []domain.Entry {
	out := make([]domain.Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Side < out[j].Side
	})
	return out
}
