// Package extract implements the extractor fabric: a registry of
// tiered extractors tried in fidelity order. A tier that cannot handle
// a document returns domain.NoMatch, which the fabric treats as a
// fallthrough signal, never an error.
package extract

import (
	"context"
	"fmt"
	"io"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Extractor is one tier of the fabric. Implementations must return
// *domain.NoMatch (not a generic error) when the input is not theirs to
// handle, so Fabric.Extract can fall through cleanly.
type Extractor interface {
	Tier() domain.SourceTier
	Extract(ctx context.Context, blobID string, mediaType string, r io.Reader) (domain.ExtractedDoc, error)
}

// Fabric runs Extractors in ascending domain.TierRank order and keeps
// every lower-tier attempt as a shadow extraction for the Verifier.
type Fabric struct {
	tiers []Extractor
}

// NewFabric builds a fabric from the given extractors, sorted by tier
// fidelity regardless of call order.
func NewFabric(extractors ...Extractor) *Fabric {
	f := &Fabric{tiers: append([]Extractor{}, extractors...)}
	for i := 1; i < len(f.tiers); i++ {
		for j := i; j > 0 && domain.TierRank(f.tiers[j].Tier()) < domain.TierRank(f.tiers[j-1].Tier()); j-- {
			f.tiers[j], f.tiers[j-1] = f.tiers[j-1], f.tiers[j]
		}
	}
	return f
}

// Extract tries each tier in order. The winning tier's output is
// returned as the primary ExtractedDoc; every tier that ran (matched or
// not) before the winner contributes no shadow, but every tier that
// matched AFTER a higher tier already won is attached as a shadow
// extraction for later cross-checking.
//
// mediaType and r are re-read per tier via readerFactory since an
// io.Reader can only be consumed once; callers typically back this with
// a blob re-opened from internal/blobstore per attempt.
func (f *Fabric) Extract(ctx context.Context, blobID, mediaType string, readerFactory func() (io.Reader, error)) (domain.ExtractedDoc, error) {
	if len(f.tiers) == 0 {
		return domain.ExtractedDoc{}, fmt.Errorf("%w: no extractors registered", domain.ErrUnextractable)
	}

	var winner *domain.ExtractedDoc
	var shadows []domain.ShadowExtraction

	for _, ex := range f.tiers {
		r, err := readerFactory()
		if err != nil {
			return domain.ExtractedDoc{}, fmt.Errorf("extract: open blob %s for tier %s: %w", blobID, ex.Tier(), err)
		}
		doc, err := ex.Extract(ctx, blobID, mediaType, r)
		if rc, ok := r.(io.Closer); ok {
			_ = rc.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.ExtractedDoc{}, ctx.Err()
			}
			// Any per-tier failure, NoMatch or otherwise, selects the
			// next tier; only total exhaustion fails the fabric.
			continue
		}

		if winner == nil {
			d := doc
			winner = &d
			continue
		}
		shadows = append(shadows, domain.ShadowExtraction{Tier: doc.SourceTier, Fields: doc.Fields})
	}

	if winner == nil {
		return domain.ExtractedDoc{}, fmt.Errorf("%w: no tier matched blob %s", domain.ErrUnextractable, blobID)
	}
	winner.Shadows = shadows
	return *winner, nil
}
