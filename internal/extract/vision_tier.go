package extract

import (
	"context"
	"io"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// VisionClient is the minimal surface the vision OCR tier needs from
// internal/inference, kept narrow so extract never imports inference
// directly (both packages share domain's result types instead).
type VisionClient interface {
	ExtractDocument(ctx context.Context, mediaType string, image []byte) (domain.ExtractedDoc, error)
}

// VisionTier is the fallback-of-last-resort tier: a scanned or
// low-quality image routed through the on-demand vision model. It never
// returns domain.NoMatch for well-formed image input — if the model
// can't read the page it reports an empty field set with low
// confidence rather than falling through, since there is no lower tier
// left.
type VisionTier struct {
	Client VisionClient
}

func (VisionTier) Tier() domain.SourceTier { return domain.TierVisionOCR }

func (v VisionTier) Extract(ctx context.Context, blobID, mediaType string, r io.Reader) (domain.ExtractedDoc, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.ExtractedDoc{}, &domain.NoMatch{Tier: v.Tier(), Diagnostic: "read error: " + err.Error()}
	}
	doc, err := v.Client.ExtractDocument(ctx, mediaType, data)
	if err != nil {
		return domain.ExtractedDoc{}, err
	}
	doc.BlobID = blobID
	doc.SourceTier = v.Tier()
	return doc, nil
}
