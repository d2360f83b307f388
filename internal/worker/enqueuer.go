package worker

import (
	"context"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// SplitEnqueuer sends Detail requests to Shared and everything else to Local.
// Prepare mode uses it to walk categories privately while filling the shared
// queue with product pages.
type SplitEnqueuer struct {
	Local  crawler.Enqueuer
	Shared crawler.Enqueuer
}

// Enqueue implements crawler.Enqueuer.
func (s SplitEnqueuer) Enqueue(ctx context.Context, req crawler.Request) (crawler.EnqueueResult, error) {
	if req.Label == crawler.LabelDetail {
		return s.Shared.Enqueue(ctx, req)
	}
	return s.Local.Enqueue(ctx, req)
}
