package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

func TestSinkKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Append(ctx, crawler.Record{SKU: "a"}))
	require.NoError(t, s.Append(ctx, crawler.Record{SKU: "b"}))

	records := s.Records()
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].SKU)

	// The returned slice is a copy.
	records[0].SKU = "mutated"
	require.Equal(t, "a", s.Records()[0].SKU)

	require.NoError(t, s.Close(ctx))
	require.Error(t, s.Append(ctx, crawler.Record{SKU: "c"}))
}
