package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityKeyCanonicalizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host and scheme", "HTTPS://Shop.Example.COM/collections", "https://shop.example.com/collections"},
		{"drops fragment", "https://shop.example.com/products/a#reviews", "https://shop.example.com/products/a"},
		{"sorts query", "https://shop.example.com/c?page=2&b=1", "https://shop.example.com/c?b=1&page=2"},
		{"removes default port", "https://shop.example.com:443/c", "https://shop.example.com/c"},
		{"keeps custom port", "http://127.0.0.1:8080/c", "http://127.0.0.1:8080/c"},
		{"adds root path", "https://shop.example.com", "https://shop.example.com/"},
		{"keeps semicolon query", "https://shop.example.com/collections/audio?page=2;sort=price", "https://shop.example.com/collections/audio?page=2;sort=price"},
		{"sorts unparsable pairs", "https://shop.example.com/c?z=1&a=%zz", "https://shop.example.com/c?a=%zz&z=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := IdentityKey(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityKeyEquivalentURLsCollide(t *testing.T) {
	t.Parallel()

	a, err := IdentityKey("https://shop.example.com/c?page=2&sort=asc#top")
	require.NoError(t, err)
	b, err := IdentityKey("https://SHOP.example.com:443/c?sort=asc&page=2")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestIdentityKeySemicolonQueryStaysDistinct(t *testing.T) {
	t.Parallel()

	bare, err := IdentityKey("https://shop.example.com/collections/audio")
	require.NoError(t, err)
	paged, err := IdentityKey("https://shop.example.com/collections/audio?page=2;sort=price")
	require.NoError(t, err)
	require.NotEqual(t, bare, paged)
}

func TestIdentityKeyRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"mailto:sales@example.com", "/relative/path", "javascript:void(0)", "://bad"} {
		_, err := IdentityKey(raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrInvalidURL), raw)
	}
}

func TestLastPathSegment(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"sennheiser-mke-440-professional-stereo-shotgun-microphone-mke-440",
		LastPathSegment("https://warehouse-theme-metal.myshopify.com/products/sennheiser-mke-440-professional-stereo-shotgun-microphone-mke-440"),
	)
	require.Equal(t, "audio", LastPathSegment("https://shop.example.com/collections/audio/?page=2"))
	require.Equal(t, "", LastPathSegment("https://shop.example.com/"))
}
