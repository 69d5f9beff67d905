package sentinel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://Example.GOV/Notice/123",
			want: "https://example.gov/Notice/123",
		},
		{
			name: "removes default https port",
			in:   "https://example.gov:443/notice",
			want: "https://example.gov/notice",
		},
		{
			name: "removes default http port",
			in:   "http://example.gov:80/notice",
			want: "http://example.gov/notice",
		},
		{
			name: "strips fragment",
			in:   "https://example.gov/notice#section-2",
			want: "https://example.gov/notice",
		},
		{
			name: "removes trailing slash",
			in:   "https://example.gov/notice/123/",
			want: "https://example.gov/notice/123",
		},
		{
			name: "keeps root path",
			in:   "https://example.gov/",
			want: "https://example.gov/",
		},
		{
			name: "strips tracking parameters",
			in:   "https://example.gov/notice?utm_source=mail&utm_campaign=x&gclid=abc&id=7",
			want: "https://example.gov/notice?id=7",
		},
		{
			name: "sorts query parameters",
			in:   "https://example.gov/notice?b=2&a=1",
			want: "https://example.gov/notice?a=1&b=2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalizeURLCollapsesTrailingSlashVariants(t *testing.T) {
	t.Parallel()

	a, err := CanonicalizeURL("https://example.gov/notice/123")
	require.NoError(t, err)
	b, err := CanonicalizeURL("https://example.gov/notice/123/")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCanonicalizeURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := CanonicalizeURL("https://exa mple.gov/%zz")
	require.Error(t, err)
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.gov", DomainOf("https://Example.GOV:8443/path"))
	require.Equal(t, "", DomainOf("://bad"))
}
