package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseShortCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		url  string
		want string
	}{
		{"post", "https://www.instagram.com/p/Cxyz123_-/", "Cxyz123_-"},
		{"reel", "https://www.instagram.com/reel/DAbc987/", "DAbc987"},
		{"reels", "https://instagram.com/reels/DAbc987", "DAbc987"},
		{"tv", "https://www.instagram.com/tv/IGTVcode1/?igsh=abc", "IGTVcode1"},
		{"story", "https://www.instagram.com/stories/someuser/31415926535/", "31415926535"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, err := ParseShortCode(tc.url)
			require.NoError(t, err)
			require.Equal(t, tc.want, code)
		})
	}
}

func TestParseShortCodeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		url  string
	}{
		{"wrong host", "https://example.com/p/Cxyz123/"},
		{"profile url", "https://www.instagram.com/someuser/"},
		{"bare root", "https://www.instagram.com/"},
		{"story without id", "https://www.instagram.com/stories/someuser/"},
		{"bad charset", "https://www.instagram.com/p/abc%20def/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseShortCode(tc.url)
			require.Error(t, err)
		})
	}
}

func TestNewJobCopiesRequest(t *testing.T) {
	t.Parallel()

	r := Request{
		ID:          "req-1",
		ChatID:      42,
		SourceURL:   "https://www.instagram.com/reel/DAbc987/",
		ShortCode:   "DAbc987",
		RequestedBy: Requester{UserName: "jane", FirstName: "Jane"},
		MessageID:   7,
		RetryCount:  3,
	}
	job := NewJob(r)
	require.Equal(t, r.ID, job.RequestID)
	require.Equal(t, r.SourceURL, job.SourceURL)
	require.Equal(t, r.RetryCount, job.RetryCount)
	require.Equal(t, r.RequestedBy, job.RequestedBy)
}
