package release

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jgivc/updagent/internal/common"
	"github.com/stretchr/testify/require"
)

func newTestRepository(url string) *releaseRepository {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	return NewReleaseRepository(http.DefaultClient, url, log)
}

func TestLatest(t *testing.T) {
	testCases := []struct {
		name      string
		body      string
		wantBuild string
	}{
		{
			name: "numeric build number",
			body: `{"human_version":"2.4.1","build_number":241,"platform":"linux_amd64",
				"release_notes":"# Fixes","mandatory":true,"download_url":"https://dl.example.com/app.bin",
				"download_count":17,"device_serial":"abc"}`,
			wantBuild: "241",
		},
		{
			name:      "string build number",
			body:      `{"human_version":"2.4.1","build_number":"241","download_url":"https://dl.example.com/app.bin"}`,
			wantBuild: "241",
		},
		{
			name:      "non-numeric build number survives parsing",
			body:      `{"human_version":"dev","build_number":"nightly","download_url":"https://dl.example.com/app.bin"}`,
			wantBuild: "nightly",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			desc, err := newTestRepository(srv.URL).Latest(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.wantBuild, desc.BuildNumber)
			require.Equal(t, "https://dl.example.com/app.bin", desc.DownloadURL)
		})
	}
}

func TestLatestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestRepository(srv.URL).Latest(context.Background())
	require.ErrorIs(t, err, common.ErrCheckFailed)
}

func TestLatestBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := newTestRepository(srv.URL).Latest(context.Background())
	require.ErrorIs(t, err, common.ErrCheckFailed)
}

func TestLatestMissingDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"human_version":"2.4.1","build_number":241}`))
	}))
	defer srv.Close()

	_, err := newTestRepository(srv.URL).Latest(context.Background())
	require.ErrorIs(t, err, common.ErrCheckFailed)
}
