package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/entity"
)

// buildNumber accepts both a JSON number and a JSON string: release feeds in
// the wild send either. Whatever arrives stays raw, the gate decides whether
// it is numeric.
type buildNumber string

func (b *buildNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) > 1 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = buildNumber(v)

		return nil
	}

	*b = buildNumber(s)

	return nil
}

type releaseResponse struct {
	HumanVersion  string      `json:"human_version"`
	BuildNumber   buildNumber `json:"build_number"`
	Platform      string      `json:"platform"`
	ReleaseDate   string      `json:"release_date"`
	ReleaseNotes  string      `json:"release_notes"`
	Mandatory     bool        `json:"mandatory"`
	DownloadURL   string      `json:"download_url"`
	DownloadCount int64       `json:"download_count"`
	DeviceSerial  string      `json:"device_serial"`
}

type releaseRepository struct {
	client *http.Client
	url    string
	log    *slog.Logger
}

func NewReleaseRepository(client *http.Client, url string, log *slog.Logger) *releaseRepository {
	return &releaseRepository{
		client: client,
		url:    url,
		log:    log.With(slog.String("item", "ReleaseRepository")),
	}
}

// Latest fetches and parses the newest release the check endpoint reports.
func (r *releaseRepository) Latest(ctx context.Context) (*entity.VersionDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot build request: %w", common.ErrCheckFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrCheckFailed, resp.StatusCode)
	}

	var wire releaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: cannot decode response: %w", common.ErrCheckFailed, err)
	}

	if wire.DownloadURL == "" {
		return nil, fmt.Errorf("%w: response has no download url", common.ErrCheckFailed)
	}

	r.log.Info("Got release descriptor",
		slog.String("version", wire.HumanVersion), slog.String("build", string(wire.BuildNumber)))

	return &entity.VersionDescriptor{
		HumanVersion:  wire.HumanVersion,
		BuildNumber:   string(wire.BuildNumber),
		Platform:      wire.Platform,
		ReleaseDate:   wire.ReleaseDate,
		ReleaseNotes:  wire.ReleaseNotes,
		Mandatory:     wire.Mandatory,
		DownloadURL:   wire.DownloadURL,
		DownloadCount: wire.DownloadCount,
		DeviceSerial:  wire.DeviceSerial,
	}, nil
}
