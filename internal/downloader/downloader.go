package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/config"
	"github.com/jgivc/updagent/internal/entity"
	"github.com/jgivc/updagent/internal/util"
	"github.com/spf13/afero"
)

const (
	progressBuffer = 8

	fallbackChunkSize   = 4096
	fallbackSampleEvery = 1

	sizeUnknown int64 = -1
)

// errAlreadyComplete signals that the server confirmed the partial file is
// in fact the whole artifact.
var errAlreadyComplete = errors.New("artifact already complete")

// SizeStore remembers the declared total length of an artifact between
// attempts. A 206 reply is assumed to carry the *remaining* length; the
// remembered total is the defensive check against servers that report the
// full length instead.
type SizeStore interface {
	ArtifactSize(ctx context.Context, id string) (int64, error)
	SetArtifactSize(ctx context.Context, id string, size int64) error
}

// Downloader owns a single target file path at a time. The on-disk length is
// the single source of truth for the resume offset.
type Downloader struct {
	fs          afero.Fs
	client      *http.Client
	sizes       SizeStore
	chunkSize   int
	sampleEvery int
	running     atomic.Bool
	log         *slog.Logger
}

// noopSizeStore remembers nothing. Resume still works off the on-disk
// length, only the cross-attempt consistency checks are lost.
type noopSizeStore struct{}

func (noopSizeStore) ArtifactSize(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (noopSizeStore) SetArtifactSize(_ context.Context, _ string, _ int64) error {
	return nil
}

func NewDownloader(fs afero.Fs, client *http.Client, sizes SizeStore, cfg *config.DownloaderConfig, log *slog.Logger) *Downloader {
	if sizes == nil {
		sizes = noopSizeStore{}
	}

	chunkSize := cfg.ChunkSize
	if chunkSize < 1 {
		chunkSize = fallbackChunkSize
	}

	sampleEvery := cfg.SampleEvery
	if sampleEvery < 1 {
		sampleEvery = fallbackSampleEvery
	}

	return &Downloader{
		fs:          fs,
		client:      client,
		sizes:       sizes,
		chunkSize:   chunkSize,
		sampleEvery: sampleEvery,
		log:         log.With(slog.String("item", "Downloader")),
	}
}

// Download streams progress snapshots until a terminal one (completed or
// failed). The partial file is never deleted on failure so the next call
// resumes where this one stopped. A second call while one is in flight
// fails fast instead of opening two writers on the same file.
func (d *Downloader) Download(ctx context.Context, rawURL, target string) <-chan entity.DownloadProgress {
	out := make(chan entity.DownloadProgress, progressBuffer)

	if !d.running.CompareAndSwap(false, true) {
		out <- entity.DownloadProgress{
			BytesTotal:   sizeUnknown,
			Failed:       true,
			ErrorMessage: common.ErrDownloadInFlight.Error(),
		}
		close(out)

		return out
	}

	go func() {
		defer d.running.Store(false)
		defer close(out)

		d.run(ctx, rawURL, target, out)
	}()

	return out
}

func (d *Downloader) run(ctx context.Context, rawURL, target string, out chan<- entity.DownloadProgress) {
	log := d.log.With(slog.String("url", rawURL), slog.String("target", target))
	em := &emitter{out: out}

	slot := util.GetIDFromString(rawURL)

	offset, derr := d.resumeOffset(target)
	if derr != nil {
		log.Error("Cannot stat target file", slog.Any("error", derr))
		em.fail(0, sizeUnknown, derr)

		return
	}

	known, err := d.sizes.ArtifactSize(ctx, slot)
	if err != nil {
		log.Error("Cannot get known artifact size", slog.Any("error", err))
		known = 0
	}

	if known > 0 {
		if offset == known {
			log.Info("Artifact already complete", slog.Int64("size", known))
			em.complete(known, known)

			return
		}

		if offset > known {
			// Overshoot from an earlier run, the partial file is corrupt.
			log.Warn("Partial file exceeds known size, restarting from zero",
				slog.Int64("offset", offset), slog.Int64("known", known))

			if derr := d.truncate(target); derr != nil {
				em.fail(0, sizeUnknown, derr)

				return
			}
			offset = 0
		}
	}

	body, total, offset, derr := d.open(ctx, rawURL, target, offset, known)
	if derr != nil {
		if errors.Is(derr.Err, errAlreadyComplete) {
			// 416 with the file already at full length.
			log.Info("Artifact already complete", slog.Int64("size", offset))
			em.complete(offset, offset)

			return
		}

		log.Error("Cannot open download", slog.Any("error", derr))
		em.fail(offset, sizeUnknown, derr)

		return
	}
	defer body.Close()

	if total > 0 && known != total {
		if err := d.sizes.SetArtifactSize(ctx, slot, total); err != nil {
			log.Error("Cannot remember artifact size", slog.Any("error", err))
		}
	}

	f, err := d.openTarget(target, offset)
	if err != nil {
		log.Error("Cannot open target file", slog.Any("error", err))
		em.fail(offset, total, common.NewDownloadError(common.DownloadErrorFileSystem, err))

		return
	}
	defer f.Close()

	log.Info("Start download", slog.Int64("offset", offset), slog.Int64("total", total))

	done, derr := d.copyBody(ctx, f, body, em, offset, total)
	if derr != nil {
		log.Error("Download failed", slog.Int64("bytes", done), slog.Any("error", derr))
		em.fail(done, total, derr)

		return
	}

	if total > 0 && done < total {
		derr = common.NewDownloadError(common.DownloadErrorIncompleteTransfer,
			fmt.Errorf("incomplete transfer: %d of %d bytes", done, total))
		log.Error("Download failed", slog.Any("error", derr))
		em.fail(done, total, derr)

		return
	}

	if total < 0 {
		// The full length is only known now the body is exhausted.
		total = done
		if err := d.sizes.SetArtifactSize(ctx, slot, total); err != nil {
			log.Error("Cannot remember artifact size", slog.Any("error", err))
		}
	}

	log.Info("Download complete", slog.Int64("bytes", done))
	em.complete(done, total)
}

// open issues the GET request and resolves the response against the resume
// offset. It returns the body, the total artifact length (or -1 when the
// server declared none) and the effective offset, which drops to zero when
// the existing partial file must be discarded.
func (d *Downloader) open(ctx context.Context, rawURL, target string, offset, known int64) (io.ReadCloser, int64, int64, *common.DownloadError) {
	withRange := offset > 0

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, 0, common.NewDownloadError(common.DownloadErrorNetworkIO, err)
		}
		if withRange {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, 0, 0, d.requestError(ctx, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			// A full reply. If we asked for a range the server ignored it,
			// so the existing partial file must go before we append an
			// unrelated full body to it.
			if offset > 0 {
				d.log.Warn("Server ignored range request, restarting from zero")

				if derr := d.truncate(target); derr != nil {
					resp.Body.Close()

					return nil, 0, 0, derr
				}
			}

			total := resp.ContentLength
			if total < 0 && known > 0 {
				total = known
			}

			return resp.Body, total, 0, nil

		case http.StatusPartialContent:
			total := sizeUnknown
			if resp.ContentLength >= 0 {
				total = offset + resp.ContentLength
			} else if known > 0 {
				total = known
			}

			if known > 0 && total > 0 && total != known {
				resp.Body.Close()

				if !withRange {
					return nil, 0, 0, common.NewDownloadError(common.DownloadErrorServerStatus,
						fmt.Errorf("partial reply disagrees with known size %d", known))
				}

				// The server reported something other than the remaining
				// length. Do not trust the arithmetic, start over clean.
				d.log.Warn("Partial reply disagrees with known size, restarting from zero",
					slog.Int64("total", total), slog.Int64("known", known))

				if derr := d.truncate(target); derr != nil {
					return nil, 0, 0, derr
				}

				offset = 0
				withRange = false

				continue
			}

			return resp.Body, total, offset, nil

		case http.StatusRequestedRangeNotSatisfiable:
			total := known
			if total < 1 {
				total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
			}
			resp.Body.Close()

			if total > 0 && offset == total {
				return nil, total, total, common.NewDownloadError(common.DownloadErrorServerStatus, errAlreadyComplete)
			}

			return nil, 0, 0, common.NewDownloadError(common.DownloadErrorServerStatus,
				fmt.Errorf("unexpected status %d", resp.StatusCode))

		default:
			resp.Body.Close()

			return nil, 0, 0, common.NewDownloadError(common.DownloadErrorServerStatus,
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}
}

func (d *Downloader) copyBody(ctx context.Context, f afero.File, body io.Reader, em *emitter, offset, total int64) (int64, *common.DownloadError) {
	var reader io.Reader = body
	if total > 0 {
		// The file length must never exceed the declared artifact length.
		reader = io.LimitReader(body, total-offset)
	}

	done := offset
	em.progress(done, total)

	buf := make([]byte, d.chunkSize)
	chunks := 0

	for {
		select {
		case <-ctx.Done():
			return done, common.NewDownloadError(common.DownloadErrorCancelled, common.ErrDownloadCancelled)
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return done, common.NewDownloadError(common.DownloadErrorFileSystem, werr)
			}

			done += int64(n)
			chunks++
			if chunks%d.sampleEvery == 0 {
				em.progress(done, total)
			}
		}

		if err != nil {
			if err == io.EOF {
				return done, nil
			}

			return done, d.requestError(ctx, err)
		}
	}
}

// parseContentRangeTotal extracts the total length from a "bytes */N"
// Content-Range header, 0 when absent or unparsable.
func parseContentRangeTotal(v string) int64 {
	var total int64
	if _, err := fmt.Sscanf(v, "bytes */%d", &total); err != nil {
		return 0
	}

	return total
}

func (d *Downloader) requestError(ctx context.Context, err error) *common.DownloadError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return common.NewDownloadError(common.DownloadErrorCancelled, common.ErrDownloadCancelled)
	}

	return common.NewDownloadError(common.DownloadErrorNetworkIO, err)
}

func (d *Downloader) resumeOffset(target string) (int64, *common.DownloadError) {
	fi, err := d.fs.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, common.NewDownloadError(common.DownloadErrorFileSystem, err)
	}

	return fi.Size(), nil
}

func (d *Downloader) openTarget(target string, offset int64) (afero.File, error) {
	if err := d.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create target dir: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if offset == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := d.fs.OpenFile(target, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open target file: %w", err)
	}

	return f, nil
}

func (d *Downloader) truncate(target string) *common.DownloadError {
	f, err := d.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return common.NewDownloadError(common.DownloadErrorFileSystem, err)
	}
	f.Close()

	return nil
}

// emitter keeps the snapshot stream monotonic. Intermediate snapshots are
// dropped when the consumer lags, the terminal one always gets through.
type emitter struct {
	out chan<- entity.DownloadProgress
}

func (e *emitter) progress(done, total int64) {
	select {
	case e.out <- entity.DownloadProgress{BytesDownloaded: done, BytesTotal: total}:
	default:
	}
}

func (e *emitter) complete(done, total int64) {
	e.out <- entity.DownloadProgress{
		BytesDownloaded: done,
		BytesTotal:      total,
		Completed:       true,
	}
}

func (e *emitter) fail(done, total int64, derr *common.DownloadError) {
	e.out <- entity.DownloadProgress{
		BytesDownloaded: done,
		BytesTotal:      total,
		Failed:          true,
		ErrorKind:       derr.Kind,
		ErrorMessage:    derr.Error(),
	}
}
