package common

import "fmt"

var (
	ErrCheckFailed              = fmt.Errorf("version check failed")
	ErrNoUpdateAvailable        = fmt.Errorf("no update available")
	ErrDownloadInFlight         = fmt.Errorf("download already in flight")
	ErrDownloadCancelled        = fmt.Errorf("download cancelled")
	ErrArtifactNotFound         = fmt.Errorf("artifact not found")
	ErrArtifactIncomplete       = fmt.Errorf("artifact is incomplete")
	ErrInstallPermissionMissing = fmt.Errorf("install permission missing")
	ErrInstallDispatchFailed    = fmt.Errorf("install dispatch failed")
)

const (
	DownloadErrorNetworkIO          = "network-io"
	DownloadErrorServerStatus       = "server-status"
	DownloadErrorIncompleteTransfer = "incomplete-transfer"
	DownloadErrorFileSystem         = "filesystem"
	DownloadErrorCancelled          = "cancelled"
)

// DownloadError is the typed result every download failure is converted into
// before it crosses out of the downloader.
type DownloadError struct {
	Kind string
	Err  error
}

func NewDownloadError(kind string, err error) *DownloadError {
	return &DownloadError{
		Kind: kind,
		Err:  err,
	}
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed (%s): %s", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
