package entity

// DownloadProgress is one snapshot of a running download. Each emission
// supersedes the previous one; the stream ends with a terminal snapshot.
type DownloadProgress struct {
	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesTotal      int64  `json:"bytes_total"` // -1 when the server declared no length
	Completed       bool   `json:"completed"`
	Failed          bool   `json:"failed"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func (p DownloadProgress) Fraction() float64 {
	if p.BytesTotal > 0 {
		return float64(p.BytesDownloaded) / float64(p.BytesTotal)
	}

	return 0
}

func (p DownloadProgress) Terminal() bool {
	return p.Completed || p.Failed
}
