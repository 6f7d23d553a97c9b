package entity

// VersionDescriptor описывает один релиз, о котором сообщил сервер проверки версий.
// Неизменяем после разбора ответа; живёт один цикл обновления.
type VersionDescriptor struct {
	HumanVersion  string `json:"human_version"`
	BuildNumber   string `json:"build_number"` // Raw server value. The gate parses it, non-numeric means no update.
	Platform      string `json:"platform"`
	ReleaseDate   string `json:"release_date"`
	ReleaseNotes  string `json:"release_notes"`
	Mandatory     bool   `json:"mandatory"`
	DownloadURL   string `json:"download_url"`
	DownloadCount int64  `json:"download_count"`
	DeviceSerial  string `json:"device_serial"`
}

// ReleaseNotes holds the rendered form of VersionDescriptor.ReleaseNotes.
type ReleaseNotes struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	HTML    string `json:"html"`
}
