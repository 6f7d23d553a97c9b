package entity

type UpdatePhase string

const (
	PhaseIdle           UpdatePhase = "idle"
	PhaseChecking       UpdatePhase = "checking"
	PhaseAvailable      UpdatePhase = "available"
	PhaseDownloading    UpdatePhase = "downloading"
	PhaseDownloaded     UpdatePhase = "downloaded"
	PhaseInstallPending UpdatePhase = "install_pending"
	PhaseError          UpdatePhase = "error"
)

// UpdateState is the snapshot of one update cycle that the UI observes.
// It is owned by the update service; handlers only ever read copies.
type UpdateState struct {
	Phase        UpdatePhase        `json:"phase"`
	Descriptor   *VersionDescriptor `json:"descriptor,omitempty"`
	Notes        *ReleaseNotes      `json:"notes,omitempty"`
	Progress     *DownloadProgress  `json:"progress,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	SettingsHint string             `json:"settings_hint,omitempty"` // Set when the install permission is missing.
}
