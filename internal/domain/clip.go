package domain

import "time"

// ClipIntent is the requested output format of a clip.
type ClipIntent string

const (
	ClipIntentLong  ClipIntent = "Long"
	ClipIntentShort ClipIntent = "Short"
)

// ParseClipIntent accepts the intent names case-insensitively; empty means Long.
func ParseClipIntent(s string) (ClipIntent, bool) {
	switch s {
	case "", "long", "Long", "LONG":
		return ClipIntentLong, true
	case "short", "Short", "SHORT":
		return ClipIntentShort, true
	}
	return "", false
}

// RequiresEdit reports whether clips of this intent pass through the Editing stage.
func (i ClipIntent) RequiresEdit() bool {
	return i == ClipIntentShort
}

// ClipStatus is the processing stage of a clip.
type ClipStatus string

const (
	ClipStatusQueued             ClipStatus = "Queued"
	ClipStatusClipping           ClipStatus = "Clipping"
	ClipStatusEditing            ClipStatus = "Editing"
	ClipStatusExtractingAudio    ClipStatus = "ExtractingAudio"
	ClipStatusTranscribing       ClipStatus = "Transcribing"
	ClipStatusGeneratingMetadata ClipStatus = "GeneratingMetadata"
	ClipStatusCompleted          ClipStatus = "Completed"
	ClipStatusFailed             ClipStatus = "Failed"
)

// clipStageOrder is the fixed pipeline order. Failed sits outside it.
var clipStageOrder = []ClipStatus{
	ClipStatusQueued,
	ClipStatusClipping,
	ClipStatusEditing,
	ClipStatusExtractingAudio,
	ClipStatusTranscribing,
	ClipStatusGeneratingMetadata,
	ClipStatusCompleted,
}

// Rank returns the position of s in the pipeline order, or -1 for Failed and unknown values.
func (s ClipStatus) Rank() int {
	for i, st := range clipStageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether the clip has finished processing.
func (s ClipStatus) IsTerminal() bool {
	return s == ClipStatusCompleted || s == ClipStatusFailed
}

// InFlight reports whether the clip is queued or inside a processing stage.
func (s ClipStatus) InFlight() bool {
	return s.Rank() >= 0 && !s.IsTerminal()
}

// Label returns a human readable stage name.
func (s ClipStatus) Label() string {
	switch s {
	case ClipStatusExtractingAudio:
		return "Extracting Audio"
	case ClipStatusGeneratingMetadata:
		return "Generating Metadata"
	}
	return string(s)
}

// NextClipStatus returns the stage following current for the given intent.
// Editing is skipped for intents that do not require it. Terminal statuses have no successor.
func NextClipStatus(current ClipStatus, intent ClipIntent) (ClipStatus, bool) {
	rank := current.Rank()
	if rank < 0 || current.IsTerminal() {
		return "", false
	}
	next := clipStageOrder[rank+1]
	if next == ClipStatusEditing && !intent.RequiresEdit() {
		next = clipStageOrder[rank+2]
	}
	return next, true
}

// Clip is one time-bounded derivative of a VideoJob.
type Clip struct {
	ID           string          `gorm:"type:text;primaryKey" json:"id"`
	JobID        string          `gorm:"type:text;not null;index:idx_clips_job" json:"job_id"`
	BatchID      *string         `gorm:"type:text;index:idx_clips_batch" json:"batch_id,omitempty"`
	FilePath     string          `gorm:"type:text" json:"file_path"`
	AudioPath    string          `gorm:"type:text" json:"-"`
	StartTime    float64         `gorm:"not null" json:"start_time"`
	EndTime      float64         `gorm:"not null" json:"end_time"`
	Intent       ClipIntent      `gorm:"type:text;not null;default:Long" json:"intent"`
	Status       ClipStatus      `gorm:"type:text;not null;index:idx_clips_status;default:Queued" json:"status"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	ArtifactKey  string          `gorm:"type:text" json:"artifact_key,omitempty"`
	LeaseToken   *string         `gorm:"type:text" json:"-"`
	LeaseUntil   *time.Time      `json:"-"`
	Transcript   *ClipTranscript `gorm:"foreignKey:ClipID;constraint:OnDelete:CASCADE" json:"transcript,omitempty"`
	Metadata     *ClipMetadata   `gorm:"foreignKey:ClipID;constraint:OnDelete:CASCADE" json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName returns the database table name for Clip.
func (Clip) TableName() string {
	return "clips"
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	return c.EndTime - c.StartTime
}

// RecordStatus is the status of a transcript or metadata record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "Pending"
	RecordCompleted RecordStatus = "Completed"
	RecordFailed    RecordStatus = "Failed"
)

// ClipTranscript holds the ordered speech segments of a clip. At most one per clip.
type ClipTranscript struct {
	ID           uint               `gorm:"primaryKey" json:"-"`
	ClipID       string             `gorm:"type:text;not null;uniqueIndex:idx_clip_transcripts_clip" json:"clip_id"`
	Segments     TranscriptSegments `gorm:"type:text" json:"segments"`
	Status       RecordStatus       `gorm:"type:text;not null;default:Pending" json:"status"`
	ErrorMessage *string            `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// TableName returns the database table name for ClipTranscript.
func (ClipTranscript) TableName() string {
	return "clip_transcripts"
}

// ClipMetadata holds generated title, description and keywords. At most one per clip.
type ClipMetadata struct {
	ID           uint         `gorm:"primaryKey" json:"-"`
	ClipID       string       `gorm:"type:text;not null;uniqueIndex:idx_clip_metadata_clip" json:"clip_id"`
	Title        string       `gorm:"type:text" json:"title"`
	Description  string       `gorm:"type:text" json:"description"`
	Keywords     StringArray  `gorm:"type:text" json:"keywords"`
	Model        string       `gorm:"type:text" json:"model,omitempty"`
	Status       RecordStatus `gorm:"type:text;not null;default:Pending" json:"status"`
	ErrorMessage *string      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for ClipMetadata.
func (ClipMetadata) TableName() string {
	return "clip_metadata"
}
