package model

import "time"

// Track is an analyzed upload. Immutable once analysis completes.
type Track struct {
	ID           string    `json:"id"`
	Slot         string    `json:"slot"`
	Name         string    `json:"name"`
	FileRef      string    `json:"fileRef"`
	BPM          float64   `json:"bpm"`
	Key          Key       `json:"key"`
	HarmonicCode string    `json:"harmonicCode"`
	Energy       float64   `json:"energy"`
	DurationSec  float64   `json:"durationSec"`
	BeatGrid     []float64 `json:"beatGrid,omitempty"`
}

// TransitionPlan describes one transition between adjacent tracks.
type TransitionPlan struct {
	FromTrack           string         `json:"fromTrack"`
	ToTrack             string         `json:"toTrack"`
	Bars                int            `json:"bars"`
	TempoRatio          float64        `json:"tempoRatio"`
	TempoClamped        bool           `json:"tempoClamped,omitempty"`
	PitchShiftSemitones float64        `json:"pitchShiftSemitones"`
	HarmonicDistance    int            `json:"harmonicDistance"`
	CrossfadeCurve      CrossfadeCurve `json:"crossfadeCurve"`
	BassSwap            bool           `json:"bassSwap"`
	OverlayRefs         []string       `json:"overlayRefs,omitempty"`
	Reasoning           string         `json:"reasoning,omitempty"`
	Comment             string         `json:"comment,omitempty"`
}

// Segment is the render unit for one transition plan.
type Segment struct {
	Ordinal   int            `json:"ordinal"`
	Plan      TransitionPlan `json:"plan"`
	Status    SegmentStatus  `json:"status"`
	OutputRef string         `json:"outputRef,omitempty"`
}

// Upload records a file stored in a session slot before analysis.
type Upload struct {
	Slot     string    `json:"slot"`
	Name     string    `json:"name"`
	FileRef  string    `json:"fileRef"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

// SessionJob is the aggregate root owned by the pipeline state machine.
type SessionJob struct {
	SessionID      string     `json:"sessionId"`
	Phase          Phase      `json:"phase"`
	Mode           JobMode    `json:"mode,omitempty"`
	Guidance       string     `json:"guidance,omitempty"`
	CurrentSegment *int       `json:"currentSegment,omitempty"`
	TotalSegments  *int       `json:"totalSegments,omitempty"`
	Uploads        []Upload   `json:"uploads,omitempty"`
	Tracks         []Track    `json:"tracks,omitempty"`
	Segments       []Segment  `json:"segments,omitempty"`
	Message        string     `json:"message,omitempty"`
	Error          *string    `json:"error,omitempty"`
	ErrorKind      ErrorKind  `json:"errorKind,omitempty"`
	WorkDir        string     `json:"workDir"`
	ArtifactRef    string     `json:"artifactRef,omitempty"`
	TracklistRef   string     `json:"tracklistRef,omitempty"`
	ArchiveURL     string     `json:"archiveUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	// Version increases by one on every stored write.
	Version int64 `json:"version"`
}

// Upload returns the upload stored in slot, if any.
func (j *SessionJob) Upload(slot string) (Upload, bool) {
	for _, u := range j.Uploads {
		if u.Slot == slot {
			return u, true
		}
	}
	return Upload{}, false
}

// Track returns the analyzed track with the given id.
func (j *SessionJob) Track(id string) (Track, bool) {
	for _, t := range j.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// DonePrefix counts segments that are done starting from ordinal 0
// without a gap.
func (j *SessionJob) DonePrefix() int {
	n := 0
	for _, s := range j.Segments {
		if s.Status != SegmentDone {
			break
		}
		n++
	}
	return n
}

// AllSegmentsDone reports whether every segment finished rendering.
func (j *SessionJob) AllSegmentsDone() bool {
	if len(j.Segments) == 0 {
		return false
	}
	return j.DonePrefix() == len(j.Segments)
}

// Status is the read-only view returned to pollers and subscribers.
func (j *SessionJob) Status(message string) *SessionStatus {
	if message == "" {
		message = j.Message
	}
	return &SessionStatus{
		SessionID:      j.SessionID,
		Phase:          j.Phase,
		CurrentSegment: j.CurrentSegment,
		TotalSegments:  j.TotalSegments,
		Message:        message,
		Error:          j.Error,
		ErrorKind:      j.ErrorKind,
		ExpiresAt:      j.ExpiresAt,
		Version:        j.Version,
	}
}

// SessionStatus is shared by the polling endpoint and the progress channel.
type SessionStatus struct {
	SessionID      string    `json:"sessionId"`
	Phase          Phase     `json:"phase"`
	CurrentSegment *int      `json:"currentSegment,omitempty"`
	TotalSegments  *int      `json:"totalSegments,omitempty"`
	Message        string    `json:"message,omitempty"`
	Error          *string   `json:"error,omitempty"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Version        int64     `json:"version"`
}

// CreateSessionResponse is returned by POST /api/sessions
type CreateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	Phase     Phase     `json:"phase"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadTrackResponse is returned by POST /api/sessions/:id/tracks/:slot
type UploadTrackResponse struct {
	SessionID string `json:"sessionId"`
	Slot      string `json:"slot"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
}

// StartJobRequest starts a pair generation or a set job.
type StartJobRequest struct {
	Guidance string `json:"guidance" validate:"max=500"`
}

// StartJobResponse is returned once the pipeline task is queued.
type StartJobResponse struct {
	SessionID    string  `json:"sessionId"`
	Phase        Phase   `json:"phase"`
	Mode         JobMode `json:"mode"`
	StatusURL    string  `json:"statusUrl"`
	DownloadURL  string  `json:"downloadUrl"`
	TracklistURL string  `json:"tracklistUrl"`
}

// CleanupResponse reports how many abandoned sessions were reclaimed.
type CleanupResponse struct {
	Removed int `json:"removed"`
}
