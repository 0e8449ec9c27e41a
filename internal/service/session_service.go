package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/session"
)

// Pair generation always mixes slot a into slot b.
const (
	PairSlotA = "a"
	PairSlotB = "b"
)

var (
	slotPattern       = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
	allowedExtensions = map[string]bool{
		".wav":  true,
		".mp3":  true,
		".flac": true,
		".ogg":  true,
		".m4a":  true,
	}
)

// SessionService handles session lifecycle requests from the HTTP layer
type SessionService struct {
	machine   *session.Machine
	store     *session.Store
	workspace *session.Workspace
	enqueuer  Enqueuer
	cfg       *config.MixConfig
	log       *logger.Logger
}

func NewSessionService(machine *session.Machine, ws *session.Workspace, enqueuer Enqueuer, cfg *config.MixConfig, log *logger.Logger) *SessionService {
	if log == nil {
		log = logger.NewNop()
	}
	return &SessionService{
		machine:   machine,
		store:     machine.Store(),
		workspace: ws,
		enqueuer:  enqueuer,
		cfg:       cfg,
		log:       log.With("service", "SessionService"),
	}
}

// CreateSession allocates a session id, its working directory and the
// initial snapshot.
func (s *SessionService) CreateSession(ctx context.Context) (*model.CreateSessionResponse, error) {
	sessionID := uuid.New().String()

	// key before directory: Sweep treats a directory without a key as abandoned
	job := &model.SessionJob{
		SessionID: sessionID,
		Phase:     model.PhaseCreated,
		WorkDir:   s.workspace.Dir(sessionID),
		Message:   "Waiting for uploads",
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if _, err := s.workspace.Create(sessionID); err != nil {
		if derr := s.store.Delete(ctx, sessionID); derr != nil {
			s.log.Warn("failed to drop session after workspace error", "session_id", sessionID, "error", derr)
		}
		return nil, err
	}

	s.log.Info("session created", "session_id", sessionID)
	return &model.CreateSessionResponse{
		SessionID: sessionID,
		Phase:     job.Phase,
		ExpiresAt: job.ExpiresAt,
	}, nil
}

// Upload stores a track file in a slot. Uploading into an occupied slot
// replaces the earlier file. Uploads are accepted until a job starts.
func (s *SessionService) Upload(ctx context.Context, sessionID, slot, filename string, size int64, body io.Reader) (*model.UploadTrackResponse, error) {
	if !slotPattern.MatchString(slot) {
		return nil, model.NewError(model.KindInput, "slot must match [a-z0-9_-]{1,32}", nil)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, model.NewError(model.KindInput,
			fmt.Sprintf("unsupported file type %q; supported: .wav .mp3 .flac .ogg .m4a", ext), nil)
	}
	maxBytes := s.cfg.MaxUploadBytes()
	if size > maxBytes {
		return nil, model.NewError(model.KindInput,
			fmt.Sprintf("file exceeds %d MB limit", s.cfg.MaxUploadMB), nil)
	}

	job, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.acceptsUpload(job, slot); err != nil {
		return nil, err
	}

	dest := filepath.Join(job.WorkDir, "track_"+slot+ext)
	written, err := writeFile(dest, body, maxBytes)
	if err != nil {
		return nil, err
	}

	upload := model.Upload{
		Slot:     slot,
		Name:     filepath.Base(filename),
		FileRef:  dest,
		Size:     written,
		Uploaded: time.Now(),
	}
	var replaced string
	_, err = s.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		replaced = ""
		if err := s.acceptsUpload(job, slot); err != nil {
			return err
		}
		for i, u := range job.Uploads {
			if u.Slot == slot {
				replaced = u.FileRef
				job.Uploads[i] = upload
				return nil
			}
		}
		job.Uploads = append(job.Uploads, upload)
		sort.Slice(job.Uploads, func(i, j int) bool { return job.Uploads[i].Slot < job.Uploads[j].Slot })
		job.Message = fmt.Sprintf("%d track(s) uploaded", len(job.Uploads))
		return nil
	})
	if err != nil {
		_ = os.Remove(dest)
		if errors.Is(err, session.ErrTerminal) {
			return nil, model.NewError(model.KindInput, "session no longer accepts uploads", nil)
		}
		return nil, err
	}
	if replaced != "" && replaced != dest {
		_ = os.Remove(replaced)
	}

	return &model.UploadTrackResponse{
		SessionID: sessionID,
		Slot:      slot,
		Name:      upload.Name,
		Size:      written,
	}, nil
}

func (s *SessionService) acceptsUpload(job *model.SessionJob, slot string) error {
	if job.Phase != model.PhaseCreated {
		return model.NewError(model.KindInput, "session no longer accepts uploads", nil)
	}
	if _, ok := job.Upload(slot); !ok && s.cfg.MaxTracks > 0 && len(job.Uploads) >= s.cfg.MaxTracks {
		return model.NewError(model.KindInput, fmt.Sprintf("at most %d tracks per session", s.cfg.MaxTracks), nil)
	}
	return nil
}

// writeFile copies body to a temp file next to dest and renames it into
// place, refusing bodies larger than maxBytes.
func writeFile(dest string, body io.Reader, maxBytes int64) (int64, error) {
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, model.NewError(model.KindStorage, "failed to store upload", err)
	}
	n, err := io.Copy(f, io.LimitReader(body, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, model.NewError(model.KindStorage, "failed to store upload", err)
	}
	if n > maxBytes {
		_ = os.Remove(tmp)
		return 0, model.NewError(model.KindInput, "file exceeds upload limit", nil)
	}
	if n == 0 {
		_ = os.Remove(tmp)
		return 0, model.NewError(model.KindInput, "file is empty", nil)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, model.NewError(model.KindStorage, "failed to store upload", err)
	}
	return n, nil
}

// StartPair mixes slot a into slot b.
func (s *SessionService) StartPair(ctx context.Context, sessionID string, req *model.StartJobRequest) (*model.StartJobResponse, error) {
	job, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, slot := range []string{PairSlotA, PairSlotB} {
		if _, ok := job.Upload(slot); !ok {
			return nil, model.NewError(model.KindInput, fmt.Sprintf("slot %q has no upload", slot), nil)
		}
	}
	return s.start(ctx, sessionID, model.JobModePair, req.Guidance)
}

// StartSet sequences and mixes every uploaded track.
func (s *SessionService) StartSet(ctx context.Context, sessionID string, req *model.StartJobRequest) (*model.StartJobResponse, error) {
	job, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(job.Uploads) < 2 {
		return nil, model.NewError(model.KindInput,
			fmt.Sprintf("a set needs at least 2 tracks, got %d", len(job.Uploads)), nil)
	}
	return s.start(ctx, sessionID, model.JobModeSet, req.Guidance)
}

func (s *SessionService) start(ctx context.Context, sessionID string, mode model.JobMode, guidance string) (*model.StartJobResponse, error) {
	job, err := s.machine.Begin(ctx, sessionID, mode, strings.TrimSpace(guidance))
	if err != nil {
		if errors.Is(err, session.ErrTerminal) {
			return nil, model.ErrAlreadyStarted
		}
		return nil, err
	}

	if err := EnqueuePipeline(s.enqueuer, sessionID, s.cfg.RenderRetries); err != nil {
		s.log.Error("failed to enqueue pipeline", "session_id", sessionID, "error", err)
		if _, ferr := s.machine.Fail(ctx, sessionID, model.KindStorage, "failed to queue job"); ferr != nil {
			s.log.Warn("failed to mark session failed", "session_id", sessionID, "error", ferr)
		}
		return nil, model.NewError(model.KindStorage, "failed to queue job", err)
	}

	s.log.Info("job started", "session_id", sessionID, "mode", mode, "tracks", len(job.Uploads))
	base := "/api/sessions/" + sessionID
	return &model.StartJobResponse{
		SessionID:    sessionID,
		Phase:        job.Phase,
		Mode:         mode,
		StatusURL:    base + "/status",
		DownloadURL:  base + "/download",
		TracklistURL: base + "/tracklist",
	}, nil
}

// Status returns the polling view of a session. A ready session whose
// files were already downloaded and removed reads as expired. Failed
// sessions stay visible until their key expires so the error can be read.
func (s *SessionService) Status(ctx context.Context, sessionID string) (*model.SessionStatus, error) {
	job, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if job.Phase == model.PhaseReady {
		reclaimed, err := s.workspace.Reclaimed(ctx, sessionID)
		if err != nil {
			return nil, model.NewError(model.KindStorage, "failed to check session files", err)
		}
		if reclaimed {
			return nil, errDownloaded
		}
	}
	return job.Status(""), nil
}

// Artifact is a finished mix opened for streaming.
type Artifact struct {
	Name string
	Size int64
	Body io.ReadCloser
}

// Download opens the mix of a ready session. The working directory is
// reclaimed once the body has been read to the end and closed; a client
// that disconnects early can retry.
func (s *SessionService) Download(ctx context.Context, sessionID string) (*Artifact, error) {
	job, err := s.readyJob(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(job.ArtifactRef)
	if err != nil {
		return nil, s.missing(ctx, sessionID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, model.NewError(model.KindStorage, "failed to stat artifact", err)
	}

	return &Artifact{
		Name: fmt.Sprintf("mix_%s.wav", sessionID[:min(8, len(sessionID))]),
		Size: info.Size(),
		Body: &reclaimingReader{
			file: f,
			size: info.Size(),
			onDone: func() {
				if _, err := s.workspace.Reclaim(context.Background(), sessionID); err != nil {
					s.log.Warn("failed to reclaim session after download", "session_id", sessionID, "error", err)
					return
				}
				s.log.Info("session reclaimed after download", "session_id", sessionID)
			},
		},
	}, nil
}

// Tracklist returns the tracklist text of a ready session.
func (s *SessionService) Tracklist(ctx context.Context, sessionID string) (string, error) {
	job, err := s.readyJob(ctx, sessionID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(job.TracklistRef)
	if err != nil {
		return "", s.missing(ctx, sessionID, err)
	}
	return string(data), nil
}

// Cleanup reclaims the working directories of expired sessions.
func (s *SessionService) Cleanup(ctx context.Context) (*model.CleanupResponse, error) {
	removed, err := session.Sweep(ctx, s.store, s.workspace)
	if err != nil {
		return nil, err
	}
	s.log.Info("cleanup finished", "removed", removed)
	return &model.CleanupResponse{Removed: removed}, nil
}

func (s *SessionService) readyJob(ctx context.Context, sessionID string) (*model.SessionJob, error) {
	job, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if job.Phase != model.PhaseReady {
		return nil, model.ErrNotReady
	}
	return job, nil
}

var errDownloaded = model.NewError(model.KindExpiredSession, "session files were already downloaded and removed", nil)

// missing reports an artifact gone after reclamation as an expired session.
func (s *SessionService) missing(ctx context.Context, sessionID string, err error) error {
	if reclaimed, rerr := s.workspace.Reclaimed(ctx, sessionID); rerr == nil && reclaimed {
		return errDownloaded
	}
	return model.NewError(model.KindStorage, "artifact is missing", err)
}

// reclaimingReader runs onDone once when it is closed after the whole
// file has been read.
type reclaimingReader struct {
	file   *os.File
	size   int64
	read   int64
	closed atomic.Bool
	onDone func()
}

func (r *reclaimingReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	r.read += int64(n)
	return n, err
}

func (r *reclaimingReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.file.Close()
	if r.read >= r.size && r.onDone != nil {
		r.onDone()
	}
	return err
}
