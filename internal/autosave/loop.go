package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/notesapi"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

var (
	errMissingNoteID      = errors.New("autosave: note id is required")
	errMissingPersister   = errors.New("autosave: persister is required")
	errMissingBroadcaster = errors.New("autosave: broadcaster is required")
)

// Persister writes changed fields through the persistence API.
type Persister interface {
	Update(ctx context.Context, id string, title, content *string) (notes.Note, error)
}

// Broadcaster announces a persisted change to the room.
type Broadcaster interface {
	SendChange(roomID, content string, title *string)
}

type Config struct {
	NoteID         string
	Initial        Snapshot
	Persister      Persister
	Broadcaster    Broadcaster
	Interval       time.Duration
	RequestTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	// OnFailure receives a transient notice for every failed save.
	OnFailure func(error)
}

// Status reports the loop state for display.
type Status struct {
	Dirty       bool
	Halted      bool
	LastSavedAt time.Time
	LastError   error
}

// Loop tracks a working copy of one note and persists it on a fixed interval.
type Loop struct {
	noteID         string
	persister      Persister
	broadcaster    Broadcaster
	interval       time.Duration
	requestTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger
	onFailure      func(error)
	saves          singleflight.Group

	mu               sync.Mutex
	working          Snapshot
	persisted        Snapshot
	dirty            bool
	editGeneration   uint64
	remoteGeneration uint64
	halted           bool
	lastSavedAt      time.Time
	lastError        error
}

func New(cfg Config) (*Loop, error) {
	if cfg.NoteID == "" {
		return nil, errMissingNoteID
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onFailure := cfg.OnFailure
	if onFailure == nil {
		onFailure = func(error) {}
	}
	return &Loop{
		noteID:         cfg.NoteID,
		persister:      cfg.Persister,
		broadcaster:    cfg.Broadcaster,
		interval:       interval,
		requestTimeout: requestTimeout,
		clock:          clock,
		logger:         logger.With(zap.String("note_id", cfg.NoteID)),
		onFailure:      onFailure,
		working:        cfg.Initial,
		persisted:      cfg.Initial,
	}, nil
}

// SetTitle replaces the working title and marks the note dirty.
func (l *Loop) SetTitle(title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.working.Title = title
	l.markDirty()
}

// SetContent replaces the working content and marks the note dirty.
func (l *Loop) SetContent(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.working.Content = content
	l.markDirty()
}

// Edit replaces the whole working copy and marks the note dirty.
func (l *Loop) Edit(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.working = snapshot
	l.markDirty()
}

func (l *Loop) markDirty() {
	l.dirty = true
	l.editGeneration++
}

func (l *Loop) Working() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.working
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Dirty:       l.dirty,
		Halted:      l.halted,
		LastSavedAt: l.lastSavedAt,
		LastError:   l.lastError,
	}
}

// Run saves on every tick until ctx is cancelled. Ticks are skipped once the
// note is reported missing; Save still works.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Status().Halted {
				continue
			}
			_ = l.Save(ctx)
		}
	}
}

// Save persists pending edits and, once persisted, broadcasts the note as stored.
// The working copy adopts the stored values when no edits arrived meanwhile.
// Concurrent calls share one request.
func (l *Loop) Save(ctx context.Context) error {
	_, err, _ := l.saves.Do(l.noteID, func() (any, error) {
		return nil, l.save(ctx)
	})
	return err
}

func (l *Loop) save(ctx context.Context) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	sent := l.working
	diff := ComputeDiff(l.persisted, sent)
	if diff.Empty() {
		l.dirty = false
		l.mu.Unlock()
		return nil
	}
	editGeneration := l.editGeneration
	remoteGeneration := l.remoteGeneration
	l.mu.Unlock()

	requestCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	note, err := l.persister.Update(requestCtx, l.noteID, diff.Title, diff.Content)
	cancel()

	if err != nil {
		halted := errors.Is(err, notesapi.ErrNotFound)
		l.mu.Lock()
		l.lastError = err
		if halted {
			l.halted = true
		}
		l.mu.Unlock()
		l.logger.Warn("autosave failed", zap.Bool("halted", halted), zap.Error(err))
		l.onFailure(err)
		return err
	}

	stored := Snapshot{Title: note.Title, Content: note.Content}
	l.mu.Lock()
	if l.remoteGeneration == remoteGeneration {
		l.persisted = stored
		if l.editGeneration == editGeneration {
			l.working = stored
		}
	}
	if l.editGeneration == editGeneration {
		l.dirty = false
	}
	l.halted = false
	l.lastError = nil
	l.lastSavedAt = l.clock()
	l.mu.Unlock()

	l.broadcaster.SendChange(l.noteID, stored.Content, &stored.Title)
	return nil
}

// HandleRemoteChange applies a change from another session to the working copy.
// Changes for other rooms and echoes of selfID are ignored. It reports whether
// the working copy was replaced.
func (l *Loop) HandleRemoteChange(change protocol.ChangeApplied, selfID string) bool {
	if change.RoomID != l.noteID {
		return false
	}
	if selfID != "" && change.OriginID == selfID {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.working = ApplyRemoteChange(l.working, change)
	l.persisted = ApplyRemoteChange(l.persisted, change)
	l.remoteGeneration++
	return true
}
