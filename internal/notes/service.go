package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyUpdate       = fmt.Errorf("%w: at least title or content must be provided", ErrValidation)
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "notes.service.new"
	opCreateNote  = "notes.create"
	opListNotes   = "notes.list"
	opGetNote     = "notes.get"
	opUpdateNote  = "notes.update"
	queryNoteByID = "note_id = ?"
	orderByRecent = "updated_at DESC"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonSaveFailed      = "save_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the persistence API for notes. It is the source of truth for note content.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create validates and stores a new note. Title and content are both required.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Note, error) {
	if s.db == nil {
		s.logError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
	}
	title, err := normalizeTitle(request.Title)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, reasonInvalidInput, err)
	}
	content, err := normalizeContent(request.Content)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, reasonInvalidInput, err)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, reasonIDFailed, err)
		return Note{}, newServiceError(opCreateNote, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	note := Note{
		ID:        noteID,
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, reasonInsertFailed, err, zap.String("note_id", noteID))
		return Note{}, newServiceError(opCreateNote, reasonInsertFailed, err)
	}
	return note, nil
}

// List returns every note, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Note, error) {
	if s.db == nil {
		s.logError(opListNotes, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListNotes, reasonMissingDatabase, errMissingDatabase)
	}

	var notes []Note
	if err := s.db.WithContext(ctx).Order(orderByRecent).Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err)
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}
	return notes, nil
}

// Get returns the note with the identifier or an error wrapping ErrNotFound.
func (s *Service) Get(ctx context.Context, rawID string) (Note, error) {
	if s.db == nil {
		s.logError(opGetNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opGetNote, reasonMissingDatabase, errMissingDatabase)
	}
	noteID, err := NewNoteID(rawID)
	if err != nil {
		return Note{}, newServiceError(opGetNote, reasonInvalidInput, err)
	}
	note, err := s.find(s.db.WithContext(ctx), noteID)
	if err != nil {
		return Note{}, s.lookupError(opGetNote, noteID, err)
	}
	return note, nil
}

// Update applies the provided fields to an existing note. A provided field that is
// blank after trimming is rejected rather than skipped.
func (s *Service) Update(ctx context.Context, rawID string, request UpdateRequest) (Note, error) {
	if s.db == nil {
		s.logError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
	}
	noteID, err := NewNoteID(rawID)
	if err != nil {
		return Note{}, newServiceError(opUpdateNote, reasonInvalidInput, err)
	}

	if request.Title == nil && request.Content == nil {
		return Note{}, newServiceError(opUpdateNote, reasonInvalidInput, errEmptyUpdate)
	}
	var title, content string
	if request.Title != nil {
		if title, err = normalizeTitle(*request.Title); err != nil {
			return Note{}, newServiceError(opUpdateNote, reasonInvalidInput, err)
		}
	}
	if request.Content != nil {
		if content, err = normalizeContent(*request.Content); err != nil {
			return Note{}, newServiceError(opUpdateNote, reasonInvalidInput, err)
		}
	}

	var updated Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.find(tx, noteID)
		if err != nil {
			return s.lookupError(opUpdateNote, noteID, err)
		}
		if title != "" {
			existing.Title = title
		}
		if content != "" {
			existing.Content = content
		}
		existing.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdateNote, reasonSaveFailed, err, zap.String("note_id", noteID.String()))
			return newServiceError(opUpdateNote, reasonSaveFailed, err)
		}
		updated = existing
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return updated, nil
}

func (s *Service) find(db *gorm.DB, noteID NoteID) (Note, error) {
	var note Note
	err := db.Where(queryNoteByID, noteID.String()).Take(&note).Error
	return note, err
}

func (s *Service) lookupError(operation string, noteID NoteID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %s", ErrNotFound, noteID))
	}
	s.logError(operation, reasonQueryFailed, err, zap.String("note_id", noteID.String()))
	return newServiceError(operation, reasonQueryFailed, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
