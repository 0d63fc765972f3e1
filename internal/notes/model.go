package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	// MaxTitleLength bounds note titles, counted in runes.
	MaxTitleLength = 100
)

var (
	// ErrValidation indicates that note input failed validation.
	ErrValidation = errors.New("notes: validation failed")
	// ErrNotFound indicates that no note exists for the identifier.
	ErrNotFound = errors.New("notes: note not found")
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = fmt.Errorf("%w: invalid note id", ErrValidation)
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Note models a persisted note document.
type Note struct {
	ID        string    `gorm:"column:note_id;primaryKey;size:190;not null" json:"id"`
	Title     string    `gorm:"column:title;size:400;not null" json:"title"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index:idx_notes_updated" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// CreateRequest carries the fields for a new note.
type CreateRequest struct {
	Title   string
	Content string
}

// UpdateRequest carries the fields to change. Nil fields are left untouched.
type UpdateRequest struct {
	Title   *string
	Content *string
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", fmt.Errorf("%w: title cannot exceed %d characters", ErrValidation, MaxTitleLength)
	}
	return title, nil
}

func normalizeContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	return content, nil
}
