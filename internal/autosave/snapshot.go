package autosave

import "github.com/MarcoPoloResearchLab/notesync/internal/protocol"

// Snapshot is the editable state of one note.
type Snapshot struct {
	Title   string
	Content string
}

// Diff holds only the fields that differ from the last persisted snapshot.
type Diff struct {
	Title   *string
	Content *string
}

func (d Diff) Empty() bool {
	return d.Title == nil && d.Content == nil
}

// ComputeDiff compares the working copy with the persisted snapshot.
func ComputeDiff(persisted, working Snapshot) Diff {
	var diff Diff
	if working.Title != persisted.Title {
		title := working.Title
		diff.Title = &title
	}
	if working.Content != persisted.Content {
		content := working.Content
		diff.Content = &content
	}
	return diff
}

// ApplyRemoteChange resolves a remote change against the local copy: the remote
// content always wins, and the title wins when the change carries one.
func ApplyRemoteChange(local Snapshot, change protocol.ChangeApplied) Snapshot {
	resolved := local
	resolved.Content = change.Content
	if change.Title != nil {
		resolved.Title = *change.Title
	}
	return resolved
}
