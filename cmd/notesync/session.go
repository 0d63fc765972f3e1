package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/autosave"
	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/notesapi"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncagent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	commandPrefix = ":"
	connectWait   = 15 * time.Second
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <note-id>",
		Short: "Join a note's room and print collaboration events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientConfig, err := loadClient()
			if err != nil {
				return err
			}
			logger, err := newLogger(clientConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent, err := connectAgent(ctx, clientConfig, logger)
			if err != nil {
				return err
			}
			defer agent.Disconnect()

			printer := eventPrinter{out: cmd.OutOrStdout()}
			printer.attach(agent)
			agent.OnChange(func(change protocol.ChangeApplied) {
				printer.print(protocol.EventChangeApplied, change)
			})
			agent.JoinRoom(args[0], clientConfig.DisplayName)

			<-ctx.Done()
			return nil
		},
	}
}

func newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <note-id>",
		Short: "Edit a note from stdin with autosave and live updates",
		Long: `Lines read from stdin are appended to the note content. Commands:
  :title <text>   replace the title
  :content <text> replace the content (a note cannot be saved empty)
  :save           save now
  :show           print the working copy
  :status         print autosave status
  :quit           save and exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientConfig, err := loadClient()
			if err != nil {
				return err
			}
			logger, err := newLogger(clientConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			notesClient, err := notesapi.NewClient(notesapi.Config{
				BaseURL: clientConfig.ServerURL,
				Timeout: clientConfig.RequestTimeout,
			})
			if err != nil {
				return err
			}
			noteID := args[0]
			note, err := notesClient.Get(ctx, noteID)
			if err != nil {
				return err
			}

			agent, err := connectAgent(ctx, clientConfig, logger)
			if err != nil {
				return err
			}
			defer agent.Disconnect()

			out := cmd.OutOrStdout()
			loop, err := autosave.New(autosave.Config{
				NoteID:         note.ID,
				Initial:        autosave.Snapshot{Title: note.Title, Content: note.Content},
				Persister:      notesClient,
				Broadcaster:    agent,
				Interval:       clientConfig.AutosaveInterval,
				RequestTimeout: clientConfig.RequestTimeout,
				Logger:         logger,
				OnFailure: func(err error) {
					fmt.Fprintf(os.Stderr, "! save failed: %v\n", err)
				},
			})
			if err != nil {
				return err
			}

			printer := eventPrinter{out: out}
			printer.attach(agent)
			agent.OnChange(func(change protocol.ChangeApplied) {
				if loop.HandleRemoteChange(change, agent.ID()) {
					fmt.Fprintf(out, "~ %s updated the note\n", change.UpdatedBy)
				}
			})
			agent.JoinRoom(note.ID, clientConfig.DisplayName)

			go loop.Run(ctx)

			err = readEdits(ctx, cmd.InOrStdin(), out, loop)
			saveCtx, cancel := context.WithTimeout(context.Background(), clientConfig.RequestTimeout)
			defer cancel()
			if saveErr := loop.Save(saveCtx); saveErr != nil && err == nil {
				err = saveErr
			}
			return err
		},
	}
}

func connectAgent(ctx context.Context, clientConfig config.ClientConfig, logger *zap.Logger) (*syncagent.Agent, error) {
	agent, err := syncagent.New(syncagent.Config{
		ServerURL:      clientConfig.ServerURL,
		Transport:      clientConfig.Transport,
		ReconnectDelay: clientConfig.ReconnectDelay,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := agent.Connect(connectCtx); err != nil {
		agent.Disconnect()
		return nil, fmt.Errorf("connect to %s: %w", clientConfig.ServerURL, err)
	}
	return agent, nil
}

func readEdits(ctx context.Context, in io.Reader, out io.Writer, loop *autosave.Loop) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := applyEditLine(ctx, out, loop, line); quit {
				return nil
			}
		}
	}
}

func applyEditLine(ctx context.Context, out io.Writer, loop *autosave.Loop, line string) bool {
	if !strings.HasPrefix(line, commandPrefix) {
		working := loop.Working()
		content := working.Content
		if content != "" {
			content += "\n"
		}
		loop.SetContent(content + line)
		return false
	}

	command, argument, _ := strings.Cut(strings.TrimPrefix(line, commandPrefix), " ")
	switch command {
	case "title":
		loop.SetTitle(argument)
	case "content":
		if strings.TrimSpace(argument) == "" {
			fmt.Fprintln(out, "content cannot be empty")
			return false
		}
		loop.SetContent(argument)
	case "save":
		if err := loop.Save(ctx); err == nil {
			fmt.Fprintln(out, "saved")
		}
	case "show":
		working := loop.Working()
		fmt.Fprintf(out, "# %s\n%s\n", working.Title, working.Content)
	case "status":
		status := loop.Status()
		fmt.Fprintf(out, "dirty=%v halted=%v last_saved=%s\n", status.Dirty, status.Halted, formatTime(status.LastSavedAt))
	case "quit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", command)
	}
	return false
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "never"
	}
	return value.Local().Format(time.TimeOnly)
}

type eventPrinter struct {
	out io.Writer
}

func (p eventPrinter) attach(agent *syncagent.Agent) {
	agent.OnRoomJoined(func(joined protocol.RoomJoined) {
		p.print(protocol.EventRoomJoined, joined)
	})
	agent.OnUserJoined(func(change protocol.PresenceChange) {
		p.print(protocol.EventUserJoined, change)
	})
	agent.OnUserLeft(func(change protocol.PresenceChange) {
		p.print(protocol.EventUserLeft, change)
	})
	agent.OnCursor(func(cursor protocol.CursorApplied) {
		p.print(protocol.EventCursorApplied, cursor)
	})
	agent.OnNoteCreated(func(created protocol.NoteCreated) {
		p.print(protocol.EventNoteCreated, created)
	})
	agent.OnError(func(relayErr protocol.Error) {
		p.print(protocol.EventError, relayErr)
	})
}

func (p eventPrinter) print(event string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", event, encoded)
}
