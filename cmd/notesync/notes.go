package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notesapi"
	"github.com/spf13/cobra"
)

func newNotesClient() (*notesapi.Client, string, error) {
	clientConfig, err := loadClient()
	if err != nil {
		return nil, "", err
	}
	client, err := notesapi.NewClient(notesapi.Config{
		BaseURL: clientConfig.ServerURL,
		Timeout: clientConfig.RequestTimeout,
	})
	return client, clientConfig.DisplayName, err
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newNotesClient()
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTITLE\tUPDATED")
			for _, note := range list {
				fmt.Fprintf(writer, "%s\t%s\t%s\n", note.ID, note.Title, note.UpdatedAt.Local().Format(time.DateTime))
			}
			return writer.Flush()
		},
	}
}

func newCreateCommand() *cobra.Command {
	var title, content string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, displayName, err := newNotesClient()
			if err != nil {
				return err
			}
			note, err := client.Create(cmd.Context(), title, content, strings.TrimSpace(displayName))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), note.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&content, "content", "", "Note content")
	return cmd
}
