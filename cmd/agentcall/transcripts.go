package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/config"
	"github.com/silviot/agentcall/pkg/store"
)

var (
	transcriptsLimit int
	transcriptsJSON  bool
)

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "List saved conversations",
	Long:  `List conversations saved in the local sqlite database, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := transcriptsPath(cfg)
		if err != nil {
			return err
		}

		s, err := store.Open(path, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.List(cmd.Context(), transcriptsLimit)
		if err != nil {
			return fmt.Errorf("failed to list transcripts: %w", err)
		}

		if transcriptsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		printTranscripts(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	transcriptsCmd.Flags().IntVarP(&transcriptsLimit, "limit", "n", 20, "Maximum number of transcripts (0 for all)")
	transcriptsCmd.Flags().BoolVar(&transcriptsJSON, "json", false, "Print JSON")
}

func transcriptsPath(c config.Config) (string, error) {
	if c.Persistence.Driver == "rest" {
		return "", errors.New("transcripts are stored in the backend (persistence.driver is rest)")
	}
	if c.Persistence.Path == "" {
		return "", errors.New("persistence.path is not set")
	}
	return c.Persistence.Path, nil
}

func printTranscripts(w io.Writer, list []chat.Transcript) {
	if len(list) == 0 {
		fmt.Fprintln(w, stateStyle.Render("No saved conversations"))
		return
	}
	for _, t := range list {
		fmt.Fprintf(w, "%s  %s  %s\n",
			idStyle.Render(t.ID),
			t.EndTime.Format("2006-01-02 15:04"),
			stateStyle.Render(t.EndTime.Sub(t.StartTime).Round(time.Second).String()))
		t.Message.Each(func(key, text string) {
			label := userStyle.Render("you")
			if sender, _, _ := strings.Cut(key, "_"); sender == string(chat.SenderAgent) {
				label = agentStyle.Render("agent")
			}
			fmt.Fprintf(w, "  %s › %s\n", label, text)
		})
		fmt.Fprintln(w)
	}
}
