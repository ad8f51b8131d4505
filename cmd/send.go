package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-warehouse/internal/models"
	"github.com/telhawk-systems/telhawk-warehouse/internal/output"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Enrich and send one event",
	Long: `Reads one protobuf encoded event, fills in user id, event id, session id and
client timestamp where they are unset, and posts it to the collection endpoint.`,
	Example: `  warehouse send --file event.bin --session-id s1
  producer | warehouse send --file - --user-id 42 --session-id s1 -o json`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringP("file", "f", "-", "event file, - for stdin")
	sendCmd.Flags().Int64("user-id", 0, "user id for events that carry none (overrides identity.user_id)")
	sendCmd.Flags().String("session-id", "", "session id for events that carry none (overrides identity.session_id)")
}

// eventView is the printable form of a sent event.
type eventView struct {
	UserID          int64  `json:"user_id" yaml:"user_id"`
	UUID            string `json:"uuid" yaml:"uuid"`
	SessionID       string `json:"session_id" yaml:"session_id"`
	ClientTimestamp int64  `json:"client_timestamp" yaml:"client_timestamp"`
	PayloadBytes    int    `json:"payload_bytes" yaml:"payload_bytes"`
}

func newEventView(e models.Event) eventView {
	return eventView{
		UserID:          e.UserID(),
		UUID:            e.UUID(),
		SessionID:       e.SessionID(),
		ClientTimestamp: e.ClientTimestamp(),
		PayloadBytes:    len(e.Payload()),
	}
}

func runSend(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	event, err := models.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	ctx := cmd.Context()
	w, closeFn, err := newWarehouse(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if cmd.Flags().Changed("user-id") {
		id, _ := cmd.Flags().GetInt64("user-id")
		w.SetUserID(id)
	}
	if cmd.Flags().Changed("session-id") {
		id, _ := cmd.Flags().GetString("session-id")
		w.SetSessionID(id)
	}

	sent, err := w.Send(ctx, event)
	if err != nil {
		return fmt.Errorf("send event %s: %w", sent.UUID(), err)
	}

	output.Success(cmd.ErrOrStderr(), "Event %s sent to %s", sent.UUID(), cfg.Dispatch.Endpoint)

	out := cmd.OutOrStdout()
	view := newEventView(sent)

	table := output.NewTable([]string{"FIELD", "VALUE"})
	table.AddRow([]string{"user_id", strconv.FormatInt(view.UserID, 10)})
	table.AddRow([]string{"uuid", view.UUID})
	table.AddRow([]string{"session_id", view.SessionID})
	table.AddRow([]string{"client_timestamp", strconv.FormatInt(view.ClientTimestamp, 10)})
	table.AddRow([]string{"payload_bytes", strconv.Itoa(view.PayloadBytes)})

	return output.Print(out, outputFormat, view, table)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return data, nil
}
