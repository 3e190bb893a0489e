package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tiendaflow/api/internal/platform/inbox"
)

type messageView struct {
	ID            string `json:"id" yaml:"id"`
	Kind          string `json:"kind" yaml:"kind"`
	PaymentID     string `json:"payment_id" yaml:"payment_id"`
	State         string `json:"state" yaml:"state"`
	Attempts      int    `json:"attempts" yaml:"attempts"`
	ReceivedAt    string `json:"received_at" yaml:"received_at"`
	NextAttemptAt string `json:"next_attempt_at" yaml:"next_attempt_at"`
	LastError     string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func newMessageView(msg inbox.Message) messageView {
	return messageView{
		ID:            msg.ID,
		Kind:          msg.Kind,
		PaymentID:     msg.PaymentID,
		State:         string(msg.State),
		Attempts:      msg.Attempts,
		ReceivedAt:    msg.ReceivedAt.UTC().Format(time.RFC3339),
		NextAttemptAt: msg.NextAttemptAt.UTC().Format(time.RFC3339),
		LastError:     msg.LastError,
	}
}

func inboxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the durable webhook inbox",
		Long: `Inspect the Pebble inbox written by the API.

Pebble holds a directory lock, so point --inbox-dir at a stopped
instance or a copy of its data directory.`,
	}
	cmd.AddCommand(inboxListCmd(v))
	cmd.AddCommand(inboxReplayCmd(v))
	return cmd
}

func inboxListCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseState(v.GetString("state"))
			if err != nil {
				return err
			}
			store, err := openInbox(v)
			if err != nil {
				return err
			}
			defer store.Close()

			messages, err := store.List(cmd.Context(), state, v.GetInt("limit"))
			if err != nil {
				return fmt.Errorf("list inbox: %w", err)
			}

			views := make([]messageView, 0, len(messages))
			tbl := table{header: []string{"ID", "PAYMENT", "STATE", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR"}}
			for _, msg := range messages {
				view := newMessageView(msg)
				views = append(views, view)
				tbl.rows = append(tbl.rows, []string{
					view.ID, view.PaymentID, view.State, strconv.Itoa(view.Attempts), view.NextAttemptAt, view.LastError,
				})
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), views, tbl)
		},
	}
	cmd.Flags().String("state", "", "Filter by state (pending, dead)")
	cmd.Flags().IntP("limit", "n", 100, "Maximum messages")
	return cmd
}

func inboxReplayCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <message-id>",
		Short: "Move a dead-lettered message back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openInbox(v)
			if err != nil {
				return err
			}
			defer store.Close()

			msg, err := inbox.Requeue(cmd.Context(), store, args[0], time.Now())
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			view := newMessageView(msg)
			tbl := table{
				header: []string{"ID", "PAYMENT", "STATE"},
				rows:   [][]string{{view.ID, view.PaymentID, view.State}},
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), view, tbl)
		},
	}
}

func openInbox(v *viper.Viper) (*inbox.PebbleStore, error) {
	dir := strings.TrimSpace(v.GetString("inbox-dir"))
	if dir == "" {
		return nil, errors.New("--inbox-dir is required")
	}
	store, err := inbox.NewPebbleStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open inbox %s: %w", dir, err)
	}
	return store, nil
}

func parseState(raw string) (inbox.State, error) {
	switch state := inbox.State(strings.ToLower(strings.TrimSpace(raw))); state {
	case "", inbox.StatePending, inbox.StateDead:
		return state, nil
	default:
		return "", fmt.Errorf("unknown state %q", raw)
	}
}
