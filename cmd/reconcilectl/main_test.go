package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tiendaflow/api/internal/platform/inbox"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(viper.New())
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seedInbox(t *testing.T, messages ...inbox.Message) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "inbox")
	store, err := inbox.NewPebbleStore(dir)
	require.NoError(t, err)
	for _, msg := range messages {
		require.NoError(t, store.Put(context.Background(), msg))
	}
	require.NoError(t, store.Close())
	return dir
}

func testMessage(t *testing.T, paymentID string, state inbox.State) inbox.Message {
	t.Helper()
	msg, err := inbox.NewMessage(inbox.KindPayment, paymentID, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	msg.State = state
	if state == inbox.StateDead {
		msg.Attempts = 8
		msg.LastError = "gateway: upstream unavailable"
	}
	return msg
}

func TestMappingPrintsTableWithFallbackRow(t *testing.T) {
	out, err := execute(t, "mapping", "-o", "json")
	require.NoError(t, err)

	var rows []mappingRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Contains(t, rows, mappingRow{GatewayStatus: "approved", OrderStatus: "confirmed", PaymentStatus: "completed"})
	require.Contains(t, rows, mappingRow{GatewayStatus: "refunded", OrderStatus: "cancelled", PaymentStatus: "refunded"})
	require.Equal(t, mappingRow{GatewayStatus: "*", OrderStatus: "pending", PaymentStatus: "pending"}, rows[len(rows)-1])

	table, err := execute(t, "mapping")
	require.NoError(t, err)
	require.Contains(t, table, "GATEWAY STATUS")
	require.Contains(t, table, "charged_back")
}

func TestInboxListFiltersByState(t *testing.T) {
	dead := testMessage(t, "pay_dead", inbox.StateDead)
	pending := testMessage(t, "pay_pending", inbox.StatePending)
	dir := seedInbox(t, dead, pending)

	out, err := execute(t, "inbox", "list", "--inbox-dir", dir, "--state", "DEAD", "-o", "yaml")
	require.NoError(t, err)

	var views []messageView
	require.NoError(t, yaml.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	require.Equal(t, dead.ID, views[0].ID)
	require.Equal(t, "pay_dead", views[0].PaymentID)
	require.Equal(t, 8, views[0].Attempts)
	require.Equal(t, "gateway: upstream unavailable", views[0].LastError)

	_, err = execute(t, "inbox", "list", "--inbox-dir", dir, "--state", "stuck")
	require.ErrorContains(t, err, "unknown state")
}

func TestInboxReplayRequeuesDeadLetter(t *testing.T) {
	dead := testMessage(t, "pay_dead", inbox.StateDead)
	pending := testMessage(t, "pay_pending", inbox.StatePending)
	dir := seedInbox(t, dead, pending)

	out, err := execute(t, "inbox", "replay", dead.ID, "--inbox-dir", dir, "-o", "json")
	require.NoError(t, err)
	var view messageView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "pending", view.State)
	require.Zero(t, view.Attempts)

	_, err = execute(t, "inbox", "replay", pending.ID, "--inbox-dir", dir)
	require.ErrorIs(t, err, inbox.ErrNotDead)

	_, err = execute(t, "inbox", "replay", "01UNKNOWN", "--inbox-dir", dir)
	require.ErrorIs(t, err, inbox.ErrMessageNotFound)
}

func TestSettingsFromEnvAndConfigFile(t *testing.T) {
	dir := seedInbox(t, testMessage(t, "pay_env", inbox.StatePending))
	t.Setenv("RECONCILECTL_INBOX_DIR", dir)

	cfgPath := filepath.Join(t.TempDir(), "reconcilectl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("output: json\n"), 0o600))

	out, err := execute(t, "inbox", "list", "--config", cfgPath)
	require.NoError(t, err)

	var views []messageView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	require.Equal(t, "pay_env", views[0].PaymentID)
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	err := render(&bytes.Buffer{}, "xml", nil, table{})
	require.ErrorContains(t, err, "unknown output format")
}
