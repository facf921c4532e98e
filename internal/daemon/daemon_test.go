package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/ipcbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/statemachine"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "config.yaml")
	t.Setenv("HOME", dataDir)
	t.Setenv("APPDATA", dataDir)

	d, err := New(configPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.db.Close() })
	return d
}

func TestNewConstructsEveryComponent(t *testing.T) {
	d := newTestDaemon(t)

	require.NotEmpty(t, d.deviceID)
	require.NotEmpty(t, d.certPEM)
	require.NotNil(t, d.sm)
	require.NotNil(t, d.pairing)
	require.NotNil(t, d.discovery)
	require.NotNil(t, d.connmgr)
	require.NotNil(t, d.router)
	require.NotNil(t, d.contacts)
	require.NotNil(t, d.sms)
	require.NotNil(t, d.notifs)
	require.NotNil(t, d.sync)
}

func TestDaemonStatusReflectsInitialState(t *testing.T) {
	d := newTestDaemon(t)

	status, err := d.DaemonStatus()
	require.NoError(t, err)
	require.Equal(t, string(statemachine.Init), status.State)
	require.Equal(t, d.deviceID, status.DeviceID)
}

func TestContactsListReflectsPersistedContacts(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.db.UpsertContact(store.Contact{UID: "u1", Name: "Alice", PhoneNumbers: []string{"+1555"}}))

	result, err := d.ContactsList()
	require.NoError(t, err)
	require.Len(t, result.Contacts, 1)
	require.Equal(t, "Alice", result.Contacts[0].Name)
}

func TestSmsSendWithNoConnectionReportsTimeout(t *testing.T) {
	d := newTestDaemon(t)

	result, err := d.SmsSend(ipcbus.SmsSendParams{Address: "+15550001234", Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, result.QueueID)

	status, ok := d.sms.DrainBufferedStatus(result.QueueID)
	require.True(t, ok)
	require.Equal(t, "timeout", string(status), "no bound connection yet, so the send cannot succeed")
}

func TestSmsCancelSendRequiresQueueID(t *testing.T) {
	d := newTestDaemon(t)
	err := d.SmsCancelSend(ipcbus.SmsCancelSendParams{})
	require.Error(t, err)
}

// fakeConn satisfies both pairing.PeerConn and router.Handler's connection
// parameter, standing in for a live connection in router-dispatch tests.
type fakeConn struct{ deviceID string }

func (c *fakeConn) DeviceID() string           { return c.deviceID }
func (c *fakeConn) DeviceName() string         { return "Peer" }
func (c *fakeConn) PeerCertificatePEM() []byte { return nil }
func (c *fakeConn) Send(p wire.Packet) error   { return nil }

// TestRegisterHandlersCoversEveryInboundPacketType ensures every packet
// type the protocol handlers own has a router entry, so a live connection
// never silently drops a known-good packet.
func TestRegisterHandlersCoversEveryInboundPacketType(t *testing.T) {
	d := newTestDaemon(t)
	conn := &fakeConn{deviceID: "peer1"}

	for _, typ := range []string{
		"kdeconnect.pair",
		"kdeconnect.contacts.response_uids_timestamps",
		"kdeconnect.contacts.response_vcards",
		"kdeconnect.sms.messages",
		"kdeconnect.notification",
	} {
		chunk := []byte(`{"id":1,"type":"` + typ + `","body":{}}` + "\n")
		require.NotPanics(t, func() {
			d.router.Route("peer1", conn, chunk)
		})
	}
}

func TestSyncStartsOnceConnectedAndPaired(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.sm.Transition(statemachine.Disconnected, nil))
	require.NoError(t, d.sm.Transition(statemachine.Discovering, nil))

	// Pairing is recorded purely by a trust-store file's presence (spec.md
	// §3); write one directly rather than driving the full pair handshake.
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.DataDir, "trusted_certs", "peer1.pem"), []byte("stub"), 0o644))

	require.NoError(t, d.sm.Transition(statemachine.Connected, nil))
	if d.pairing.IsPaired("peer1") {
		d.sync.StartSync()
	}
	require.Eventually(t, func() bool { return d.sm.State() == statemachine.Syncing }, time.Second, 5*time.Millisecond)
}

func TestSilenceTimeoutDefaultsAppliedFromConfig(t *testing.T) {
	d := newTestDaemon(t)
	require.Equal(t, 10*time.Second, d.cfg.Sync.SilenceTimeout)
}
