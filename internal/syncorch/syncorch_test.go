package syncorch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/statemachine"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConnectedMachine(t *testing.T) *statemachine.Machine {
	t.Helper()
	sm := statemachine.New()
	require.NoError(t, sm.Transition(statemachine.Disconnected, nil))
	require.NoError(t, sm.Transition(statemachine.Discovering, nil))
	require.NoError(t, sm.Transition(statemachine.Connected, nil))
	return sm
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// TestSyncCompletesAfterSilence reproduces scenario S4: once the silence
// timeout elapses with no further inbound traffic, the orchestrator
// transitions back to READY and fires onSyncComplete.
func TestSyncCompletesAfterSilence(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: 20 * time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Destroy)

	started := &counter{}
	completed := &counter{}
	o.OnSyncStarted.Subscribe(func(struct{}) { started.inc() })
	o.OnSyncComplete.Subscribe(func(struct{}) { completed.inc() })

	o.StartSync()
	require.Equal(t, statemachine.Syncing, sm.State())
	require.Equal(t, 1, started.get())

	require.Eventually(t, func() bool { return completed.get() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, statemachine.Ready, sm.State())

	lastSync, ok, err := db.LastSync()
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), lastSync, 2*time.Second)
}

// TestResetSilenceTimerDelaysCompletion confirms inbound traffic
// (simulated via ResetSilenceTimer) keeps the sync alive past the
// original deadline.
func TestResetSilenceTimerDelaysCompletion(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: 40 * time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Destroy)

	completed := &counter{}
	o.OnSyncComplete.Subscribe(func(struct{}) { completed.inc() })

	o.StartSync()

	deadline := time.Now().Add(70 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		o.ResetSilenceTimer()
	}
	require.Equal(t, 0, completed.get(), "resets before the deadline must postpone completion")

	require.Eventually(t, func() bool { return completed.get() == 1 }, time.Second, 5*time.Millisecond)
}

// TestAutoSyncOffDoesNotRearm reproduces scenario S5: with autoSync
// disabled, a completed sync never arms a periodic re-sync.
func TestAutoSyncOffDoesNotRearm(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: 10 * time.Millisecond, AutoSync: false}, zap.NewNop())
	t.Cleanup(o.Destroy)

	started := &counter{}
	o.OnSyncStarted.Subscribe(func(struct{}) { started.inc() })

	o.StartSync()
	require.Eventually(t, func() bool { return sm.State() == statemachine.Ready }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, started.get(), "autoSync=false must not rearm a periodic resync")
}

func TestStartSyncRequestsContactsAndConversationsInParallel(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	contactsCalled := &counter{}
	conversationsCalled := &counter{}
	req := Requesters{
		RequestContactsUIDs:  func() error { contactsCalled.inc(); return nil },
		RequestConversations: func() error { conversationsCalled.inc(); return nil },
	}

	o := New(sm, db, req, Config{SilenceTimeout: time.Second}, zap.NewNop())
	t.Cleanup(o.Destroy)

	o.StartSync()
	require.Eventually(t, func() bool {
		return contactsCalled.get() == 1 && conversationsCalled.get() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartSyncIsNoOpWhileAlreadySyncing(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: time.Second}, zap.NewNop())
	t.Cleanup(o.Destroy)

	started := &counter{}
	o.OnSyncStarted.Subscribe(func(struct{}) { started.inc() })

	o.StartSync()
	o.StartSync()
	o.StartSync()

	require.Equal(t, 1, started.get())
}

func TestNotifyContactsUpdatedAdvancesPhaseWithoutCompleting(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: time.Second}, zap.NewNop())
	t.Cleanup(o.Destroy)

	var phases []statemachine.SyncPhase
	o.OnSyncPhaseChange.Subscribe(func(pc PhaseChange) { phases = append(phases, pc.Phase) })

	o.StartSync()
	o.NotifyContactsUpdated()

	require.Equal(t, statemachine.Syncing, sm.State())
	require.Equal(t, statemachine.SyncPhaseMessages, sm.Context().SyncPhase)
	require.Equal(t, []statemachine.SyncPhase{statemachine.SyncPhaseContacts, statemachine.SyncPhaseMessages}, phases)
}

func TestStopSyncPreventsSilenceCompletion(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: 15 * time.Millisecond}, zap.NewNop())
	t.Cleanup(o.Destroy)

	completed := &counter{}
	o.OnSyncComplete.Subscribe(func(struct{}) { completed.inc() })

	o.StartSync()
	o.StopSync()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, completed.get())
	require.Equal(t, statemachine.Syncing, sm.State(), "stopSync does not itself transition the state machine")
}

func TestDestroyPreventsFurtherStartSync(t *testing.T) {
	sm := newConnectedMachine(t)
	db := newTestStore(t)

	o := New(sm, db, Requesters{}, Config{SilenceTimeout: time.Second}, zap.NewNop())
	started := &counter{}
	o.OnSyncStarted.Subscribe(func(struct{}) { started.inc() })

	o.Destroy()
	o.StartSync()

	require.Equal(t, 0, started.get())
}
