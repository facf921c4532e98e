// Package syncorch implements the multi-phase sync orchestrator: a
// silence-timeout heuristic declares a sync complete once inbound traffic
// goes quiet, then optionally arms a periodic re-sync (spec.md §4.I).
package syncorch

import (
	"sync"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/statemachine"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"go.uber.org/zap"
)

// DefaultSilenceTimeout and DefaultSyncInterval mirror config.go's
// documented defaults (10s / 300s) for callers that construct an
// Orchestrator directly.
const (
	DefaultSilenceTimeout = 10 * time.Second
	DefaultSyncInterval   = 300 * time.Second
)

// Requesters are the outbound calls startSync fans out in parallel. Each
// is independent: a consent dialog gating contacts must never block the
// conversations request.
type Requesters struct {
	RequestContactsUIDs  func() error
	RequestConversations func() error
}

// PhaseChange is emitted whenever the orchestrator moves between sync
// sub-phases (spec.md §9 open question). The phase is recorded in the
// state machine's context through a SYNCING->SYNCING self-transition and
// announced through this event.
type PhaseChange struct {
	Phase statemachine.SyncPhase
}

// Config configures an Orchestrator.
type Config struct {
	SilenceTimeout time.Duration
	SyncInterval   time.Duration
	AutoSync       bool
}

// Orchestrator drives the state machine through SYNCING and back to
// READY, gated by a silence timer that resets on inbound sync traffic.
type Orchestrator struct {
	log  *zap.Logger
	cfg  Config
	sm   *statemachine.Machine
	db   *store.Store
	req  Requesters
	now  func() time.Time

	mu           sync.Mutex
	syncing      bool
	destroyed    bool
	silenceTimer *time.Timer
	resyncTimer  *time.Timer

	OnSyncStarted     *eventbus.Bus[struct{}]
	OnSyncComplete    *eventbus.Bus[struct{}]
	OnSyncPhaseChange *eventbus.Bus[PhaseChange]
}

// New constructs an Orchestrator wired to sm and db, using req to issue
// the outbound sync requests.
func New(sm *statemachine.Machine, db *store.Store, req Requesters, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Orchestrator{
		log:               log,
		cfg:               cfg,
		sm:                sm,
		db:                db,
		req:               req,
		now:               time.Now,
		OnSyncStarted:     eventbus.New[struct{}](),
		OnSyncComplete:    eventbus.New[struct{}](),
		OnSyncPhaseChange: eventbus.New[PhaseChange](),
	}
}

// StartSync begins a sync pass. No-op if already syncing, destroyed, or
// the state machine cannot legally move to SYNCING.
func (o *Orchestrator) StartSync() {
	o.mu.Lock()
	if o.destroyed || o.syncing {
		o.mu.Unlock()
		return
	}
	if !o.sm.CanTransition(statemachine.Syncing) {
		o.mu.Unlock()
		return
	}

	phase := statemachine.SyncPhaseContacts
	if err := o.sm.Transition(statemachine.Syncing, &statemachine.PartialContext{SyncPhase: &phase}); err != nil {
		o.mu.Unlock()
		return
	}
	o.syncing = true
	o.armSilenceTimerLocked()
	o.mu.Unlock()

	o.OnSyncStarted.Emit(struct{}{})
	o.OnSyncPhaseChange.Emit(PhaseChange{Phase: statemachine.SyncPhaseContacts})

	// Contacts and conversations are requested independently and in
	// parallel: a peer-side consent dialog gating contacts must never
	// block the conversations request.
	if o.req.RequestContactsUIDs != nil {
		go func() {
			if err := o.req.RequestContactsUIDs(); err != nil {
				o.log.Debug("request contacts uids failed", zap.Error(err))
			}
		}()
	}
	if o.req.RequestConversations != nil {
		go func() {
			if err := o.req.RequestConversations(); err != nil {
				o.log.Debug("request conversations failed", zap.Error(err))
			}
		}()
	}
}

// armSilenceTimerLocked must be called with o.mu held.
func (o *Orchestrator) armSilenceTimerLocked() {
	if o.silenceTimer != nil {
		o.silenceTimer.Stop()
	}
	o.silenceTimer = time.AfterFunc(o.cfg.SilenceTimeout, o.onSilence)
}

// ResetSilenceTimer is called by the sms/contacts handlers' onMessages /
// onContactsUpdated callbacks; any inbound sync traffic resets the
// silence clock.
func (o *Orchestrator) ResetSilenceTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.syncing || o.destroyed {
		return
	}
	o.armSilenceTimerLocked()
}

// NotifyContactsUpdated additionally advances the sub-phase from contacts
// to messages (the conversations request), recording it in the state
// machine's context through a SYNCING->SYNCING self-transition.
func (o *Orchestrator) NotifyContactsUpdated() {
	o.mu.Lock()
	if !o.syncing || o.destroyed {
		o.mu.Unlock()
		return
	}
	phase := statemachine.SyncPhaseMessages
	_ = o.sm.Transition(statemachine.Syncing, &statemachine.PartialContext{SyncPhase: &phase})
	o.armSilenceTimerLocked()
	o.mu.Unlock()

	o.OnSyncPhaseChange.Emit(PhaseChange{Phase: statemachine.SyncPhaseMessages})
}

func (o *Orchestrator) onSilence() {
	o.mu.Lock()
	if o.destroyed || !o.syncing {
		o.mu.Unlock()
		return
	}
	o.syncing = false
	o.clearTimersLocked()

	transitioned := o.sm.CanTransition(statemachine.Ready)
	if transitioned {
		_ = o.sm.Transition(statemachine.Ready, nil)
	}
	autoSync := o.cfg.AutoSync
	o.mu.Unlock()

	if err := o.db.SetLastSync(o.now()); err != nil {
		o.log.Warn("failed to persist lastSync", zap.Error(err))
	}
	o.OnSyncComplete.Emit(struct{}{})

	if autoSync {
		o.armResyncTimer()
	}
}

func (o *Orchestrator) armResyncTimer() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	if o.resyncTimer != nil {
		o.resyncTimer.Stop()
	}
	o.resyncTimer = time.AfterFunc(o.cfg.SyncInterval, o.onResyncTick)
	o.mu.Unlock()
}

func (o *Orchestrator) onResyncTick() {
	o.mu.Lock()
	destroyed := o.destroyed
	isReady := o.sm.State() == statemachine.Ready
	o.mu.Unlock()

	if destroyed {
		return
	}
	if isReady {
		o.StartSync()
	}
}

// StopSync clears timers and flips syncing false without touching the
// state machine.
func (o *Orchestrator) StopSync() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = false
	o.clearTimersLocked()
}

// clearTimersLocked must be called with o.mu held.
func (o *Orchestrator) clearTimersLocked() {
	if o.silenceTimer != nil {
		o.silenceTimer.Stop()
		o.silenceTimer = nil
	}
	if o.resyncTimer != nil {
		o.resyncTimer.Stop()
		o.resyncTimer = nil
	}
}

// Destroy additionally detaches all callback subscriptions and marks the
// orchestrator destroyed; future StartSync calls are no-ops.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	o.destroyed = true
	o.syncing = false
	o.clearTimersLocked()
	o.mu.Unlock()

	o.OnSyncStarted.Clear()
	o.OnSyncComplete.Clear()
	o.OnSyncPhaseChange.Clear()
}
