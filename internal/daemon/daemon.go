// Package daemon wires every component into the running xyzconnectd
// process: identity, discovery, connection management, pairing, routing,
// the protocol handlers, the sync orchestrator, and the local IPC
// service contract (spec.md §4, analogous to how a WireGuard Device ties
// its netstack, peers, and device-wide handshake state together).
package daemon

import (
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/config"
	"github.com/hansonxyz/xyzconnect-sub001/internal/connmgr"
	"github.com/hansonxyz/xyzconnect-sub001/internal/contacts"
	"github.com/hansonxyz/xyzconnect-sub001/internal/discovery"
	"github.com/hansonxyz/xyzconnect-sub001/internal/identity"
	"github.com/hansonxyz/xyzconnect-sub001/internal/ipcbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/knowndevices"
	"github.com/hansonxyz/xyzconnect-sub001/internal/notifications"
	"github.com/hansonxyz/xyzconnect-sub001/internal/pairing"
	"github.com/hansonxyz/xyzconnect-sub001/internal/router"
	"github.com/hansonxyz/xyzconnect-sub001/internal/sms"
	"github.com/hansonxyz/xyzconnect-sub001/internal/statemachine"
	"github.com/hansonxyz/xyzconnect-sub001/internal/store"
	"github.com/hansonxyz/xyzconnect-sub001/internal/syncorch"
	"github.com/hansonxyz/xyzconnect-sub001/internal/wire"
	"go.uber.org/zap"
)

const readChunkSize = 8192

// readLoopStarter lets tests substitute a no-op starter; production always
// uses startReadLoop.
type readLoopStarter func(d *Daemon, dc *connmgr.DeviceConnection)

// Daemon owns every long-lived component and the glue between them. Zero
// value is not usable; construct with New.
type Daemon struct {
	log *zap.Logger
	cfg config.Config

	deviceID   string
	deviceName string
	certPEM    []byte
	keyPEM     []byte

	db        *store.Store
	sm        *statemachine.Machine
	pairing   *pairing.Handler
	discovery *discovery.Service
	connmgr   *connmgr.Manager
	router    *router.Router
	contacts  *contacts.Handler
	sms       *sms.Handler
	notifs    *notifications.Handler
	sync      *syncorch.Orchestrator

	knownDevicesPath string
	startReadLoop    readLoopStarter
}

// New loads configuration and this daemon's durable identity, and
// constructs every component wired together, but does not yet bind any
// socket. Call Start to begin running.
func New(configPath string, log *zap.Logger) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	deviceID, err := identity.LoadOrCreateDeviceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	certPEM, keyPEM, err := identity.LoadOrCreateCertificate(
		filepath.Join(cfg.DataDir, "certificate.pem"),
		filepath.Join(cfg.DataDir, "privatekey.pem"),
		deviceID,
	)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "xyzconnect.db"))
	if err != nil {
		return nil, err
	}

	pairingHandler, err := pairing.NewHandler(filepath.Join(cfg.DataDir, "trusted_certs"), certPEM, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sm := statemachine.New()

	discoverySvc := discovery.New(discovery.Config{
		DeviceID:   deviceID,
		DeviceName: cfg.DeviceName,
		UDPPort:    cfg.UDPPort,
	}, log)

	connManager := connmgr.New(connmgr.Config{
		DeviceID: deviceID,
		CertPEM:  certPEM,
		KeyPEM:   keyPEM,
		IdentityParams: wire.IdentityParams{
			DeviceID:   deviceID,
			DeviceName: cfg.DeviceName,
		},
	}, log)

	pktRouter := router.New(log)

	contactsHandler := contacts.NewHandler(db, log, func() int64 { return time.Now().UnixMilli() })
	smsHandler := sms.NewHandler(db, log, func() int64 { return time.Now().UnixMilli() })
	notifsHandler := notifications.NewHandler(db, log)

	syncOrch := syncorch.New(sm, db, syncorch.Requesters{
		RequestContactsUIDs:  contactsHandler.RequestAllUIDsTimestamps,
		RequestConversations: smsHandler.RequestConversations,
	}, syncorch.Config{
		SilenceTimeout: cfg.Sync.SilenceTimeout,
		SyncInterval:   cfg.Sync.SyncInterval,
		AutoSync:       cfg.Sync.AutoSync,
	}, log)

	d := &Daemon{
		log:              log,
		cfg:              cfg,
		deviceID:         deviceID,
		deviceName:       cfg.DeviceName,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		db:               db,
		sm:               sm,
		pairing:          pairingHandler,
		discovery:        discoverySvc,
		connmgr:          connManager,
		router:           pktRouter,
		contacts:         contactsHandler,
		sms:              smsHandler,
		notifs:           notifsHandler,
		sync:             syncOrch,
		knownDevicesPath: filepath.Join(cfg.DataDir, "known_devices.json"),
		startReadLoop:    startReadLoop,
	}

	d.registerHandlers()
	d.wireEvents()
	return d, nil
}

func (d *Daemon) registerHandlers() {
	d.router.RegisterHandler(wire.TypePair, func(conn pairing.PeerConn, p wire.Packet) {
		if err := d.pairing.HandlePairingPacket(conn, p); err != nil {
			d.log.Debug("pair packet rejected", zap.Error(err))
		}
	})
	d.router.RegisterHandler("kdeconnect.contacts.response_uids_timestamps", d.contacts.HandleUIDsResponse)
	d.router.RegisterHandler("kdeconnect.contacts.response_vcards", d.contacts.HandleVcardsResponse)
	d.router.RegisterHandler("kdeconnect.sms.messages", d.sms.HandleMessages)
	d.router.RegisterHandler("kdeconnect.notification", d.notifs.HandleNotification)
}

func (d *Daemon) wireEvents() {
	d.discovery.OnDeviceFound.Subscribe(func(dev discovery.DiscoveredDevice) {
		if !d.pairing.IsPaired(dev.DeviceID) {
			return
		}
		if _, connected := d.connmgr.GetConnection(dev.DeviceID); connected {
			return
		}
		d.connmgr.ConnectToDevice(dev)
	})

	d.connmgr.OnConnection.Subscribe(func(dc *connmgr.DeviceConnection) {
		d.onConnected(dc)
	})

	d.connmgr.OnDisconnection.Subscribe(func(deviceID string) {
		d.router.ResetBuffer(deviceID)
		d.pairing.DropIncomingPairing(deviceID)
		d.sync.StopSync()
		if d.sm.CanTransition(statemachine.Disconnected) {
			_ = d.sm.Transition(statemachine.Disconnected, nil)
		}
	})

	d.sms.OnMessages.Subscribe(func(struct{}) {
		d.sync.ResetSilenceTimer()
	})

	d.contacts.OnContactsUpdated.Subscribe(func([]store.Contact) {
		d.sync.NotifyContactsUpdated()
	})

	d.pairing.OnPairingResult.Subscribe(func(res pairing.PairingResult) {
		if !res.Accepted {
			return
		}
		dc, ok := d.connmgr.GetConnection(res.DeviceID)
		if !ok {
			return
		}
		_ = knowndevices.Save(knowndevices.KnownDevice{
			DeviceID:   dc.DeviceID(),
			DeviceName: dc.DeviceName(),
			Address:    dc.RemoteAddr(),
		}, d.knownDevicesPath)
	})
}

func (d *Daemon) onConnected(dc *connmgr.DeviceConnection) {
	d.contacts.BindConnection(dc)
	d.sms.BindConnection(dc)

	deviceID := dc.DeviceID()
	deviceName := dc.DeviceName()

	if d.sm.CanTransition(statemachine.Connected) {
		_ = d.sm.Transition(statemachine.Connected, &statemachine.PartialContext{
			DeviceID:   &deviceID,
			DeviceName: &deviceName,
		})
	}

	if d.pairing.IsPaired(deviceID) {
		d.sync.StartSync()
	}

	d.startReadLoop(d, dc)
}

// startReadLoop is the production readLoopStarter: it drives the
// connection's buffered TLS reader into the router, and notifies the
// connection manager once the stream ends (spec.md §4.F/§5).
func startReadLoop(d *Daemon, dc *connmgr.DeviceConnection) {
	go func() {
		buf := make([]byte, readChunkSize)
		reader := dc.Reader()
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				d.router.Route(dc.DeviceID(), dc, buf[:n])
			}
			if err != nil {
				if err != io.EOF {
					d.log.Debug("connection read error", zap.String("deviceId", dc.DeviceID()), zap.Error(err))
				}
				d.connmgr.NotifyDisconnected(dc)
				return
			}
		}
	}()
}

// Start binds the discovery and connection-manager sockets and begins
// running. The daemon must not already be started.
func (d *Daemon) Start() error {
	if d.sm.CanTransition(statemachine.Disconnected) {
		_ = d.sm.Transition(statemachine.Disconnected, nil)
	}

	if err := d.connmgr.Start(); err != nil {
		return err
	}
	d.discovery.SetTCPPort(d.connmgr.GetTCPPort())

	if d.sm.CanTransition(statemachine.Discovering) {
		_ = d.sm.Transition(statemachine.Discovering, nil)
	}

	if err := d.discovery.Start(); err != nil {
		d.connmgr.Stop()
		return err
	}
	return nil
}

// Stop tears down every component. Idempotent only to the extent its
// constituents are.
func (d *Daemon) Stop() {
	d.discovery.Stop()
	d.connmgr.Stop()
	d.sync.Destroy()
	d.pairing.Cleanup()
	d.sm.Destroy()
	_ = d.db.Close()
}

// --- ipcbus.Service ---

var _ ipcbus.Service = (*Daemon)(nil)

// DaemonStatus implements ipcbus.Service.
func (d *Daemon) DaemonStatus() (ipcbus.DaemonStatusResult, error) {
	ctx := d.sm.Context()
	return ipcbus.DaemonStatusResult{
		State:      string(d.sm.State()),
		DeviceID:   d.deviceID,
		DeviceName: d.deviceName,
		UptimeMs:   ctx.Uptime.Milliseconds(),
	}, nil
}

// StateContext implements ipcbus.Service.
func (d *Daemon) StateContext() (ipcbus.StateContextResult, error) {
	ctx := d.sm.Context()
	return ipcbus.StateContextResult{
		State:             string(d.sm.State()),
		SyncPhase:         string(ctx.SyncPhase),
		PairingDeviceID:   ctx.PairingDeviceID,
		PairingDeviceName: ctx.PairingDeviceName,
		ErrorCode:         ctx.ErrorCode,
		ErrorMessage:      ctx.ErrorMessage,
	}, nil
}

// SmsSend implements ipcbus.Service.
func (d *Daemon) SmsSend(params ipcbus.SmsSendParams) (ipcbus.SmsSendResult, error) {
	queueID, err := d.sms.SendMessage(params.Address, params.Text)
	if err != nil {
		return ipcbus.SmsSendResult{}, ipcbus.NewError(ipcbus.ErrCodeInternalError, err.Error())
	}
	return ipcbus.SmsSendResult{QueueID: queueID}, nil
}

// SmsCancelSend implements ipcbus.Service. The protocol has no outstanding
// send to cancel once SmsSend has returned, so this only drops a buffered
// status the caller no longer cares about.
func (d *Daemon) SmsCancelSend(params ipcbus.SmsCancelSendParams) error {
	if params.QueueID == "" {
		return ipcbus.NewError(ipcbus.ErrCodeInternalError, "missing queueId")
	}
	d.sms.DrainBufferedStatus(params.QueueID)
	return nil
}

// ContactsList implements ipcbus.Service.
func (d *Daemon) ContactsList() (ipcbus.ContactsListResult, error) {
	contactsList, err := d.db.ListContacts()
	if err != nil {
		return ipcbus.ContactsListResult{}, ipcbus.NewError(ipcbus.ErrCodeInternalError, err.Error())
	}
	out := make([]ipcbus.ContactView, 0, len(contactsList))
	for _, c := range contactsList {
		out = append(out, ipcbus.ContactView{UID: c.UID, Name: c.Name, PhoneNumbers: c.PhoneNumbers})
	}
	return ipcbus.ContactsListResult{Contacts: out}, nil
}

// PublishOnIPC wires this daemon's domain events onto an ipcbus.Notifier,
// translating each into the notification shapes spec.md §6 documents.
// Subscriptions are fire-and-forget; a transport failure is logged, not
// propagated, since notification delivery must never block the task loop.
func (d *Daemon) PublishOnIPC(n ipcbus.Notifier) {
	d.sm.OnTransition(func(t statemachine.Transition) {
		payload, err := marshalNotification(struct {
			State string `json:"state"`
		}{State: string(t.State)})
		if err != nil {
			return
		}
		if err := n.Notify(ipcbus.NotificationStateChanged, payload); err != nil {
			d.log.Debug("ipc notify failed", zap.String("method", ipcbus.NotificationStateChanged), zap.Error(err))
		}
	})

	d.sms.OnSendStatus.Subscribe(func(e sms.SendStatusEvent) {
		payload, err := marshalNotification(ipcbus.SmsSendStatusNotification{QueueID: e.QueueID, Status: string(e.Status)})
		if err != nil {
			return
		}
		if err := n.Notify(ipcbus.NotificationSmsSendStatus, payload); err != nil {
			d.log.Debug("ipc notify failed", zap.String("method", ipcbus.NotificationSmsSendStatus), zap.Error(err))
		}
	})

	d.contacts.OnContactsUpdated.Subscribe(func(updated []store.Contact) {
		views := make([]ipcbus.ContactView, 0, len(updated))
		for _, c := range updated {
			views = append(views, ipcbus.ContactView{UID: c.UID, Name: c.Name, PhoneNumbers: c.PhoneNumbers})
		}
		payload, err := marshalNotification(ipcbus.ContactsUpdatedNotification{Contacts: views})
		if err != nil {
			return
		}
		if err := n.Notify(ipcbus.NotificationContactsUpdated, payload); err != nil {
			d.log.Debug("ipc notify failed", zap.String("method", ipcbus.NotificationContactsUpdated), zap.Error(err))
		}
	})
}

func marshalNotification(v any) ([]byte, error) {
	return json.Marshal(v)
}
