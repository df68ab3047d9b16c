package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// WhatsmeowDialer opens real WhatsApp connections through whatsmeow. Each
// instance gets its own sqlite device store under baseDir, mirroring the
// per-instance credential isolation of the gateway's own store.
type WhatsmeowDialer struct {
	baseDir string
}

func NewWhatsmeowDialer(baseDir string) (*WhatsmeowDialer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create device store dir: %w", err)
	}
	return &WhatsmeowDialer{baseDir: baseDir}, nil
}

func (d *WhatsmeowDialer) Open(ctx context.Context, opts OpenOptions) (ProtocolHandle, error) {
	if opts.Auth == nil || len(opts.Auth.Credential) == 0 {
		return nil, errors.New("open: empty credential; a fresh seed is required")
	}

	dbPath := fmt.Sprintf("%s/instance_%s.db", d.baseDir, opts.InstanceKey)
	dbLog := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)

	h := &whatsmeowHandle{
		client: client,
		events: make(chan ProtocolEvent, 16),
	}
	client.AddEventHandler(h.handleEvent)

	if client.Store.ID == nil {
		// No ID stored, new login: surface the pairing QR codes.
		qrChan, _ := client.GetQRChannel(context.Background())
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					h.emit(QRChallenge{Code: evt.Code})
				}
			}
		}()
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return h, nil
}

type whatsmeowHandle struct {
	client *whatsmeow.Client

	mu     sync.Mutex
	closed bool
	events chan ProtocolEvent
}

func (h *whatsmeowHandle) Events() <-chan ProtocolEvent { return h.events }

func (h *whatsmeowHandle) emit(evt ProtocolEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- evt
}

// finish emits a terminal close and shuts the event stream.
func (h *whatsmeowHandle) finish(evt Closed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- evt
	h.closed = true
	close(h.events)
}

func (h *whatsmeowHandle) handleEvent(rawEvt interface{}) {
	switch v := rawEvt.(type) {
	case *events.Connected:
		phone := ""
		if h.client.Store.ID != nil {
			phone = h.client.Store.ID.User
		}
		h.emit(CredentialsChanged{Credential: h.credentialSnapshot()})
		h.emit(Opened{PhoneNumber: phone})
	case *events.PairSuccess:
		h.emit(CredentialsChanged{Credential: h.credentialSnapshot()})
	case *events.LoggedOut:
		h.finish(Closed{Class: CloseLoggedOut, Code: closeCodeLoggedOut, Reason: fmt.Sprintf("logged out (reason %d)", int(v.Reason))})
	case *events.TemporaryBan:
		h.finish(Closed{Class: CloseBanned, Code: closeCodeBanned, Reason: v.String()})
	case *events.ConnectFailure:
		code := int(v.Reason)
		h.finish(Closed{Class: ClassifyClose(code, v.Message), Code: code, Reason: v.Message})
	case *events.StreamError:
		h.emit(Closed{Class: CloseTransient, Reason: "stream error: " + v.Code})
	case *events.Disconnected:
		h.emit(Closed{Class: CloseTransient, Reason: "disconnected"})
	}
}

// credentialSnapshot serializes the device identity the gateway keeps as its
// restart-safe credential copy. The full key material stays in the
// per-instance sqlite store; this blob is what marks the instance as paired.
func (h *whatsmeowHandle) credentialSnapshot() []byte {
	snap := struct {
		JID      string `json:"jid"`
		PushName string `json:"push_name"`
		Platform string `json:"platform"`
	}{
		PushName: h.client.Store.PushName,
		Platform: h.client.Store.Platform,
	}
	if h.client.Store.ID != nil {
		snap.JID = h.client.Store.ID.String()
	}
	blob, _ := json.Marshal(snap)
	return blob
}

func (h *whatsmeowHandle) SendText(ctx context.Context, recipient, text string) error {
	// Recipients arrive as bare numbers ("6289..."); convert to a JID.
	jid, err := types.ParseJID(recipient + "@s.whatsapp.net")
	if err != nil {
		return fmt.Errorf("invalid number format: %w", err)
	}
	_, err = h.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: &text,
	})
	return err
}

func (h *whatsmeowHandle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

func (h *whatsmeowHandle) Terminate() {
	h.client.Disconnect()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}
