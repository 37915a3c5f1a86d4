package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/quietpath/haven/internal/bus"
	"github.com/quietpath/haven/internal/config"
)

//go:embed static
var staticFiles embed.FS

const webUIChannelName = "webui"

// wsMessage is the frame exchanged with the browser. Inbound frames carry
// type "message", "verdict", or "command"; outbound frames carry "message"
// or "debug".
type wsMessage struct {
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	Verdict string   `json:"verdict,omitempty"`
	Command string   `json:"command,omitempty"`
	Counsel []string `json:"counsel,omitempty"`
	Empathy []string `json:"empathy,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

type WebUIChannel struct {
	BaseChannel
	host    string
	port    int
	server  *http.Server
	clients sync.Map
	nextID  atomic.Int64
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}

	ch := &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		host:        gwCfg.Host,
		port:        port,
	}
	return ch, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("embed static fs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)

	w.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", w.host, w.port),
		Handler: mux,
	}

	go func() {
		log.Printf("[webui] listening on %s", w.server.Addr)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[webui] server error: %v", err)
		}
	}()

	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if !w.IsAllowed(clientID) {
			log.Printf("[webui] rejected message from %s", clientID)
			continue
		}

		inbound, ok := w.toInbound(clientID, msg)
		if !ok {
			continue
		}
		w.bus.Inbound <- inbound
	}
}

func (w *WebUIChannel) toInbound(clientID string, msg wsMessage) (bus.InboundMessage, bool) {
	base := bus.InboundMessage{
		Channel:   webUIChannelName,
		SenderID:  clientID,
		ChatID:    clientID,
		Timestamp: time.Now(),
	}

	switch msg.Type {
	case "message":
		if msg.Content == "" {
			return base, false
		}
		base.Kind = bus.KindMessage
		base.Content = msg.Content
	case "verdict":
		if msg.Verdict != "up" && msg.Verdict != "down" {
			return base, false
		}
		base.Kind = bus.KindVerdict
		base.Verdict = msg.Verdict
	case "command":
		if msg.Command == "" {
			return base, false
		}
		base.Kind = bus.KindCommand
		base.Content = msg.Content
		base.Metadata = map[string]any{"command": msg.Command}
	default:
		return base, false
	}
	return base, true
}

func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	frame := wsMessage{Type: "message", Content: msg.Content}
	if msg.Metadata != nil {
		if kind, _ := msg.Metadata["kind"].(string); kind == "debug" {
			frame.Type = "debug"
			frame.Counsel, _ = msg.Metadata["counsel"].([]string)
			frame.Empathy, _ = msg.Metadata["empathy"].([]string)
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	client, ok := w.clients.Load(msg.ChatID)
	if !ok {
		// Broadcast when no specific target
		w.clients.Range(func(key, value any) bool {
			c := value.(*wsClient)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.conn.Write(ctx, websocket.MessageText, data)
			return true
		})
		return nil
	}

	c := client.(*wsClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
