package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	commandAddr = flag.String("command-addr", ":25575", "address of the command listener")
	httpAddr    = flag.String("http-addr", ":8080", "address of the websocket event endpoint")
	credential  = flag.String("credential", "changeme", "credential expected in AUTH")
	interval    = flag.Duration("interval", 5*time.Second, "how often a random event is emitted; 0 disables")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Frame is an event pushed to connected effects servers.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func newFrame(eventType string, data map[string]any) []byte {
	b, _ := json.Marshal(Frame{Type: eventType, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	return b
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("event listener connected", zap.Int("listeners", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("event listener disconnected", zap.Int("listeners", len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) emit(eventType string, data map[string]any) {
	select {
	case h.broadcast <- newFrame(eventType, data):
	default:
		h.logger.Warn("broadcast buffer full, dropping event", zap.String("event_type", eventType))
	}
}

// readPump drains the connection so control frames (pings, close) are processed.
func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}

func serveWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump(hub)
}

// serveEmit accepts a JSON frame over HTTP and broadcasts it, for manual testing.
func serveEmit(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var f Frame
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&f); err != nil || f.Type == "" {
		http.Error(w, "body must be a JSON frame with a type", http.StatusBadRequest)
		return
	}
	hub.emit(f.Type, f.Data)
	w.WriteHeader(http.StatusAccepted)
}

func serveCommands(ln net.Listener, hub *Hub, logger *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error("command listener stopped", zap.Error(err))
			return
		}
		go handleCommandConn(conn, hub, logger)
	}
}

func handleCommandConn(conn net.Conn, hub *Hub, logger *zap.Logger) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	reply := func(line string) bool {
		_, err := io.WriteString(conn, line+"\r\n")
		return err == nil
	}

	if !scanner.Scan() {
		return
	}
	auth, ok := strings.CutPrefix(scanner.Text(), "AUTH ")
	if !ok || auth != *credential {
		logger.Warn("rejected command client", zap.String("remote", remote))
		reply("ERR authentication failed")
		return
	}
	if !reply("OK authenticated") {
		return
	}
	logger.Info("command client authenticated", zap.String("remote", remote))

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			reply("ERR expected <type> <duration> <intensity>")
			continue
		}
		duration, derr := strconv.ParseFloat(fields[1], 64)
		intensity, ierr := strconv.ParseFloat(fields[2], 64)
		if derr != nil || ierr != nil {
			reply("ERR duration and intensity must be numbers")
			continue
		}
		switch fields[0] {
		case "particle", "sound", "light":
		default:
			reply("ERR unknown effect " + fields[0])
			continue
		}

		logger.Info("rendering effect",
			zap.String("effect_type", fields[0]),
			zap.Float64("duration", duration),
			zap.Float64("intensity", intensity),
		)
		hub.emit("effect_rendered", map[string]any{
			"effect_type": fields[0],
			"duration":    duration,
			"intensity":   intensity,
		})
		if !reply("OK") {
			return
		}
	}
}

func randomEvents(hub *Hub, every time.Duration) {
	actions := []string{"level_up", "cast", "jump", "open_chest"}
	severities := []string{"info", "warning", "critical"}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		if rand.IntN(4) == 0 {
			hub.emit("system_alert", map[string]any{
				"severity": severities[rand.IntN(len(severities))],
				"message":  "simulated alert",
			})
			continue
		}
		hub.emit("user_action", map[string]any{
			"action": actions[rand.IntN(len(actions))],
			"player": map[string]any{"name": "steve", "level": 1 + rand.IntN(20)},
		})
	}
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	hub := newHub(logger)
	go hub.run()

	ln, err := net.Listen("tcp", *commandAddr)
	if err != nil {
		logger.Fatal("failed to listen for commands", zap.Error(err))
	}
	go serveCommands(ln, hub, logger)

	if *interval > 0 {
		go randomEvents(hub, *interval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		serveWS(hub, w, r)
	})
	mux.HandleFunc("/emit", func(w http.ResponseWriter, r *http.Request) {
		serveEmit(hub, w, r)
	})

	logger.Info("fake game server ready",
		zap.String("command_addr", *commandAddr),
		zap.String("events", "ws://localhost"+*httpAddr+"/events"),
	)
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		logger.Fatal("http server stopped", zap.Error(err))
	}
}
