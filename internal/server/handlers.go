package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func newHandlers(hub *Hub, origins *originPolicy, logger *zap.SugaredLogger) *handlers {
	return &handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger: logger,
	}
}

// webSocket upgrades the request and hands the connection to the hub, which
// launches the pump goroutines.
func (h *handlers) webSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		client.closeConnection()
	}
}

// root serves the relay on the bare host, the address browsers dial, and a
// plain-text banner to anything that is not a WebSocket upgrade.
func (h *handlers) root(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.webSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Room relay is running!")
}

type healthResponse struct {
	Status      string    `json:"status"`
	Rooms       int       `json:"rooms"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	rooms, connections := h.hub.Stats()
	resp := healthResponse{
		Status:      "ok",
		Rooms:       rooms,
		Connections: connections,
		Timestamp:   time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warnw("error writing health response", "error", err)
	}
}

// testPage serves a minimal browser client for exercising the relay end to
// end: it derives an AES-GCM key from the password with PBKDF2 and never
// sends plaintext.
func (h *handlers) testPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.logger.Warnw("error writing test page", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Room Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"], input[type="password"] { padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:disabled { background-color: #999; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Room Relay Test</h1>

    <div id="status" class="status disconnected">Not joined</div>

    <div>
        <input type="text" id="roomId" placeholder="Room id">
        <input type="password" id="password" placeholder="Password">
        <input type="text" id="nickname" placeholder="Nickname">
        <button id="joinButton" onclick="join()">Join</button>
        <button id="leaveButton" onclick="leave()" disabled>Leave</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="moreButton" onclick="loadMore()" disabled>Load more</button>
    </div>

    <div id="messages"></div>

    <script>
        const encoder = new TextEncoder();
        const decoder = new TextDecoder();
        const state = { ws: null, key: null, roomId: null, limit: 50 };
        const el = id => document.getElementById(id);

        async function deriveKey(password, roomId) {
            const material = await crypto.subtle.importKey('raw', encoder.encode(password), 'PBKDF2', false, ['deriveKey']);
            return crypto.subtle.deriveKey(
                { name: 'PBKDF2', salt: encoder.encode('roomrelay:' + roomId), iterations: 100000, hash: 'SHA-256' },
                material, { name: 'AES-GCM', length: 256 }, false, ['encrypt', 'decrypt']);
        }

        async function encrypt(text) {
            const iv = crypto.getRandomValues(new Uint8Array(12));
            const data = await crypto.subtle.encrypt({ name: 'AES-GCM', iv }, state.key, encoder.encode(text));
            return { iv: Array.from(iv), data: Array.from(new Uint8Array(data)) };
        }

        async function decrypt(msg) {
            try {
                const plain = await crypto.subtle.decrypt({ name: 'AES-GCM', iv: new Uint8Array(msg.iv) }, state.key, new Uint8Array(msg.data));
                return decoder.decode(plain);
            } catch (e) {
                return '[unable to decrypt]';
            }
        }

        async function render(msg) {
            const line = document.createElement('div');
            const when = new Date(msg.time).toLocaleTimeString();
            line.textContent = '[' + when + '] ' + msg.nickname + ': ' + await decrypt(msg);
            el('messages').appendChild(line);
            el('messages').scrollTop = el('messages').scrollHeight;
        }

        function setJoined(joined) {
            el('status').textContent = joined ? 'Joined ' + state.roomId : 'Not joined';
            el('status').className = 'status ' + (joined ? 'connected' : 'disconnected');
            el('messageInput').disabled = !joined;
            el('sendButton').disabled = !joined;
            el('moreButton').disabled = !joined;
            el('leaveButton').disabled = !joined;
            el('joinButton').disabled = joined;
        }

        async function join() {
            const roomId = el('roomId').value.trim();
            const password = el('password').value;
            if (!roomId || !password) return;

            state.key = await deriveKey(password, roomId);
            state.roomId = roomId;
            state.limit = 50;

            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            state.ws = new WebSocket(scheme + location.host + '/ws');
            state.ws.onopen = () => {
                state.ws.send(JSON.stringify({ type: 'join', roomId }));
                setJoined(true);
            };
            state.ws.onmessage = async event => {
                const data = JSON.parse(event.data);
                if (data.type === 'messages') {
                    el('messages').innerHTML = '';
                    for (const msg of data.messages) await render(msg);
                } else if (data.type === 'message') {
                    await render(data.message);
                } else if (data.type === 'room_deleted') {
                    el('messages').innerHTML = '<em>Room has been deleted.</em>';
                }
            };
            state.ws.onclose = () => { state.ws = null; setJoined(false); };
        }

        function leave() {
            if (state.ws) {
                state.ws.send(JSON.stringify({ type: 'leave', roomId: state.roomId }));
                state.ws.close();
            }
        }

        async function sendMessage() {
            const text = el('messageInput').value.trim();
            if (!text || !state.ws) return;
            const encrypted = await encrypt(text);
            state.ws.send(JSON.stringify({
                type: 'message',
                roomId: state.roomId,
                nickname: el('nickname').value.trim() || 'Anonymous',
                iv: encrypted.iv,
                data: encrypted.data,
                time: Date.now(),
            }));
            el('messageInput').value = '';
        }

        function loadMore() {
            state.limit += 50;
            state.ws.send(JSON.stringify({ type: 'load_more', roomId: state.roomId, limit: state.limit }));
        }

        el('messageInput').addEventListener('keypress', e => { if (e.key === 'Enter') sendMessage(); });
    </script>
</body>
</html>`
