package transport

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mindfulent/memoryengine/internal/dispatcher"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket serves d over addr: one text frame in, one text frame out,
// the same JSON envelope as the stdio transport. It shares d's
// circuit-breaker and health state with any concurrent stdio session.
func WebSocket(ctx context.Context, d *dispatcher.Dispatcher, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		serveConn(ctx, d, w, r)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	log.Printf("[TRANSPORT] websocket listener starting on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveConn(ctx context.Context, d *dispatcher.Dispatcher, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TRANSPORT] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		response := d.Dispatch(ctx, string(payload))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(response)); err != nil {
			log.Printf("[TRANSPORT] websocket write failed: %v", err)
			return
		}
	}
}
