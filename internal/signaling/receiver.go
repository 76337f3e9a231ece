package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

// maxFrameSize caps a single relay frame. A non-trickle SDP with a full
// candidate set stays well below this.
const maxFrameSize = 1 << 20

// receiver reads relay frames from one WebSocket and hands each decoded
// frame to handle, in receipt order.
type receiver struct {
	conn   *websocket.Conn
	handle func(message)
}

func newReceiver(conn *websocket.Conn, handle func(message)) *receiver {
	conn.SetReadLimit(maxFrameSize)
	return &receiver{conn: conn, handle: handle}
}

// watch blocks until the connection fails. Frames that are not valid JSON
// are logged and skipped; only transport errors end the loop.
func (r *receiver) watch() error {
	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read relay frame: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("dropping malformed relay frame: %v", err)
			continue
		}
		r.handle(msg)
	}
}
