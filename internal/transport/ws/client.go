package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
)

// ErrClosed is returned by Client.Submit after the connection drops.
var ErrClosed = errors.New("ws: connection closed")

// Client submits changesets over one websocket connection and matches
// RESULT messages back to callers by changeset id.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Result
	errs    chan protocol.ErrorMsg
	closed  bool
	done    chan struct{}
}

// Dial connects to a ws:// or wss:// submission endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: map[string]chan protocol.Result{},
		errs:    make(chan protocol.ErrorMsg, 8),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Errors delivers ERROR messages the server sent for unparseable frames.
// Old messages are dropped if nobody reads them.
func (c *Client) Errors() <-chan protocol.ErrorMsg { return c.errs }

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) Submit(ctx context.Context, cs changeset.Changeset) (protocol.Result, error) {
	if strings.TrimSpace(cs.ID) == "" {
		cs.ID = uuid.NewString()
	}
	ch := make(chan protocol.Result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Result{}, ErrClosed
	}
	if _, dup := c.pending[cs.ID]; dup {
		c.mu.Unlock()
		return protocol.Result{}, fmt.Errorf("ws: changeset %s already in flight", cs.ID)
	}
	c.pending[cs.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cs.ID)
		c.mu.Unlock()
	}()

	b, err := json.Marshal(protocol.SubmitMsg{Type: protocol.TypeSubmit, ProtocolVersion: protocol.Version, Changeset: cs})
	if err != nil {
		return protocol.Result{}, err
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = c.conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Result{}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.Result{}, ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeResult:
			var rm protocol.ResultMsg
			if err := json.Unmarshal(msg, &rm); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[rm.Result.ChangesetID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- rm.Result:
				default:
				}
			}
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if err := json.Unmarshal(msg, &em); err != nil {
				continue
			}
			select {
			case c.errs <- em:
			default:
			}
		}
	}
}
