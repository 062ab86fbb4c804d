package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/richinsley/gorenderbridge/protocol"
	"golang.org/x/sync/errgroup"
)

const bridgeParam = "bridge"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

type listener struct {
	ln    net.Listener
	srv   *http.Server
	conns chan *websocket.Conn
}

// Hub holds one loopback listener per channel until the worker has connected
// to all of them.
type Hub struct {
	id        string
	log       *slog.Logger
	listeners map[protocol.Channel]*listener
}

// Listen opens a listener for every channel. Only clients presenting the
// bridge id are accepted.
func Listen(id string, channels []protocol.Channel, log *slog.Logger) (*Hub, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{id: id, log: log, listeners: make(map[protocol.Channel]*listener)}
	for _, ch := range channels {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
		l := &listener{ln: ln, conns: make(chan *websocket.Conn, 1)}
		l.srv = &http.Server{Handler: h.handler(ch, l)}
		h.listeners[ch] = l
		go l.srv.Serve(ln)
	}
	return h, nil
}

func (h *Hub) handler(ch protocol.Channel, l *listener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+string(ch) || r.URL.Query().Get(bridgeParam) != h.id {
			http.Error(w, "unknown bridge", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("upgrade failed", "channel", string(ch), "err", err)
			return
		}
		select {
		case l.conns <- ws:
		default:
			h.log.Warn("channel already connected", "channel", string(ch))
			ws.Close()
		}
	})
}

// Addresses returns the host:port of every channel listener.
func (h *Hub) Addresses() map[protocol.Channel]string {
	addrs := make(map[protocol.Channel]string, len(h.listeners))
	for ch, l := range h.listeners {
		addrs[ch] = l.ln.Addr().String()
	}
	return addrs
}

// Accept waits until the worker has connected on every channel, then stops
// listening.
func (h *Hub) Accept(ctx context.Context) (Set, error) {
	var mu sync.Mutex
	set := make(Set, len(h.listeners))
	g, ctx := errgroup.WithContext(ctx)
	for ch, l := range h.listeners {
		g.Go(func() error {
			select {
			case ws := <-l.conns:
				mu.Lock()
				set[ch] = newConn(ch, ws, h.log)
				mu.Unlock()
				return nil
			case <-ctx.Done():
				return fmt.Errorf("channel %s: worker did not connect: %w", ch, ctx.Err())
			}
		})
	}
	err := g.Wait()
	h.Close()
	if err != nil {
		set.Close()
		return nil, err
	}
	return set, nil
}

// Close stops every listener. Accepted connections are not affected.
func (h *Hub) Close() error {
	var errs []error
	for _, l := range h.listeners {
		if err := l.srv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dial connects to one channel listener.
func Dial(ctx context.Context, id string, ch protocol.Channel, addr string, log *slog.Logger) (*Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/" + string(ch),
		RawQuery: url.Values{bridgeParam: {id}}.Encode(),
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ch, err)
	}
	return newConn(ch, ws, log), nil
}

// DialAll connects to every channel in addrs.
func DialAll(ctx context.Context, id string, addrs map[protocol.Channel]string, log *slog.Logger) (Set, error) {
	var mu sync.Mutex
	set := make(Set, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	for ch, addr := range addrs {
		g.Go(func() error {
			c, err := Dial(ctx, id, ch, addr, log)
			if err != nil {
				return err
			}
			mu.Lock()
			set[ch] = c
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		set.Close()
		return nil, err
	}
	return set, nil
}
