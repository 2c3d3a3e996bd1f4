package rendezvous

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"signalhub/protocol"
)

// frameConn carries whole protocol messages over a stream.
type frameConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	RemoteAddr() netip.AddrPort
	Close() error
}

type tcpFrameConn struct {
	conn   net.Conn
	reader *bufio.Reader
	addr   netip.AddrPort
	idle   time.Duration
	wmu    sync.Mutex
}

func newTCPFrameConn(conn net.Conn, idle time.Duration) *tcpFrameConn {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &tcpFrameConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		addr:   addrPortOf(conn.RemoteAddr()),
		idle:   idle,
	}
}

func (c *tcpFrameConn) ReadMessage(context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return nil, err
	}
	return protocol.ReadFrame(c.reader)
}

func (c *tcpFrameConn) WriteMessage(_ context.Context, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.idle)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, payload)
}

func (c *tcpFrameConn) RemoteAddr() netip.AddrPort { return c.addr }

func (c *tcpFrameConn) Close() error { return c.conn.Close() }

// wsFrameConn maps one binary WebSocket message to one protocol message.
type wsFrameConn struct {
	conn *websocket.Conn
	addr netip.AddrPort
	idle time.Duration
}

func (c *wsFrameConn) ReadMessage(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.idle)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsFrameConn) WriteMessage(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.idle)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (c *wsFrameConn) RemoteAddr() netip.AddrPort { return c.addr }

func (c *wsFrameConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	case nil:
		return netip.AddrPort{}
	default:
		parsed, _ := netip.ParseAddrPort(a.String())
		return parsed
	}
}

// wsHandler upgrades every request on the WebSocket port.
func (s *Server) wsHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.WSOrigins})
		if err != nil {
			s.log().Debug("websocket upgrade failed", slog.String("addr", r.RemoteAddr), slog.Any("error", err))
			return
		}
		conn.SetReadLimit(protocol.MaxFrameSize)
		addr, _ := netip.ParseAddrPort(r.RemoteAddr)
		s.serveStream(ctx, &wsFrameConn{conn: conn, addr: addr, idle: s.cfg.StreamIdleTimeout}, TransportWS)
	})
}

// serveStream reads messages until the peer goes quiet for the idle timeout,
// closes the stream, or the server stops.
func (s *Server) serveStream(ctx context.Context, fc frameConn, transport Transport) {
	if !s.trackStream(fc) {
		_ = fc.Close()
		return
	}
	addr := fc.RemoteAddr()
	defer func() {
		s.untrackStream(fc)
		s.handler.dropSink(addr)
		_ = fc.Close()
	}()

	sink := func(msg protocol.Message) error {
		payload, err := protocol.Marshal(msg)
		if err != nil {
			return err
		}
		return fc.WriteMessage(ctx, payload)
	}
	for {
		data, err := fc.ReadMessage(ctx)
		if err != nil {
			if !isQuietClose(err) {
				s.log().Debug("stream closed",
					slog.String("transport", string(transport)),
					slog.String("addr", addr.String()),
					slog.Any("error", err))
			}
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			s.log().Debug("undecodable stream message",
				slog.String("transport", string(transport)),
				slog.String("addr", addr.String()),
				slog.Any("error", err))
			continue
		}
		for _, reply := range s.handler.Handle(ctx, Inbound{Transport: transport, Addr: addr, Msg: msg, Sink: sink}) {
			if err := sink(reply); err != nil {
				return
			}
		}
	}
}

func isQuietClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return websocket.CloseStatus(err) != -1
}

func (s *Server) trackStream(fc frameConn) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streamsClosed {
		return false
	}
	s.streams[fc] = struct{}{}
	s.streamWG.Add(1)
	return true
}

func (s *Server) untrackStream(fc frameConn) {
	s.streamsMu.Lock()
	if _, ok := s.streams[fc]; ok {
		delete(s.streams, fc)
		s.streamWG.Done()
	}
	s.streamsMu.Unlock()
}

// closeStreams closes every open stream and waits for their goroutines.
func (s *Server) closeStreams() {
	s.streamsMu.Lock()
	s.streamsClosed = true
	open := make([]frameConn, 0, len(s.streams))
	for fc := range s.streams {
		open = append(open, fc)
	}
	s.streamsMu.Unlock()
	for _, fc := range open {
		_ = fc.Close()
	}
	s.streamWG.Wait()
}
