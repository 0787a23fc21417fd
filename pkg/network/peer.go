package network

import (
   "context"
   "encoding/binary"
   "errors"
   "fmt"
   "io"
   "net"
   "net/netip"
   "sync"
   "time"

   "github.com/sirupsen/logrus"
   "golang.org/x/net/proxy"

   "github.com/busybox42/aegis-crawler/pkg/protocol"
)

var ErrNotConnected = errors.New("peer not connected")

// MessageHandler is invoked from the peer's read loop for every decoded
// message.
type MessageHandler func(*Peer, *protocol.Message)

// Peer is a framed connection to a single node. Frames are a big-endian
// uint32 length followed by a serialized message; a zero length is a
// keep-alive.
type Peer struct {
   Address    netip.AddrPort
   conn       net.Conn
   mu         sync.Mutex
   handler    MessageHandler
   connected  bool
   lastActive time.Time
   done       chan struct{}
   closeOnce  sync.Once
   log        *logrus.Entry
}

// Dial connects to addr through dialer and starts serving the connection.
// proxy.Direct dials plainly; a SOCKS5 dialer routes through Tor.
func Dial(ctx context.Context, dialer proxy.Dialer, addr netip.AddrPort, handler MessageHandler) (*Peer, error) {
    var (
        conn net.Conn
        err  error
    )
    if cd, ok := dialer.(proxy.ContextDialer); ok {
        conn, err = cd.DialContext(ctx, "tcp", addr.String())
    } else {
        conn, err = dialer.Dial("tcp", addr.String())
    }
    if err != nil {
        return nil, fmt.Errorf("connection failed: %w", err)
    }

    return NewPeer(addr, conn, handler), nil
}

// NewPeer wraps an established connection and starts its read and
// keep-alive loops.
func NewPeer(addr netip.AddrPort, conn net.Conn, handler MessageHandler) *Peer {
   p := &Peer{
       Address:    addr,
       conn:       conn,
       handler:    handler,
       connected:  true,
       lastActive: time.Now(),
       done:       make(chan struct{}),
       log:        logrus.WithField("peer", addr),
   }

   go p.readLoop()
   go p.keepAlive()

   return p
}

// Close tears the connection down. It is safe to call more than once.
func (p *Peer) Close() error {
   var err error
   p.closeOnce.Do(func() {
       p.mu.Lock()
       p.connected = false
       p.mu.Unlock()

       close(p.done)
       err = p.conn.Close()
       p.log.Debug("Disconnected from peer")
   })
   return err
}

// Done is closed once the connection is gone.
func (p *Peer) Done() <-chan struct{} {
   return p.done
}

func (p *Peer) IsConnected() bool {
   p.mu.Lock()
   defer p.mu.Unlock()
   return p.connected
}

func (p *Peer) LastActive() time.Time {
   p.mu.Lock()
   defer p.mu.Unlock()
   return p.lastActive
}

func (p *Peer) Send(msg *protocol.Message) error {
    data, err := msg.Serialize()
    if err != nil {
        return fmt.Errorf("serialization error: %w", err)
    }
    if len(data) > maxMsgSize {
        return fmt.Errorf("message of %d bytes exceeds limit", len(data))
    }

    p.mu.Lock()
    defer p.mu.Unlock()

    if !p.connected {
        return ErrNotConnected
    }

    if err := p.writeFrame(data); err != nil {
        return err
    }

    p.lastActive = time.Now()
    return nil
}

// writeFrame must be called with p.mu held.
func (p *Peer) writeFrame(data []byte) error {
    p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
    if err := binary.Write(p.conn, binary.BigEndian, uint32(len(data))); err != nil {
        return fmt.Errorf("failed to write message length: %w", err)
    }
    if len(data) == 0 {
        return nil
    }
    if _, err := p.conn.Write(data); err != nil {
        return fmt.Errorf("failed to write message: %w", err)
    }
    return nil
}

func (p *Peer) updateLastActive() {
   p.mu.Lock()
   defer p.mu.Unlock()
   p.lastActive = time.Now()
}

func (p *Peer) readLoop() {
    defer p.Close()

    for {
        var msgLen uint32
        if err := binary.Read(p.conn, binary.BigEndian, &msgLen); err != nil {
            if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
                p.log.WithError(err).Debug("Read failed")
            }
            return
        }

        if msgLen == 0 {
            p.updateLastActive()
            continue
        }

        if msgLen > maxMsgSize {
            p.log.Warnf("Dropping peer sending %d byte frame", msgLen)
            return
        }

        msgData := make([]byte, msgLen)
        if _, err := io.ReadFull(p.conn, msgData); err != nil {
            return
        }
        p.updateLastActive()

        msg, err := protocol.DeserializeMessage(msgData)
        if err != nil {
            p.log.WithError(err).Debug("Ignoring malformed message")
            continue
        }

        if p.handler != nil {
            p.handler(p, msg)
        }
    }
}

func (p *Peer) keepAlive() {
    ticker := time.NewTicker(keepAliveInterval)
    defer ticker.Stop()

    for {
        select {
        case <-p.done:
            return
        case <-ticker.C:
            p.mu.Lock()
            err := p.writeFrame(nil)
            p.mu.Unlock()
            if err != nil {
                p.Close()
                return
            }
        }
    }
}
