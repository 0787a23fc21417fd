// pkg/network/peer_test.go
package network

import (
    "context"
    "encoding/binary"
    "net"
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "golang.org/x/net/proxy"

    "github.com/busybox42/aegis-crawler/pkg/crypto"
    "github.com/busybox42/aegis-crawler/pkg/protocol"
)

func listen(t *testing.T) (net.Listener, netip.AddrPort) {
    t.Helper()
    listener, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    t.Cleanup(func() { listener.Close() })
    return listener, listener.Addr().(*net.TCPAddr).AddrPort()
}

func TestPeerSendReceive(t *testing.T) {
    listener, addr := listen(t)
    kp, _ := crypto.GenerateKeyPair()

    received := make(chan *protocol.Message, 1)
    accepted := make(chan *Peer, 1)
    go func() {
        conn, err := listener.Accept()
        if err != nil {
            return
        }
        remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
        accepted <- NewPeer(remote, conn, func(_ *Peer, msg *protocol.Message) {
            received <- msg
        })
    }()

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    sender, err := Dial(ctx, proxy.Direct, addr, nil)
    require.NoError(t, err)
    defer sender.Close()
    require.True(t, sender.IsConnected())

    server := <-accepted
    defer server.Close()

    msg := protocol.NewPing(kp.PublicKey, protocol.Client, 3, protocol.Ready, 42, 4132)
    require.NoError(t, msg.Sign(kp.PrivateKey))
    require.NoError(t, sender.Send(msg))

    select {
    case got := <-received:
        require.True(t, got.Verify())
        require.Equal(t, uint32(42), got.Height)
    case <-time.After(time.Second):
        t.Fatal("Timeout waiting for message")
    }
}

func TestDialFailure(t *testing.T) {
    listener, addr := listen(t)
    listener.Close()

    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()

    _, err := Dial(ctx, proxy.Direct, addr, nil)
    require.Error(t, err)
}

func TestPeerClose(t *testing.T) {
    listener, addr := listen(t)
    go func() {
        conn, err := listener.Accept()
        if err == nil {
            defer conn.Close()
            time.Sleep(time.Second)
        }
    }()

    peer, err := Dial(context.Background(), proxy.Direct, addr, nil)
    require.NoError(t, err)

    require.NoError(t, peer.Close())
    require.NoError(t, peer.Close(), "second close should be a no-op")
    require.False(t, peer.IsConnected())

    select {
    case <-peer.Done():
    default:
        t.Fatal("Done should be closed")
    }

    err = peer.Send(protocol.NewMessage(protocol.GetPeers, nil))
    require.ErrorIs(t, err, ErrNotConnected)
}

func TestOversizedFrameDropsPeer(t *testing.T) {
    listener, addr := listen(t)
    go func() {
        conn, err := listener.Accept()
        if err != nil {
            return
        }
        defer conn.Close()
        binary.Write(conn, binary.BigEndian, uint32(maxMsgSize+1))
        time.Sleep(time.Second)
    }()

    peer, err := Dial(context.Background(), proxy.Direct, addr, nil)
    require.NoError(t, err)

    select {
    case <-peer.Done():
    case <-time.After(time.Second):
        t.Fatal("Peer should have been dropped")
    }
}

func TestRemoteHangupClosesPeer(t *testing.T) {
    listener, addr := listen(t)
    go func() {
        conn, err := listener.Accept()
        if err == nil {
            conn.Close()
        }
    }()

    peer, err := Dial(context.Background(), proxy.Direct, addr, nil)
    require.NoError(t, err)

    select {
    case <-peer.Done():
        require.False(t, peer.IsConnected())
    case <-time.After(time.Second):
        t.Fatal("Peer should notice the remote hang up")
    }
}
