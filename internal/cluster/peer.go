package cluster

import (
	"net"
	"sync"

	"chatcluster/internal/wire"
)

// peerConn is one internal-port TCP link, either one this replica dialed
// (tracked in Manager.peers, keyed by candidate endpoint, and eligible to
// receive broadcast updates) or one accepted from a peer that dialed us
// (ephemeral, used only to answer its requests). Grounded on
// internal/server/client.go's Client, generalized to the peer protocol.
type peerConn struct {
	endpoint  string
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

const peerSendBuffer = 32

func (m *Manager) newPeerConn(endpoint string, nc net.Conn) *peerConn {
	pc := &peerConn{
		endpoint: endpoint,
		conn:     nc,
		send:     make(chan []byte, peerSendBuffer),
		done:     make(chan struct{}),
	}
	go m.peerWritePump(pc)
	return pc
}

func (pc *peerConn) write(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	select {
	case pc.send <- data:
	default:
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.conn.Close()
	})
}

func (m *Manager) peerWritePump(pc *peerConn) {
	for {
		select {
		case data := <-pc.send:
			if _, err := pc.conn.Write(data); err != nil {
				pc.close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

// peerReadPump blocks the calling goroutine until the connection closes,
// dispatching each frame it scans. Callers run it directly rather than
// spawning another goroutine, since both dialPeer and acceptPeer already
// run on a dedicated goroutine.
func (m *Manager) peerReadPump(pc *peerConn) {
	scanner := wire.NewScanner(pc.conn)
	for scanner.Scan() {
		frame, err := wire.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		m.handlePeerFrame(pc, frame)
	}
	pc.close()
	m.dropPeer(pc.endpoint)
}
