package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

const peerSendBuffer = 1024

var errSlowPeer = errors.New("peer send buffer full")

// peer is one client connection to a routing context.
type peer struct {
	id             string
	clientID       string
	component      string
	routingContext string

	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *logging.ColoredLogger

	out       chan *wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, routingContext, clientID, component string, writeTimeout, pingInterval time.Duration, logger *logging.ColoredLogger) *peer {
	return &peer{
		id:             uuid.NewString(),
		clientID:       clientID,
		component:      component,
		routingContext: routingContext,
		conn:           conn,
		writeTimeout:   writeTimeout,
		pingInterval:   pingInterval,
		logger:         logger,
		out:            make(chan *wire.Frame, peerSendBuffer),
		done:           make(chan struct{}),
	}
}

// send queues f without blocking. A peer that cannot keep up is dropped.
func (p *peer) send(f *wire.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		p.logger.ComponentWarn(logging.ComponentHub, "Dropping slow peer",
			zap.String("peer", p.id),
			zap.String("client_id", p.clientID))
		go p.close(errSlowPeer)
		return false
	}
}

func (p *peer) next(call string, channel wire.Channel, v any) bool {
	f, err := wire.NewFrame(call, wire.FrameNext, channel, v)
	if err != nil {
		p.logger.ComponentError(logging.ComponentHub, "Failed to encode frame",
			zap.String("call", call),
			zap.Error(err))
		return false
	}
	return p.send(f)
}

func (p *peer) complete(call string, channel wire.Channel) bool {
	return p.send(&wire.Frame{Call: call, Kind: wire.FrameComplete, Channel: channel})
}

func (p *peer) fail(call string, channel wire.Channel, msg *wire.ErrorMessage) bool {
	return p.send(&wire.Frame{Call: call, Kind: wire.FrameError, Channel: channel, Error: msg})
}

func (p *peer) requestReconnect() bool {
	return p.send(&wire.Frame{Kind: wire.FrameReconnect})
}

func (p *peer) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *peer) writerLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteJSON(f); err != nil {
				p.close(err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout)); err != nil {
				p.close(err)
				return
			}
		case <-p.done:
			return
		}
	}
}

// readLoop hands every frame to handle until the connection fails.
func (p *peer) readLoop(handle func(*wire.Frame)) error {
	for {
		var f wire.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			p.close(err)
			return err
		}
		handle(&f)
	}
}

func (p *peer) close(reason error) {
	p.closeOnce.Do(func() {
		close(p.done)
		if !errors.Is(reason, errSlowPeer) {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
		_ = p.conn.Close()
	})
}
