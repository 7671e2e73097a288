// Package mqtttest is minimal in-process MQTT 3.1.1 broker for tests.
// QoS 0 and 1 only, no retain, no persistent sessions.
// Hooks see every CONNECT and PUBLISH and may answer through Session.
package mqtttest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/log2"
	"github.com/temoto/alive/v2"
)

const readTimeout = 30 * time.Second

var ErrNoSubscribers = fmt.Errorf("no subscribers")

// ConnectFunc returns CONNACK code, packet.ConnectionAccepted lets client in.
type ConnectFunc func(pkt *packet.Connect) packet.ConnackCode

// PublishFunc is called before PUBACK.
type PublishFunc func(s *Session, msg *packet.Message)

type Broker struct {
	OnConnect ConnectFunc
	OnPublish PublishFunc

	alive    *alive.Alive
	log      *log2.Log
	ns       *transport.NetServer
	mu       sync.Mutex
	sessions map[string]*Session
	messages []*packet.Message
	connects []*packet.Connect
}

type Session struct {
	ClientID string
	Username string
	Password string

	conn transport.Conn
	mu   sync.Mutex
	subs *topic.Tree // pattern -> pattern
}

// New starts broker on random localhost port, stopped by t.Cleanup.
func New(t testing.TB) *Broker {
	log := log2.NewTest(t, log2.LDebug)
	log.SetPrefix("broker: ")
	b, err := Listen(log, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mqtttest listen err=%v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Logf("mqtttest close err=%v", err)
		}
	})
	return b
}

func Listen(log *log2.Log, addr string) (*Broker, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "net.Listen address=%s", addr)
	}
	b := &Broker{
		alive:    alive.NewAlive(),
		log:      log,
		ns:       transport.NewNetServer(ln),
		sessions: make(map[string]*Session),
	}
	b.alive.Add(1)
	go b.acceptLoop()
	return b, nil
}

func (b *Broker) Addr() string { return b.ns.Addr().String() }

// URL in paho broker format.
func (b *Broker) URL() string { return "tcp://" + b.Addr() }

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := []error{errors.Annotate(b.ns.Close(), "listener close")}
	b.DropAll()
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

// DropAll closes every client connection without DISCONNECT.
func (b *Broker) DropAll() {
	helpers.WithLock(&b.mu, func() {
		for id, s := range b.sessions {
			b.log.Debugf("drop client=%s", id)
			_ = s.conn.Close()
		}
	})
}

func (b *Broker) Session(clientID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[clientID]
}

// Messages returns copy of all published messages, in receive order.
func (b *Broker) Messages() []*packet.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packet.Message(nil), b.messages...)
}

// Connects returns all CONNECT packets, including rejected.
func (b *Broker) Connects() []*packet.Connect {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*packet.Connect(nil), b.connects...)
}

func (b *Broker) acceptLoop() {
	defer b.alive.Done()
	for {
		conn, err := b.ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Errorf("accept err=%v", err)
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.processConn(conn)
	}
}

func (b *Broker) processConn(conn transport.Conn) {
	defer b.alive.Done()
	defer conn.Close()
	conn.SetReadTimeout(readTimeout)

	s, err := b.handshake(conn)
	if err != nil {
		b.log.Debugf("handshake err=%v", err)
		return
	}
	defer b.detach(s)

	for {
		pkt, err := conn.Receive()
		if err != nil {
			b.log.Debugf("client=%s receive err=%v", s.ClientID, err)
			return
		}
		if err = b.processPacket(s, pkt); err != nil {
			b.log.Debugf("client=%s err=%v", s.ClientID, err)
			return
		}
	}
}

func (b *Broker) handshake(conn transport.Conn) (*Session, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotate(err, "receive connect")
	}
	pc, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Errorf("expected CONNECT, received %s", pkt.String())
	}
	b.mu.Lock()
	b.connects = append(b.connects, pc)
	b.mu.Unlock()

	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	if b.OnConnect != nil {
		connack.ReturnCode = b.OnConnect(pc)
	}
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Annotate(err, "send connack")
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		return nil, errors.Errorf("client=%s rejected code=%s", pc.ClientID, connack.ReturnCode.String())
	}
	b.log.Debugf("CONNECT client=%s username=%s", pc.ClientID, pc.Username)

	s := &Session{
		ClientID: pc.ClientID,
		Username: pc.Username,
		Password: pc.Password,
		conn:     conn,
		subs:     topic.NewStandardTree(),
	}
	b.mu.Lock()
	if ex, ok := b.sessions[s.ClientID]; ok {
		_ = ex.conn.Close()
	}
	b.sessions[s.ClientID] = s
	b.mu.Unlock()
	return s, nil
}

func (b *Broker) detach(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.ClientID] == s {
		delete(b.sessions, s.ClientID)
	}
}

func (b *Broker) processPacket(s *Session, pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		return s.send(packet.NewPingresp())

	case *packet.Subscribe:
		suback := packet.NewSuback()
		suback.ID = pt.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
		for _, sub := range pt.Subscriptions {
			qos := sub.QOS
			if qos > packet.QOSAtLeastOnce {
				qos = packet.QOSAtLeastOnce
			}
			s.subs.Add(sub.Topic, sub.Topic)
			suback.ReturnCodes = append(suback.ReturnCodes, qos)
		}
		return s.send(suback)

	case *packet.Unsubscribe:
		for _, t := range pt.Topics {
			s.subs.Empty(t)
		}
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		return s.send(unsuback)

	case *packet.Publish:
		msg := pt.Message.Copy()
		b.mu.Lock()
		b.messages = append(b.messages, msg)
		b.mu.Unlock()
		if b.OnPublish != nil {
			b.OnPublish(s, msg)
		}
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
			return nil
		case packet.QOSAtLeastOnce:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			return s.send(puback)
		}
		return errors.Errorf("qos %d is not supported", pt.Message.QOS)

	case *packet.Puback:
		return nil

	case *packet.Disconnect:
		return errors.Errorf("disconnect")
	}
	return errors.Errorf("packet is not handled pkt=%s", pkt.String())
}

// Publish sends QoS 0 message to session if any subscription matches.
func (s *Session) Publish(t string, payload []byte) error {
	if len(s.subs.Match(t)) == 0 {
		return errors.Annotatef(ErrNoSubscribers, "client=%s topic=%s", s.ClientID, t)
	}
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: t, Payload: payload}
	return s.send(pub)
}

// Subscribed reports whether topic matches any subscription.
func (s *Session) Subscribed(t string) bool { return len(s.subs.Match(t)) != 0 }

func (s *Session) send(pkt packet.Generic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Annotate(s.conn.Send(pkt, false), "send")
}
