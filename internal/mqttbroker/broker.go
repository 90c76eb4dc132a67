// Package mqttbroker implements the minimal MQTT v3.1.1 broker scanners at
// the edge publish their advertisement reports to. QoS 0 only: a lost report
// is cheap, the next advertisement is milliseconds away.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	filtersMu sync.RWMutex
	filters   map[string]struct{}
	clientID  string
	closed    atomic.Bool
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

// subscribed is called from other clients' goroutines while the session's
// own goroutine mutates the filter set, hence the lock.
func (c *session) subscribed(topic string) bool {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	for filter := range c.filters {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *session) subscribe(filter string) {
	c.filtersMu.Lock()
	c.filters[filter] = struct{}{}
	c.filtersMu.Unlock()
}

func (c *session) unsubscribe(filter string) {
	c.filtersMu.Lock()
	delete(c.filters, filter)
	c.filtersMu.Unlock()
}

func (c *session) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts scanner connections and fans received publishes out to the
// ingestion handler and to any subscribed monitor clients.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			sess := newSession(conn)
			b.addSession(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serveSession(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener address, useful when binding to an ephemeral port.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for sess := range b.sessions {
		sess.closed.Store(true)
		_ = sess.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a QoS 0 message to all clients subscribed to the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if sess.subscribed(topic) {
			if err := sess.writePacket(packet); err != nil {
				b.logger.Warn("publish to subscriber failed", "client", sess.clientID, "error", err)
			}
		}
	}
	return nil
}

func (b *Broker) addSession(sess *session) {
	b.sessionsMu.Lock()
	b.sessions[sess] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) removeSession(sess *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, sess)
	b.sessionsMu.Unlock()
}

func (b *Broker) serveSession(sess *session) {
	defer func() {
		sess.closed.Store(true)
		b.removeSession(sess)
		_ = sess.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, err := sess.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(sess.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(sess.reader, body); err != nil {
			b.logger.Debug("read packet body error", "error", err)
			return
		}

		switch header >> 4 {
		case packetConnect:
			if err := b.handleConnect(sess, body); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = sess.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				invokeHandler(h, ctx, msg, b.logger)
			}
			b.forwardToSubscribers(msg.Topic, msg.Payload, sess)
		case packetSubscribe:
			if err := b.handleSubscribe(sess, body); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(sess, body); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case packetPingReq:
			if err := sess.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", header>>4)
			return
		}
	}
}

func (b *Broker) handleConnect(sess *session, body []byte) error {
	rd := packetReader(body)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// No auth, wills, or persistent sessions.
	if flags&^byte(1<<1) != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	sess.clientID = clientID

	if err := sess.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("client connected", "client", clientID)
	return nil
}

func (b *Broker) handleSubscribe(sess *session, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	filters := make([]string, 0, 1)
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return fmt.Errorf("unsupported qos %d", qos)
		}
		sess.subscribe(filter)
		filters = append(filters, filter)
	}

	packet, err := buildSubAck(packetID, len(filters))
	if err != nil {
		return err
	}
	return sess.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(sess *session, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		sess.unsubscribe(filter)
	}

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return sess.writePacket(packet)
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *session) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if sess == exclude {
			continue
		}
		if sess.subscribed(topic) {
			if err := sess.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", sess.clientID, "error", err)
			}
		}
	}
}

func invokeHandler(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
