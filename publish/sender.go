// Package publish fans out solved positions to downstream consumers: a
// WebSocket broadcast hub for live viewers and an optional UDP/TCP sender
// for fixed downstream integrations, adapted from the teacher's rbc
// fan-out sender.
package publish

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sendMessage is one JSON-framed outbound record plus its target flag mask.
type sendMessage struct {
	data []byte
	flag uint32
}

type udpTarget struct {
	addr *net.UDPAddr
	flag uint32
}

type tcpClient struct {
	addr    string
	flag    uint32
	queue   chan *sendMessage
	running bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// Sender fans out JSON position records to registered UDP targets and
// persistent-reconnect TCP clients, each gated by a bitmask flag.
type Sender struct {
	log        zerolog.Logger
	udpTargets []*udpTarget
	tcpClients []*tcpClient
	connUDP    *net.UDPConn
	running    bool
}

// NewSender constructs an empty Sender; register targets with AddUDPTarget
// / AddTCPTarget before calling Start.
func NewSender(log zerolog.Logger) *Sender {
	return &Sender{log: log.With().Str("component", "publish.sender").Logger()}
}

// AddUDPTarget registers a UDP destination gated by flag.
func (s *Sender) AddUDPTarget(addr string, flag uint32) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.udpTargets = append(s.udpTargets, &udpTarget{addr: uaddr, flag: flag})
	return nil
}

// AddTCPTarget registers a TCP destination gated by flag. The connection is
// established lazily and retried on write failure.
func (s *Sender) AddTCPTarget(addr string, flag uint32) {
	s.tcpClients = append(s.tcpClients, &tcpClient{
		addr:  addr,
		flag:  flag,
		queue: make(chan *sendMessage, 1000),
		log:   s.log,
	})
}

// Start opens the shared UDP socket and begins all TCP client loops.
func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.connUDP = conn
	s.running = true
	for _, c := range s.tcpClients {
		c.start()
	}
	return nil
}

// Stop closes the UDP socket and stops every TCP client; messages still
// queued for a TCP client are discarded, not sent.
func (s *Sender) Stop() {
	s.running = false
	if s.connUDP != nil {
		s.connUDP.Close()
	}
	for _, c := range s.tcpClients {
		c.stop()
	}
}

// Send fans out data (a JSON-encoded position record) to every target whose
// flag mask matches.
func (s *Sender) Send(data []byte, flag uint32) {
	if !s.running {
		return
	}
	msg := &sendMessage{data: data, flag: flag}

	for _, t := range s.udpTargets {
		if (t.flag & flag) == flag {
			if _, err := s.connUDP.WriteToUDP(data, t.addr); err != nil {
				s.log.Debug().Err(err).Str("addr", t.addr.String()).Msg("udp send failed")
			}
		}
	}

	for _, c := range s.tcpClients {
		if (c.flag & flag) == flag {
			select {
			case c.queue <- msg:
			default:
				s.log.Debug().Str("addr", c.addr).Msg("tcp queue full, dropping")
			}
		}
	}
}

func (c *tcpClient) start() {
	c.running = true
	c.wg.Add(1)
	go c.loop()
}

func (c *tcpClient) stop() {
	c.running = false
	close(c.queue)
	c.wg.Wait()
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn

	connect := func() bool {
		if conn != nil {
			return true
		}
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, 2*time.Second)
		if err != nil {
			c.log.Debug().Err(err).Str("addr", c.addr).Msg("tcp dial failed")
			return false
		}
		return true
	}

	for msg := range c.queue {
		if !c.running {
			break
		}
		if !connect() {
			time.Sleep(500 * time.Millisecond)
			if !connect() {
				continue
			}
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(msg.data); err != nil {
			c.log.Warn().Err(err).Str("addr", c.addr).Msg("tcp write failed")
			conn.Close()
			conn = nil
			time.Sleep(100 * time.Millisecond)
		}
	}
	if conn != nil {
		conn.Close()
	}
}
