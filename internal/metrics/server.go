/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics is the metrics endpoint (C6): a Unix-domain HTTP/1.1
// server, implemented directly on epoll rather than net/http so the
// listening socket can be added to and removed from the very same
// event set that multiplexes active connections, which is how the
// connection-cap backpressure in §4.6/§5 is expressed.
package metrics

import (
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// connSlots is the bounded connection-cap bitset: bit i set means slot
// i is occupied. The next free slot is the count-trailing-zeros of the
// complement, per §5.
type connSlots struct {
	bits uint64
	cap  int
}

func newConnSlots(capacity int) *connSlots {
	if capacity > 64 {
		capacity = 64
	}
	return &connSlots{cap: capacity}
}

func (s *connSlots) full() bool {
	mask := uint64(1)<<uint(s.cap) - 1
	return s.bits&mask == mask
}

func (s *connSlots) acquire() (int, bool) {
	mask := uint64(1)<<uint(s.cap) - 1
	free := ^s.bits & mask
	if free == 0 {
		return -1, false
	}
	idx := bits.TrailingZeros64(free)
	s.bits |= 1 << uint(idx)
	return idx, true
}

func (s *connSlots) release(idx int) {
	s.bits &^= 1 << uint(idx)
}

// ResourceTable resolves an endpoint to its rendered body and
// content-type, given the live rt-stats ring and servo metadata. It is
// supplied by the engine so the metrics package stays free of
// discipline/clockreg imports. session is an opaque per-connection key
// (the connection's fd) so a streaming resource such as rt-stats.jsonl
// can keep its own read cursor per client rather than a single shared
// one, per §5's per-consumer cursor requirement.
type ResourceTable interface {
	Render(target string, session int) (body []byte, contentType string, lostSamples uint64, err error)
	// SessionClosed releases any per-connection cursor state keyed by
	// session, called when the server closes that connection.
	SessionClosed(session int)
}

type conn struct {
	fd     int
	parser *Parser
	outbuf []byte // pending response bytes not yet flushed
}

// Server is the epoll-driven metrics endpoint.
type Server struct {
	socketPath string
	uid, gid   int
	resources  ResourceTable
	productVer string

	listenFd int
	epfd     int
	slots    *connSlots
	conns    map[int]*conn // fd -> conn
	slotOf   map[int]int   // fd -> slot index

	listenerArmed bool
}

// NewServer creates (but does not start) a metrics server bound to
// socketPath with at most maxConns concurrent connections.
func NewServer(socketPath string, uid, gid, maxConns int, resources ResourceTable, productVersion string) *Server {
	return &Server{
		socketPath: socketPath,
		uid:        uid,
		gid:        gid,
		resources:  resources,
		productVer: productVersion,
		slots:      newConnSlots(maxConns),
		conns:      map[int]*conn{},
		slotOf:     map[int]int{},
	}
}

// Start creates the listening socket and the epoll instance, and arms
// the listener for readability.
func (s *Server) Start() error {
	os.Remove(s.socketPath)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("metrics: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: s.socketPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("metrics: bind: %w", err)
	}
	if err := os.Chown(s.socketPath, s.uid, s.gid); err != nil {
		log.WithError(err).Warn("metrics: could not chown socket")
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return fmt.Errorf("metrics: listen: %w", err)
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("metrics: epoll_create1: %w", err)
	}
	s.listenFd = fd
	s.epfd = epfd
	return s.armListener()
}

func (s *Server) armListener() error {
	if s.listenerArmed {
		return nil
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.listenFd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, s.listenFd, ev); err != nil {
		return fmt.Errorf("metrics: epoll_ctl add listener: %w", err)
	}
	s.listenerArmed = true
	return nil
}

func (s *Server) disarmListener() {
	if !s.listenerArmed {
		return
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, s.listenFd, nil)
	s.listenerArmed = false
}

// Close tears down every connection and the listening socket.
func (s *Server) Close() {
	for fd := range s.conns {
		unix.Close(fd)
	}
	if s.listenFd != 0 {
		unix.Close(s.listenFd)
	}
	if s.epfd != 0 {
		unix.Close(s.epfd)
	}
	os.Remove(s.socketPath)
}

// Poll runs one iteration of the event loop with the given timeout in
// milliseconds, returning the number of events handled. The engine
// calls it in a loop on one goroutine of its own; Poll is not safe for
// concurrent use.
func (s *Server) Poll(timeoutMS int) (int, error) {
	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(s.epfd, events[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("metrics: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		switch {
		case fd == s.listenFd:
			s.acceptLoop()
		default:
			s.handleConn(fd, events[i].Events)
		}
	}
	return n, nil
}

func (s *Server) acceptLoop() {
	for {
		if s.slots.full() {
			s.disarmListener()
			return
		}
		nfd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			return
		}
		idx, ok := s.slots.acquire()
		if !ok {
			unix.Close(nfd)
			return
		}
		s.slotOf[nfd] = idx
		s.conns[nfd] = &conn{fd: nfd, parser: NewParser()}
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}
		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, nfd, ev); err != nil {
			s.closeConn(nfd)
		}
	}
}

func (s *Server) closeConn(fd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
	if idx, ok := s.slotOf[fd]; ok {
		s.slots.release(idx)
		delete(s.slotOf, fd)
	}
	delete(s.conns, fd)
	s.resources.SessionClosed(fd)
	if err := s.armListener(); err != nil {
		log.WithError(err).Error("metrics: failed to re-arm listener after freeing a connection slot")
	}
}

func (s *Server) handleConn(fd int, events uint32) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.closeConn(fd)
		return
	}
	if events&unix.EPOLLIN != 0 {
		var buf [4096]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil && err != unix.EAGAIN {
			s.closeConn(fd)
			return
		}
		if n == 0 {
			s.closeConn(fd)
			return
		}
		c.parser.Feed(buf[:n])
		if c.parser.Done() {
			if c.parser.Err() != nil {
				s.respond(fd, 500, "text/plain", []byte("internal error"), nil)
				s.closeConn(fd)
				return
			}
			s.serve(fd, c)
		}
	}
}

func (s *Server) serve(fd int, c *conn) {
	req := c.parser.Request()
	if req.Method != "GET" && req.Method != "HEAD" {
		s.respond(fd, 500, "text/plain", []byte("unsupported method"), nil)
		s.closeConn(fd)
		return
	}
	if req.HasBody {
		s.respond(fd, 400, "text/plain", []byte("bodies are not accepted"), nil)
		s.closeConn(fd)
		return
	}
	body, contentType, lost, err := s.resources.Render(req.Target, fd)
	if err != nil {
		s.respond(fd, 404, "text/plain", []byte("not found"), nil)
		s.closeConn(fd)
		return
	}
	extra := map[string]string{"X-Sfptpd-Lost-Samples": fmt.Sprintf("%d", lost)}
	if req.Method == "HEAD" {
		body = nil
	}
	if !s.respond(fd, 200, contentType, body, extra) {
		s.closeConn(fd)
		return
	}
	// Reset the parser for the next pipelined request on this
	// connection; the connection itself stays open until the client
	// closes it or a write fails.
	c.parser = NewParser()
}

func (s *Server) respond(fd int, status int, contentType string, body []byte, extraHeaders map[string]string) bool {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&b, "Server: clockd/%s\r\n", s.productVer)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	return writeFull(fd, append([]byte(b.String()), body...))
}

// writeFull issues an unconditional full write, retrying on short
// writes, per the response discipline in §4.6.
func writeFull(fd int, data []byte) bool {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			return false
		}
		data = data[n:]
	}
	return true
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	default:
		return "Internal Server Error"
	}
}
