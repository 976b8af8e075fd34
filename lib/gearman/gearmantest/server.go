// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gearmantest provides an in-process Gearman job server for
// tests. It implements the subset of the protocol gearbridge speaks:
// ability registration, grabbing with and without unique ids, sleep
// and wake-up, job progress, and client submission.
package gearmantest

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/bureau-foundation/gearbridge/lib/gearman"
)

// Server is a minimal job server listening on a loopback port.
type Server struct {
	listener net.Listener

	mu         sync.Mutex
	peers      map[*peer]struct{}
	queue      []*job
	running    map[string]*job
	nextHandle int
	closed     bool

	wg sync.WaitGroup
}

type peer struct {
	conn      *gearman.Conn
	clientID  string
	abilities map[string]struct{}
	sleeping  bool
}

type job struct {
	sequence int
	handle   string
	function string
	unique   string
	data     []byte

	// Exactly one of client and submission is set.
	client     *peer
	submission *Submission

	worker *peer
}

type outgoing struct {
	to     *peer
	packet gearman.Packet
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gearmantest: listen: %v", err)
	}
	server := &Server{
		listener: listener,
		peers:    make(map[*peer]struct{}),
		running:  make(map[string]*job),
	}
	server.wg.Add(1)
	go server.acceptLoop()
	t.Cleanup(server.Close)
	return server
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting, drops every connection, and waits for the
// connection goroutines to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open connection while leaving the
// listener up, the way a broker restart looks to a worker.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// WorkerIDs returns the client ids announced by open connections,
// sorted. Connections that never sent SET_CLIENT_ID are omitted.
func (s *Server) WorkerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for p := range s.peers {
		if p.clientID != "" {
			ids = append(ids, p.clientID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Functions returns the abilities currently registered by the open
// connection announcing workerID, sorted. ok is false when no such
// connection exists.
func (s *Server) Functions(workerID string) (functions []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		if p.clientID != workerID {
			continue
		}
		functions = make([]string, 0, len(p.abilities))
		for name := range p.abilities {
			functions = append(functions, name)
		}
		sort.Strings(functions)
		return functions, true
	}
	return nil, false
}

// Submission tracks a job submitted through Server.Submit.
type Submission struct {
	Handle string

	updates chan gearman.Update
	result  chan gearman.Result
}

// Updates delivers WORK_DATA, WORK_WARNING, and WORK_STATUS packets
// in arrival order.
func (s *Submission) Updates() <-chan gearman.Update { return s.updates }

// Result delivers the terminal outcome exactly once.
func (s *Submission) Result() <-chan gearman.Result { return s.result }

// Submit queues a job as if a client had sent SUBMIT_JOB, waking any
// sleeping worker able to run it.
func (s *Server) Submit(function, uniqueID string, data []byte) *Submission {
	submission := &Submission{
		updates: make(chan gearman.Update, 256),
		result:  make(chan gearman.Result, 1),
	}
	s.mu.Lock()
	queued := s.enqueue(function, uniqueID, data)
	queued.submission = submission
	submission.Handle = queued.handle
	wakes := s.wakeSleepers(function)
	s.mu.Unlock()
	s.send(wakes)
	return submission
}

// QueueLength returns the number of jobs not yet grabbed.
func (s *Server) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		p := &peer{conn: gearman.NewConn(netConn), abilities: make(map[string]struct{})}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			netConn.Close()
			return
		}
		s.peers[p] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(p)
	}
}

func (s *Server) serve(p *peer) {
	defer s.wg.Done()
	defer s.disconnect(p)
	for {
		packet, err := p.conn.ReadPacket()
		if err != nil {
			return
		}
		s.mu.Lock()
		out := s.handle(p, packet)
		s.mu.Unlock()
		s.send(out)
	}
}

func (s *Server) send(out []outgoing) {
	for _, o := range out {
		// Write failures surface as a read failure on that peer.
		_ = o.to.conn.WritePacket(o.packet)
	}
}

// disconnect removes p and requeues any job it was running.
func (s *Server) disconnect(p *peer) {
	p.conn.Close()
	s.mu.Lock()
	delete(s.peers, p)
	var requeued []*job
	for handle, running := range s.running {
		if running.worker == p {
			running.worker = nil
			delete(s.running, handle)
			requeued = append(requeued, running)
		}
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].sequence < requeued[j].sequence })
	s.queue = append(requeued, s.queue...)
	var wakes []outgoing
	for _, j := range requeued {
		wakes = append(wakes, s.wakeSleepers(j.function)...)
	}
	s.mu.Unlock()
	s.send(wakes)
}

func (s *Server) enqueue(function, uniqueID string, data []byte) *job {
	s.nextHandle++
	queued := &job{
		sequence: s.nextHandle,
		handle:   "H:gearmantest:" + strconv.Itoa(s.nextHandle),
		function: function,
		unique:   uniqueID,
		data:     data,
	}
	s.queue = append(s.queue, queued)
	return queued
}

func (s *Server) wakeSleepers(function string) []outgoing {
	var out []outgoing
	for p := range s.peers {
		if _, ok := p.abilities[function]; ok && p.sleeping {
			p.sleeping = false
			out = append(out, outgoing{p, gearman.NewResponse(gearman.Noop)})
		}
	}
	return out
}

func (s *Server) hasWorkFor(p *peer) bool {
	for _, queued := range s.queue {
		if _, ok := p.abilities[queued.function]; ok {
			return true
		}
	}
	return false
}

func (s *Server) handle(p *peer, packet gearman.Packet) []outgoing {
	reply := func(packetType gearman.PacketType, args ...[]byte) []outgoing {
		return []outgoing{{p, gearman.NewResponse(packetType, args...)}}
	}

	switch packet.Type {
	case gearman.SetClientID:
		p.clientID = string(packet.Arg(0))
	case gearman.CanDo:
		p.abilities[string(packet.Arg(0))] = struct{}{}
		if p.sleeping && s.hasWorkFor(p) {
			p.sleeping = false
			return reply(gearman.Noop)
		}
	case gearman.CantDo:
		delete(p.abilities, string(packet.Arg(0)))
	case gearman.ResetAbilities:
		p.abilities = make(map[string]struct{})
	case gearman.PreSleep:
		if s.hasWorkFor(p) {
			return reply(gearman.Noop)
		}
		p.sleeping = true
	case gearman.GrabJob, gearman.GrabJobUniq:
		p.sleeping = false
		for i, queued := range s.queue {
			if _, ok := p.abilities[queued.function]; !ok {
				continue
			}
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			queued.worker = p
			s.running[queued.handle] = queued
			if packet.Type == gearman.GrabJobUniq {
				return reply(gearman.JobAssignUniq, []byte(queued.handle), []byte(queued.function), []byte(queued.unique), queued.data)
			}
			return reply(gearman.JobAssign, []byte(queued.handle), []byte(queued.function), queued.data)
		}
		return reply(gearman.NoJob)
	case gearman.SubmitJob:
		queued := s.enqueue(string(packet.Arg(0)), string(packet.Arg(1)), packet.Arg(2))
		queued.client = p
		out := reply(gearman.JobCreated, []byte(queued.handle))
		return append(out, s.wakeSleepers(queued.function)...)
	case gearman.WorkData, gearman.WorkWarning, gearman.WorkStatus:
		running, ok := s.running[string(packet.Arg(0))]
		if !ok {
			return nil
		}
		return s.forwardProgress(running, packet)
	case gearman.WorkComplete, gearman.WorkFail, gearman.WorkException:
		running, ok := s.running[string(packet.Arg(0))]
		if !ok {
			return nil
		}
		delete(s.running, running.handle)
		return s.forwardResult(running, packet)
	case gearman.EchoReq:
		return reply(gearman.EchoRes, packet.Arg(0))
	default:
		return reply(gearman.Error, []byte("unsupported"), []byte(packet.Type.String()))
	}
	return nil
}

func (s *Server) forwardProgress(running *job, packet gearman.Packet) []outgoing {
	if running.client != nil {
		return []outgoing{{running.client, gearman.NewResponse(packet.Type, packet.Args...)}}
	}
	update := gearman.Update{Type: packet.Type, Data: packet.Arg(1)}
	if packet.Type == gearman.WorkStatus {
		update.Data = nil
		update.Numerator, _ = strconv.ParseInt(string(packet.Arg(1)), 10, 64)
		update.Denominator, _ = strconv.ParseInt(string(packet.Arg(2)), 10, 64)
	}
	select {
	case running.submission.updates <- update:
	default:
	}
	return nil
}

func (s *Server) forwardResult(running *job, packet gearman.Packet) []outgoing {
	if running.client != nil {
		if _, connected := s.peers[running.client]; !connected {
			return nil
		}
		return []outgoing{{running.client, gearman.NewResponse(packet.Type, packet.Args...)}}
	}
	result := gearman.Result{Handle: running.handle}
	switch packet.Type {
	case gearman.WorkComplete:
		result.Success = true
		result.Data = packet.Arg(1)
	case gearman.WorkException:
		result.Data = packet.Arg(1)
	}
	running.submission.result <- result
	return nil
}
