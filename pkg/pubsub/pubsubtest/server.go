// Package pubsubtest provides an in-process subscription server for tests.
package pubsubtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"chainharness/pkg/pubsub"
)

// Request is a request received by the server.
type Request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// MethodFunc answers a plain request.
type MethodFunc func(params []json.RawMessage) (any, error)

// Server speaks the node's subscription protocol. It writes line-feed
// terminated frames and reads either framing.
type Server struct {
	mu       sync.Mutex
	topics   map[string]bool
	subs     map[string]*Conn
	subTopic map[string]string
	ids      []string
	seq      int
	requests []Request
	methods  map[string]MethodFunc
	onReq    func(c *Conn, req Request)
	rejects  map[string]*pubsub.RPCError
	conns    map[*Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a server accepting subscriptions to topics.
func NewServer(topics ...string) *Server {
	s := &Server{
		topics:   make(map[string]bool),
		subs:     make(map[string]*Conn),
		subTopic: make(map[string]string),
		methods:  make(map[string]MethodFunc),
		rejects:  make(map[string]*pubsub.RPCError),
		conns:    make(map[*Conn]struct{}),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	return s
}

// AssignIDs queues subscription ids handed out by the next subscribes.
// Afterwards ids are generated as 0x-prefixed hex counters.
func (s *Server) AssignIDs(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
}

// HandleMethod registers fn for a plain request method.
func (s *Server) HandleMethod(method string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Reject makes every request for method fail with err. A nil err lifts
// the rejection.
func (s *Server) Reject(method string, err *pubsub.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.rejects, method)
		return
	}
	s.rejects[method] = err
}

// OnRequest installs a hook that runs after a request is read and before it
// is answered. Frames the hook sends reach the client ahead of the response.
func (s *Server) OnRequest(fn func(c *Conn, req Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReq = fn
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Subscriptions returns the active subscription ids mapped to their topics.
func (s *Server) Subscriptions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.subTopic))
	for id, t := range s.subTopic {
		out[id] = t
	}
	return out
}

// Listen starts accepting TCP connections on a loopback port and returns
// its address.
func (s *Server) Listen() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(conn)
			}()
		}
	}()
	return ln.Addr().String(), nil
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.ServeConn(websocket.NetConn(r.Context(), ws, websocket.MessageText))
}

// ServeConn serves one connection until it closes.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) {
	c := &Conn{srv: s, rwc: rwc}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		for id, owner := range s.subs {
			if owner == c {
				delete(s.subs, id)
				delete(s.subTopic, id)
			}
		}
		s.mu.Unlock()
		rwc.Close()
	}()

	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 0, 4096), pubsub.DefaultMaxFrameSize)
	sc.Split(pubsub.NewCodec(pubsub.NoSeparator, pubsub.DefaultSeparator).Split)
	for sc.Scan() {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		hook := s.onReq
		s.mu.Unlock()

		if hook != nil {
			hook(c, req)
		}
		if err := c.reply(req, s.answer(c, req)); err != nil {
			return
		}
	}
}

// Notify sends payload to the owner of subscription id. The payload is
// encoded as a JSON string holding JSON, as the node does.
func (s *Server) Notify(id string, payload any) error {
	s.mu.Lock()
	c, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("pubsubtest: no subscription %q", id)
	}
	return c.Notify(id, payload)
}

// Close stops the listener and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

type answer struct {
	result any
	err    *pubsub.RPCError
}

func (s *Server) answer(c *Conn, req Request) answer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.rejects[req.Method]; ok {
		return answer{err: err}
	}

	switch req.Method {
	case "subscribe":
		var topic string
		if len(req.Params) != 1 || json.Unmarshal(req.Params[0], &topic) != nil {
			return answer{err: &pubsub.RPCError{Code: -32602, Message: "Invalid params"}}
		}
		if !s.topics[topic] {
			return answer{err: &pubsub.RPCError{Code: -32602, Message: "Invalid params: unknown topic " + topic}}
		}
		id := s.nextID()
		s.subs[id] = c
		s.subTopic[id] = topic
		return answer{result: id}
	case "unsubscribe":
		var id string
		if len(req.Params) != 1 || json.Unmarshal(req.Params[0], &id) != nil {
			return answer{err: &pubsub.RPCError{Code: -32602, Message: "Invalid params"}}
		}
		if _, ok := s.subTopic[id]; !ok {
			return answer{err: &pubsub.RPCError{Code: -32000, Message: "Invalid subscription id"}}
		}
		delete(s.subs, id)
		delete(s.subTopic, id)
		return answer{result: true}
	}

	fn, ok := s.methods[req.Method]
	if !ok {
		return answer{err: &pubsub.RPCError{Code: -32601, Message: "Method not found"}}
	}
	result, err := fn(req.Params)
	if err != nil {
		var rpcErr *pubsub.RPCError
		if errors.As(err, &rpcErr) {
			return answer{err: rpcErr}
		}
		return answer{err: &pubsub.RPCError{Code: -32000, Message: err.Error()}}
	}
	return answer{result: result}
}

func (s *Server) nextID() string {
	if len(s.ids) > 0 {
		id := s.ids[0]
		s.ids = s.ids[1:]
		return id
	}
	s.seq++
	return fmt.Sprintf("0x%x", s.seq)
}

// Conn is the server side of one client connection.
type Conn struct {
	srv *Server
	mu  sync.Mutex
	rwc io.ReadWriteCloser
}

// Send writes raw followed by a line feed.
func (c *Conn) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, raw...)
	buf = append(buf, '\n')
	_, err := c.rwc.Write(buf)
	return err
}

// Notify sends a notification for subscription id.
func (c *Conn) Notify(id string, payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"params": map[string]any{
			"result":       string(inner),
			"subscription": id,
		},
	})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func (c *Conn) reply(req Request, a answer) error {
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if a.err != nil {
		resp["error"] = a.err
	} else {
		resp["result"] = a.result
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.Send(frame)
}
