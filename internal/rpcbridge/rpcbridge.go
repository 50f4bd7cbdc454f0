// Package rpcbridge implements the RPC Bridge: a JSON request/response
// TCP server, one request per connection. The first complete JSON value
// read off the connection is the request; one JSON object is written
// back and the connection is closed.
package rpcbridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loppo-llc/sessiond/internal/scheduler"
)

const readTimeout = 60 * time.Second

type request struct {
	Token     string `json:"token"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

type response struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ActiveSessionResolver resolves "no session_id given" requests to the
// manager's current active selection; Active returns "" if none.
type ActiveSessionResolver interface {
	Active() string
}

// Bridge accepts one JSON request per connection and dispatches it
// through a Scheduler.
type Bridge struct {
	addr     string
	token    string
	sched    *scheduler.Scheduler
	active   ActiveSessionResolver
	logger   *slog.Logger
	listener net.Listener
}

func New(host string, port int, token string, sched *scheduler.Scheduler, active ActiveSessionResolver, logger *slog.Logger) *Bridge {
	return &Bridge{
		addr:   fmt.Sprintf("%s:%d", host, port),
		token:  token,
		sched:  sched,
		active: active,
		logger: logger,
	}
}

// Serve listens on the Bridge's configured address and accepts
// connections until the listener is closed.
func (b *Bridge) Serve() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.addr, err)
	}
	return b.ServeListener(ln)
}

// ServeListener accepts connections off a caller-supplied listener, so a
// caller can hand in a tsnet listener instead of a plain TCP one.
func (b *Bridge) ServeListener(ln net.Listener) error {
	b.listener = ln
	b.logger.Info("rpc bridge listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go b.handle(conn)
	}
}

// Close stops accepting new connections.
func (b *Bridge) Close() error {
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

func (b *Bridge) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req request
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&req); err != nil {
		writeResponse(conn, response{OK: false, Error: "bad-request"})
		return
	}

	if req.Prompt == "" {
		writeResponse(conn, response{OK: false, Error: "bad-request"})
		return
	}

	if b.token != "" && req.Token != b.token {
		writeResponse(conn, response{OK: false, Error: "auth"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = b.active.Active()
		if sessionID == "" {
			writeResponse(conn, response{OK: false, Error: "no-active-session"})
			return
		}
	}

	out := b.sched.Submit(sessionID, req.Prompt, "", "rpc", -1)
	if out.Kind == scheduler.KindNotFound && req.SessionID != "" {
		// session_id was present but stale/unknown; fall back to whatever
		// session is currently active instead of failing the request.
		if active := b.active.Active(); active != "" {
			sessionID = active
			out = b.sched.Submit(sessionID, req.Prompt, "", "rpc", -1)
		}
	}
	if out.Kind != scheduler.KindOK {
		msg := string(out.Kind)
		if out.Err != nil {
			msg = fmt.Sprintf("%s: %v", out.Kind, out.Err)
		}
		writeResponse(conn, response{OK: false, Error: msg})
		return
	}

	writeResponse(conn, response{OK: true, Output: out.Output})
}

func writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(data)
}
