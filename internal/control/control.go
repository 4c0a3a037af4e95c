// Package control implements the daemon's inspection/mutation socket of
// spec.md §4.8: a second, sibling Unix socket speaking a length-prefixed
// JSON request/response protocol, independent of the agent-protocol
// listener. Authentication is purely the 0600 permission on the socket
// file itself.
package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kradalby/agentmux/internal/logger"
	"github.com/kradalby/agentmux/internal/roster"
)

// MaxRequestSize bounds a single control-request document, mirroring the
// agent-protocol frame cap but sized for small JSON commands rather than
// key material.
const MaxRequestSize = 64 * 1024

// commandsPerSecond and commandBurst bound how fast one connection can
// issue commands, per SPEC_FULL.md's control-plane rate limit.
const commandsPerSecond = 20
const commandBurst = 20

// Rescanner is the subset of watcher.Watcher the control endpoint needs,
// kept narrow so this package does not import watcher directly.
type Rescanner interface {
	Rescan()
	Polling() bool
}

// Prober is the subset of health.Prober the control endpoint needs.
type Prober interface {
	Pass()
}

// Request is the wire envelope sent by a client, one per length-prefixed
// JSON frame.
type Request struct {
	ID      string   `json:"id,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Response is the wire envelope returned for every Request.
type Response struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// StatusData is the payload returned by the "status" command.
type StatusData struct {
	Version             string `json:"version"`
	PID                 int    `json:"pid"`
	Uptime              string `json:"uptime"`
	ListenPath          string `json:"listen_path"`
	WatcherMode         string `json:"watcher_mode"`
	Configured          int    `json:"configured"`
	Watched             int    `json:"watched"`
	HealthCheckInterval string `json:"health_check_interval"`
}

// EntryData mirrors roster.Entry for JSON transport.
type EntryData struct {
	Path    string `json:"path"`
	Source  string `json:"source"`
	AddedAt string `json:"added_at"`
	Healthy string `json:"healthy"`
}

// Server owns the control socket and dispatches commands against the
// daemon's shared roster, watcher, and health prober.
type Server struct {
	Version             string
	ListenPath          string
	ControlSocketPath   string
	HealthCheckInterval time.Duration

	Roster  *roster.Roster
	Watcher Rescanner
	Health  Prober

	startedAt time.Time
	pid       int

	watcherEnabled bool
}

// New returns a Server ready to ListenAndServe. watcherEnabled controls
// whether the status command reports "active" or "disabled" when Watcher
// is nil.
func New(r *roster.Roster, watcherEnabled bool) *Server {
	return &Server{
		Roster:         r,
		startedAt:      time.Now(),
		pid:            os.Getpid(),
		watcherEnabled: watcherEnabled,
	}
}

// ListenAndServe creates the control socket (removing any stale file
// first, mode 0600 within a 0700 parent) and serves connections until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	dir := filepath.Dir(s.ControlSocketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("control: create socket dir %s: %w", dir, err)
	}
	os.Remove(s.ControlSocketPath)

	ln, err := net.Listen("unix", s.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("control: listen unix %s: %w", s.ControlSocketPath, err)
	}
	if err := os.Chmod(s.ControlSocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod %s: %w", s.ControlSocketPath, err)
	}
	defer os.Remove(s.ControlSocketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	limiter := rate.NewLimiter(rate.Limit(commandsPerSecond), commandBurst)

	for {
		req, err := readRequest(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("control: read error", "error", err)
			}
			return
		}

		if !limiter.Allow() {
			writeResponse(conn, Response{ID: req.ID, OK: false, Error: "rate limit exceeded"})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := writeResponse(conn, resp); err != nil {
			logger.Debug("control: write error", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	switch req.Command {
	case "status":
		return Response{ID: id, OK: true, Data: s.status()}
	case "list":
		return Response{ID: id, OK: true, Data: entriesToData(s.Roster.Ordered())}
	case "list-keys":
		// The core's identity listing requires dialing every upstream;
		// that behaviour lives in session.Session, so the control
		// endpoint reports the roster it would be dispatched against.
		return Response{ID: id, OK: true, Data: entriesToData(s.Roster.Ordered())}
	case "reload":
		if s.Watcher != nil {
			s.Watcher.Rescan()
		}
		return Response{ID: id, OK: true}
	case "validate":
		if s.Health != nil {
			s.Health.Pass()
		} else {
			s.Roster.Validate()
		}
		// Returns the post-pass roster snapshot so a caller doesn't need a
		// second round trip to see the effect.
		return Response{ID: id, OK: true, Data: entriesToData(s.Roster.Ordered())}
	case "add":
		if len(req.Args) != 1 {
			return Response{ID: id, OK: false, Error: "add requires exactly one path argument"}
		}
		s.Roster.AddWatched(req.Args[0])
		return Response{ID: id, OK: true}
	case "remove":
		if len(req.Args) != 1 {
			return Response{ID: id, OK: false, Error: "remove requires exactly one path argument"}
		}
		s.Roster.RemoveWatched(req.Args[0])
		return Response{ID: id, OK: true}
	default:
		return Response{ID: id, OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) status() StatusData {
	mode := "disabled"
	if s.Watcher != nil {
		if s.Watcher.Polling() {
			mode = "polling"
		} else {
			mode = "active"
		}
	} else if s.watcherEnabled {
		mode = "active"
	}

	entries := s.Roster.Ordered()
	configured, watched := 0, 0
	for _, e := range entries {
		if e.Source == roster.Configured {
			configured++
		} else {
			watched++
		}
	}

	interval := "disabled"
	if s.HealthCheckInterval > 0 {
		interval = s.HealthCheckInterval.String()
	}

	return StatusData{
		Version:             s.Version,
		PID:                 s.pid,
		Uptime:              humanize.Time(s.startedAt),
		ListenPath:          s.ListenPath,
		WatcherMode:         mode,
		Configured:          configured,
		Watched:             watched,
		HealthCheckInterval: interval,
	}
}

func entriesToData(entries []roster.Entry) []EntryData {
	out := make([]EntryData, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryData{
			Path:    e.Path,
			Source:  e.Source.String(),
			AddedAt: e.AddedAt.UTC().Format(time.RFC3339),
			Healthy: e.Healthy.String(),
		})
	}
	return out
}

// readRequest reads one length-prefixed JSON Request from r: a uint32
// big-endian byte count followed by exactly that many JSON bytes.
func readRequest(r io.Reader) (*Request, error) {
	body, err := readFrame(r, MaxRequestSize)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("control: malformed request: %w", err)
	}
	return &req, nil
}

// writeResponse writes one length-prefixed JSON Response, mirroring
// readRequest's framing.
func writeResponse(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

// WriteRequest writes one length-prefixed JSON Request; exported for use
// by the control-socket client (cmd/agentmuxctl).
func WriteRequest(w io.Writer, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

// ReadResponse reads one length-prefixed JSON Response; exported for use
// by the control-socket client (cmd/agentmuxctl).
func ReadResponse(r io.Reader) (*Response, error) {
	body, err := readFrame(r, MaxRequestSize)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("control: malformed response: %w", err)
	}
	return &resp, nil
}

func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, fmt.Errorf("control: frame of %d bytes exceeds cap %d", n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf := make([]byte, 0, 4+len(body))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
