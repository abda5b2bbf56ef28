package admin

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN CONTROL CHANNEL
// ═══════════════════════════════════════════════════════════════════════════════
//
// Local unix domain socket, one JSON document per line in each direction.
// Access control is the socket file's permissions. Operator actions are the
// only way to clear the drawdown-halt and circuit-breaker latches.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Controller is the engine surface the admin channel drives.
type Controller interface {
	Status() map[string]interface{}
	Pause(strategy string)
	Resume(strategy string)
	Flatten(marketID string) error
	SetCap(name string, value decimal.Decimal) bool
	Kill()
	ClearDrawdownHalt()
	ResetBreaker()
}

// Command is one inbound frame.
type Command struct {
	Cmd      string `json:"cmd"`
	Strategy string `json:"strategy,omitempty"`
	Market   string `json:"market,omitempty"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Response is one outbound frame.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Server owns the listening socket.
type Server struct {
	path    string
	ctrl    Controller
	ln      net.Listener
	mu      sync.Mutex
	closed  bool
	conns   map[net.Conn]struct{}
	onEvent func(cmd Command)     // audit hook for operator actions
}

// NewServer creates an admin server on the given socket path.
func NewServer(path string, ctrl Controller, onEvent func(cmd Command)) *Server {
	return &Server{path: path, ctrl: ctrl, conns: make(map[net.Conn]struct{}), onEvent: onEvent}
}

// Start listens and serves until Close.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln

	go s.acceptLoop()
	log.Info().Str("socket", s.path).Msg("admin channel listening")
	return nil
}

// Close stops the listener and open connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	_ = os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Warn().Err(err).Msg("admin accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			enc.Encode(Response{OK: false, Error: "malformed command"})
			continue
		}

		resp := s.dispatch(cmd)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd Command) Response {
	if s.onEvent != nil {
		s.onEvent(cmd)
	}

	log.Info().Str("cmd", cmd.Cmd).Msg("operator command")

	switch cmd.Cmd {
	case "status":
		return Response{OK: true, Payload: s.ctrl.Status()}

	case "pause":
		if cmd.Strategy == "" {
			return Response{OK: false, Error: "strategy required"}
		}
		s.ctrl.Pause(cmd.Strategy)
		return Response{OK: true}

	case "resume":
		if cmd.Strategy == "" {
			return Response{OK: false, Error: "strategy required"}
		}
		s.ctrl.Resume(cmd.Strategy)
		return Response{OK: true}

	case "flatten":
		if cmd.Market == "" {
			return Response{OK: false, Error: "market required"}
		}
		if err := s.ctrl.Flatten(cmd.Market); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "set-cap":
		value, err := decimal.NewFromString(cmd.Value)
		if err != nil {
			return Response{OK: false, Error: "invalid value"}
		}
		if !s.ctrl.SetCap(cmd.Name, value) {
			return Response{OK: false, Error: "unknown cap: " + cmd.Name}
		}
		return Response{OK: true}

	case "kill":
		s.ctrl.Kill()
		return Response{OK: true}

	case "clear-halt":
		s.ctrl.ClearDrawdownHalt()
		return Response{OK: true}

	case "reset-breaker":
		s.ctrl.ResetBreaker()
		return Response{OK: true}
	}

	return Response{OK: false, Error: "unknown command: " + cmd.Cmd}
}
