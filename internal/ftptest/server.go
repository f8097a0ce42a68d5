// Package ftptest provides a scripted in-process FTP server for tests.
//
// The server understands enough of RFC 959, RFC 2228 and RFC 2428 to drive
// a client through login, AUTH TLS, PASV/EPSV and NLST/RETR/STOR/RNFR/RNTO/
// DELE against an in-memory file set. Any command can be overridden with
// Handle to script unusual server behavior.
package ftptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// acceptTimeout bounds how long a data connection is waited for.
const acceptTimeout = 5 * time.Second

// HandlerFunc handles one command. args is everything after the first
// space of the command line.
type HandlerFunc func(s *Session, args string)

// Option configures a Server.
type Option func(*Server)

// WithTLS enables AUTH TLS and protected data connections using cert.
func WithTLS(cert *Certificate) Option {
	return func(s *Server) {
		s.tlsConfig = cert.ServerConfig()
	}
}

// WithGreeting replaces the default "220 Service ready" greeting. The
// text is written as is, so it may hold several lines; it must end with
// CRLF.
func WithGreeting(raw string) Option {
	return func(s *Server) {
		s.greeting = raw
	}
}

// WithFile preloads a file.
func WithFile(name string, data []byte) Option {
	return func(s *Server) {
		s.files[name] = data
	}
}

// WithPASVHost makes PASV replies announce host instead of 127.0.0.1.
func WithPASVHost(host string) Option {
	return func(s *Server) {
		s.pasvHost = host
	}
}

// Server is a scripted FTP server listening on 127.0.0.1.
type Server struct {
	// Addr is the control address in "host:port" form
	Addr string
	Host string
	Port int

	listener  net.Listener
	tlsConfig *tls.Config
	greeting  string
	pasvHost  string

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	files    map[string][]byte
	commands []string
	sessions map[*Session]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}

	tcpAddr := l.Addr().(*net.TCPAddr)
	s := &Server{
		Addr:     l.Addr().String(),
		Host:     tcpAddr.IP.String(),
		Port:     tcpAddr.Port,
		listener: l,
		greeting: "220 Service ready\r\n",
		pasvHost: "127.0.0.1",
		handlers: make(map[string]HandlerFunc),
		files:    make(map[string][]byte),
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Handle overrides the behavior of cmd (case-insensitive).
func (s *Server) Handle(cmd string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(cmd)] = h
}

// Commands returns every command line received so far, in order, across
// all sessions.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Verbs returns the verbs of Commands.
func (s *Server) Verbs() []string {
	lines := s.Commands()
	verbs := make([]string, len(lines))
	for i, line := range lines {
		verb, _, _ := strings.Cut(line, " ")
		verbs[i] = strings.ToUpper(verb)
	}
	return verbs
}

// File returns the contents of a stored file.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// SetFile creates or replaces a file.
func (s *Server) SetFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

// Names returns the stored file names, sorted.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked("")
}

func (s *Server) namesLocked(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/")
	if prefix != "" && prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}
	var names []string
	for name := range s.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close stops the server and drops every open session.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		sess := &Session{srv: s, conn: conn, text: textproto.NewConn(conn)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// Session is one control connection.
type Session struct {
	srv  *Server
	conn net.Conn
	text *textproto.Conn

	// protected is set by PROT P
	protected bool

	dataListener net.Listener
	renameFrom   string
	quit         bool

	// mu guards conn and dataListener against Close from another goroutine
	mu        sync.Mutex
	closeOnce sync.Once
}

func (sess *Session) serve() {
	defer sess.Close()

	if _, err := sess.conn.Write([]byte(sess.srv.greeting)); err != nil {
		return
	}

	for !sess.quit {
		line, err := sess.text.ReadLine()
		if err != nil {
			return
		}

		cmd, args, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		sess.srv.mu.Lock()
		sess.srv.commands = append(sess.srv.commands, line)
		h := sess.srv.handlers[cmd]
		sess.srv.mu.Unlock()

		if h != nil {
			h(sess, args)
		} else {
			sess.Default(cmd, args)
		}
	}
}

// Server returns the server the session belongs to.
func (sess *Session) Server() *Server {
	return sess.srv
}

// Reply writes one reply line followed by CRLF.
func (sess *Session) Reply(format string, args ...any) {
	_ = sess.text.PrintfLine(format, args...)
}

// Raw writes data to the control connection unchanged. Use it to split
// replies across writes or coalesce several into one.
func (sess *Session) Raw(data string) {
	_, _ = sess.conn.Write([]byte(data))
}

// Close drops the control connection and any data listener.
func (sess *Session) Close() {
	sess.closeOnce.Do(func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.dataListener != nil {
			_ = sess.dataListener.Close()
		}
		_ = sess.conn.Close()
	})
}

// AcceptData accepts the client's data connection on the listener opened
// by the last PASV or EPSV. After PROT P the connection is TLS, with the
// handshake completed.
func (sess *Session) AcceptData() (net.Conn, error) {
	sess.mu.Lock()
	l := sess.dataListener
	sess.dataListener = nil
	sess.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("ftptest: no passive listener")
	}
	defer l.Close()

	if tl, ok := l.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(acceptTimeout))
	}
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	if !sess.protected || sess.srv.tlsConfig == nil {
		return conn, nil
	}

	tlsConn := tls.Server(conn, sess.srv.tlsConfig)
	_ = conn.SetDeadline(time.Now().Add(acceptTimeout))
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (sess *Session) listen() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	if sess.dataListener != nil {
		_ = sess.dataListener.Close()
	}
	sess.dataListener = l
	sess.mu.Unlock()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Default runs the built-in behavior for cmd.
func (sess *Session) Default(cmd, args string) {
	srv := sess.srv

	switch cmd {
	case "AUTH":
		if srv.tlsConfig == nil || !strings.EqualFold(args, "TLS") {
			sess.Reply("504 Security mechanism not understood.")
			return
		}
		sess.Reply("234 Proceed with negotiation.")
		tlsConn := tls.Server(sess.conn, srv.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			sess.Close()
			return
		}
		sess.mu.Lock()
		sess.conn = tlsConn
		sess.mu.Unlock()
		sess.text = textproto.NewConn(tlsConn)
	case "PBSZ":
		sess.Reply("200 PBSZ=0")
	case "PROT":
		switch strings.ToUpper(args) {
		case "P":
			sess.protected = true
			sess.Reply("200 Protection level set to P")
		case "C":
			sess.protected = false
			sess.Reply("200 Protection level set to C")
		default:
			sess.Reply("504 Protection level not supported.")
		}
	case "USER":
		sess.Reply("331 User name okay, need password.")
	case "PASS":
		sess.Reply("230 User logged in, proceed.")
	case "TYPE":
		sess.Reply("200 Type set to %s.", args)
	case "NOOP":
		sess.Reply("200 NOOP ok.")
	case "QUIT":
		sess.Reply("221 Goodbye.")
		sess.quit = true
	case "PASV":
		port, err := sess.listen()
		if err != nil {
			sess.Reply("425 Cannot open passive connection.")
			return
		}
		sess.Reply("%s", PASVReply(srv.pasvHost, port))
	case "EPSV":
		port, err := sess.listen()
		if err != nil {
			sess.Reply("425 Cannot open passive connection.")
			return
		}
		sess.Reply("%s", EPSVReply(port))
	case "NLST":
		srv.mu.Lock()
		names := srv.namesLocked(args)
		srv.mu.Unlock()

		sess.Reply("150 Here comes the directory listing.")
		conn, err := sess.AcceptData()
		if err != nil {
			sess.Reply("425 Cannot open data connection.")
			return
		}
		for _, name := range names {
			_, _ = conn.Write([]byte(name + "\r\n"))
		}
		_ = conn.Close()
		sess.Reply("226 Directory send OK.")
	case "RETR":
		data, ok := srv.File(args)
		if !ok {
			sess.Reply("550 Failed to open file.")
			return
		}
		sess.Reply("150 Opening BINARY mode data connection for %s (%d bytes).", args, len(data))
		conn, err := sess.AcceptData()
		if err != nil {
			sess.Reply("425 Cannot open data connection.")
			return
		}
		_, _ = conn.Write(data)
		_ = conn.Close()
		sess.Reply("226 Transfer complete.")
	case "STOR":
		sess.Reply("150 Ok to send data.")
		conn, err := sess.AcceptData()
		if err != nil {
			sess.Reply("425 Cannot open data connection.")
			return
		}
		data, err := io.ReadAll(conn)
		_ = conn.Close()
		if err != nil {
			sess.Reply("426 Connection closed; transfer aborted.")
			return
		}
		srv.SetFile(args, data)
		sess.Reply("226 Transfer complete.")
	case "RNFR":
		if _, ok := srv.File(args); !ok {
			sess.Reply("550 RNFR command failed.")
			return
		}
		sess.renameFrom = args
		sess.Reply("350 Ready for RNTO.")
	case "RNTO":
		if sess.renameFrom == "" {
			sess.Reply("503 RNFR required first.")
			return
		}
		srv.mu.Lock()
		srv.files[args] = srv.files[sess.renameFrom]
		delete(srv.files, sess.renameFrom)
		srv.mu.Unlock()
		sess.renameFrom = ""
		sess.Reply("250 Rename successful.")
	case "DELE":
		srv.mu.Lock()
		_, ok := srv.files[args]
		delete(srv.files, args)
		srv.mu.Unlock()
		if !ok {
			sess.Reply("550 Delete operation failed.")
			return
		}
		sess.Reply("250 Delete operation successful.")
	default:
		sess.Reply("502 Command not implemented.")
	}
}

// PASVReply formats a 227 reply for host and port.
func PASVReply(host string, port int) string {
	return fmt.Sprintf("227 Entering Passive Mode (%s,%d,%d).",
		strings.ReplaceAll(host, ".", ","), port/256, port%256)
}

// EPSVReply formats a 229 reply for port.
func EPSVReply(port int) string {
	return "229 Entering Extended Passive Mode (|||" + strconv.Itoa(port) + "|)"
}
