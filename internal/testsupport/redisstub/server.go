// Package redisstub hosts a minimal in-process Redis fake for rate limiter
// tests. It speaks just enough RESP for the login throttle's counter store:
// PING, AUTH, INCR, EXPIRE, and TTL. Tests point a real client at Addr()
// without needing a Redis installation.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	counters map[string]*counterEntry
	closed   chan struct{}
}

type counterEntry struct {
	value  int64
	expiry time.Time
}

// Start binds a loopback listener and serves until Close.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		counters: make(map[string]*counterEntry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""

	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			writeSimple(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password != "" && password == s.opts.Password {
				authenticated = true
				writeSimple(writer, "OK")
			} else if s.opts.Password == "" {
				writeError(writer, "ERR Client sent AUTH, but no password is set")
			} else {
				writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			writeSimple(writer, "OK")
		case "HELLO":
			// Rejecting HELLO drops clients back to the RESP2 handshake.
			writeError(writer, "ERR unknown command 'hello'")
		default:
			if !authenticated {
				writeError(writer, "NOAUTH Authentication required")
				break
			}
			s.dispatch(writer, cmd, args)
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) {
	switch cmd {
	case "INCR":
		if len(args) != 2 {
			writeError(writer, "ERR wrong number of arguments for 'incr' command")
			return
		}
		writeInt(writer, s.incr(args[1]))
	case "EXPIRE":
		if len(args) != 3 {
			writeError(writer, "ERR wrong number of arguments for 'expire' command")
			return
		}
		seconds, err := strconv.Atoi(args[2])
		if err != nil {
			writeError(writer, "ERR value is not an integer or out of range")
			return
		}
		writeInt(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			writeError(writer, "ERR wrong number of arguments for 'ttl' command")
			return
		}
		writeInt(writer, s.ttl(args[1]))
	default:
		writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[key]
	if ok && !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		ok = false
	}
	if !ok {
		entry = &counterEntry{}
		s.counters[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[key]
	if !ok {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[key]
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.counters, key)
		return -2
	}
	seconds := int64(remaining / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	return seconds
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("invalid array length %q", line)
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readBulkString(r *bufio.Reader) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if len(line) == 0 || line[0] != '$' {
		return "", fmt.Errorf("expected bulk string, got %q", line)
	}
	length, err := strconv.Atoi(line[1:])
	if err != nil || length < 0 {
		return "", fmt.Errorf("invalid bulk length %q", line)
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func writeSimple(w *bufio.Writer, msg string) {
	fmt.Fprintf(w, "+%s\r\n", msg)
}

func writeError(w *bufio.Writer, msg string) {
	fmt.Fprintf(w, "-%s\r\n", msg)
}

func writeInt(w *bufio.Writer, value int64) {
	fmt.Fprintf(w, ":%d\r\n", value)
}
