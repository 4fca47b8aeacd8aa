// Package redisstub runs a minimal in-process RESP server covering the string
// and key commands used by the job store and the upload rate limiter.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
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
	kv       map[string]*kvEntry
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// Keys returns the live keys in sorted order.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked("*")
}

// TTL reports the remaining lifetime of key, or -1 when it has none.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil || entry.expiry.IsZero() {
		return -1
	}
	return time.Until(entry.expiry)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
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
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "HELLO":
			// RESP3 negotiation is not supported; clients fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		entry := s.lookupLocked(args[1])
		s.mu.Unlock()
		if entry == nil {
			return writeBulkNil(w)
		}
		return writeBulkString(w, entry.value)
	case "SET":
		return s.set(w, args)
	case "DEL":
		if len(args) < 2 {
			return writeError(w, "ERR wrong number of arguments for 'del'")
		}
		s.mu.Lock()
		removed := int64(0)
		for _, key := range args[1:] {
			if s.lookupLocked(key) != nil {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, removed)
	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		entry := s.lookupLocked(args[1])
		if entry == nil {
			entry = &kvEntry{value: "0"}
			s.kv[args[1]] = entry
		}
		current, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return writeError(w, "ERR value is not an integer or out of range")
		}
		current++
		entry.value = strconv.FormatInt(current, 10)
		s.mu.Unlock()
		return writeInteger(w, current)
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR invalid expire time")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		s.mu.Lock()
		entry := s.lookupLocked(args[1])
		if entry != nil {
			entry.expiry = time.Now().Add(time.Duration(amount) * unit)
		}
		s.mu.Unlock()
		if entry == nil {
			return writeInteger(w, 0)
		}
		return writeInteger(w, 1)
	case "TTL", "PTTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		entry := s.lookupLocked(args[1])
		s.mu.Unlock()
		switch {
		case entry == nil:
			return writeInteger(w, -2)
		case entry.expiry.IsZero():
			return writeInteger(w, -1)
		case cmd == "PTTL":
			return writeInteger(w, int64(time.Until(entry.expiry)/time.Millisecond))
		default:
			return writeInteger(w, int64(time.Until(entry.expiry)/time.Second))
		}
	case "SCAN":
		return s.scan(w, args)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) set(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	entry := &kvEntry{value: args[2]}
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.ToUpper(args[i]) == "PX" {
				unit = time.Millisecond
			}
			entry.expiry = time.Now().Add(time.Duration(amount) * unit)
			i++
		default:
			return writeError(w, "ERR syntax error")
		}
	}
	s.mu.Lock()
	s.kv[args[1]] = entry
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

// scan returns every match in a single page.
func (s *Server) scan(w *bufio.Writer, args []string) error {
	pattern := "*"
	for i := 2; i+1 < len(args); i += 2 {
		if strings.ToUpper(args[i]) == "MATCH" {
			pattern = args[i+1]
		}
	}
	s.mu.Lock()
	keys := s.keysLocked(pattern)
	s.mu.Unlock()
	items := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		items = append(items, key)
	}
	return writeArray(w, []interface{}{"0", items})
}

func (s *Server) lookupLocked(key string) *kvEntry {
	entry, ok := s.kv[key]
	if !ok {
		return nil
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) keysLocked(pattern string) []string {
	keys := make([]string, 0, len(s.kv))
	for key := range s.kv {
		if s.lookupLocked(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
