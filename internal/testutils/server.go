package testutils

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pior/redis/resp"
)

// Server is an in-process RESP server implementing a small subset of the
// Redis command set, enough to exercise connections, pools, pipelines and
// transactions end to end.
type Server struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	dbs      map[int]map[string]*value
	versions map[string]uint64
	commands []string
	conns    map[net.Conn]struct{}
	accepted int

	wg sync.WaitGroup
}

type value struct {
	str    []byte
	list   [][]byte
	stream []string
	isList bool
	isXS   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPassword makes the server require AUTH before any other command.
func WithPassword(password string) ServerOption {
	return func(s *Server) { s.password = password }
}

// NewServer starts a server on a random local port. It is stopped by t.Cleanup.
func NewServer(t testing.TB, opts ...ServerOption) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		ln:       ln,
		dbs:      map[int]map[string]*value{},
		versions: map[string]uint64{},
		conns:    map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the server and closes every client connection.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.CloseClients()
	s.wg.Wait()
}

// CloseClients closes every open client connection, keeping the listener.
func (s *Server) CloseClients() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Commands returns every command received so far, rendered as space separated
// words. HELLO and AUTH are recorded without their arguments.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CountCommand returns how many times a command was received, matching on the
// rendered prefix, e.g. "SELECT" or "CLIENT SETNAME".
func (s *Server) CountCommand(prefix string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == prefix || strings.HasPrefix(c, prefix+" ") {
			n++
		}
	}
	return n
}

// Set writes a string key in database 0, bumping its watch version.
func (s *Server) Set(key, val string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db(0)[key] = &value{str: []byte(val)}
	s.touch(0, key)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.serve(conn)
		}()
	}
}

type session struct {
	proto   int
	db      int
	name    string
	authed  bool
	multi   bool
	dirty   bool
	queued  [][]string
	watched map[string]uint64
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	sess := &session{proto: 2, authed: s.password == ""}

	for {
		req, err := resp.ReadReply(r)
		if err != nil {
			return
		}
		args, ok := toArgs(req)
		if !ok {
			writeError(w, "ERR Protocol error: expected array of bulk strings")
		} else if quit := s.handle(w, sess, args); quit {
			_ = w.Flush()
			return
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func toArgs(req *resp.Reply) ([]string, bool) {
	if req.Kind != resp.KindArray || len(req.Elems) == 0 {
		return nil, false
	}
	args := make([]string, len(req.Elems))
	for i, e := range req.Elems {
		if e.Kind != resp.KindBulk {
			return nil, false
		}
		args[i] = string(e.Data)
	}
	return args, true
}

// arity follows the Redis convention: positive is exact, negative is a minimum.
var arity = map[string]int{
	"PING": -1, "ECHO": 2, "QUIT": 1, "HELLO": -1, "AUTH": -2, "SELECT": 2, "CLIENT": -2,
	"GET": 2, "SET": -3, "DEL": -2, "EXISTS": -2, "INCR": 2, "LPUSH": -3, "LRANGE": 4,
	"XADD": -5, "MULTI": 1, "EXEC": 1, "DISCARD": 1, "WATCH": -2, "UNWATCH": 1, "DEBUG": -2,
}

func (s *Server) record(args []string) {
	name := strings.ToUpper(args[0])
	line := name
	switch name {
	case "HELLO", "AUTH":
	default:
		if len(args) > 1 {
			line += " " + strings.Join(args[1:], " ")
		}
	}
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) handle(w *bufio.Writer, sess *session, args []string) (quit bool) {
	s.record(args)
	name := strings.ToUpper(args[0])

	n, known := arity[name]
	if !known {
		if sess.multi {
			sess.dirty = true
		}
		writeError(w, fmt.Sprintf("ERR unknown command '%s', with args beginning with: ", args[0]))
		return false
	}
	if (n > 0 && len(args) != n) || (n < 0 && len(args) < -n) {
		if sess.multi {
			sess.dirty = true
		}
		writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(args[0])))
		return false
	}

	if !sess.authed && name != "AUTH" && name != "HELLO" && name != "QUIT" {
		writeError(w, "NOAUTH Authentication required.")
		return false
	}

	if sess.multi {
		switch name {
		case "EXEC", "DISCARD", "MULTI", "WATCH", "QUIT":
		default:
			sess.queued = append(sess.queued, args)
			writeSimple(w, resp.StatusQueued)
			return false
		}
	}

	switch name {
	case "QUIT":
		writeSimple(w, resp.StatusOK)
		return true
	case "MULTI":
		if sess.multi {
			writeError(w, "ERR MULTI calls can not be nested")
			return false
		}
		sess.multi = true
		writeSimple(w, resp.StatusOK)
	case "DISCARD":
		if !sess.multi {
			writeError(w, "ERR DISCARD without MULTI")
			return false
		}
		sess.reset()
		writeSimple(w, resp.StatusOK)
	case "WATCH":
		if sess.multi {
			writeError(w, "ERR WATCH inside MULTI is not allowed")
			return false
		}
		s.mu.Lock()
		if sess.watched == nil {
			sess.watched = map[string]uint64{}
		}
		for _, key := range args[1:] {
			sess.watched[versionKey(sess.db, key)] = s.versions[versionKey(sess.db, key)]
		}
		s.mu.Unlock()
		writeSimple(w, resp.StatusOK)
	case "UNWATCH":
		sess.watched = nil
		writeSimple(w, resp.StatusOK)
	case "EXEC":
		s.exec(w, sess)
	default:
		s.mu.Lock()
		s.apply(w, sess, args)
		s.mu.Unlock()
	}
	return false
}

func (sess *session) reset() {
	sess.multi = false
	sess.dirty = false
	sess.queued = nil
	sess.watched = nil
}

func (s *Server) exec(w *bufio.Writer, sess *session) {
	if !sess.multi {
		writeError(w, "ERR EXEC without MULTI")
		return
	}
	queued, dirty, watched := sess.queued, sess.dirty, sess.watched
	sess.reset()

	if dirty {
		writeError(w, "EXECABORT Transaction discarded because of previous errors.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range watched {
		if s.versions[k] != v {
			writeNull(w, sess.proto, '*')
			return
		}
	}

	writeHeader(w, '*', len(queued))
	for _, args := range queued {
		s.apply(w, sess, args)
	}
}

func versionKey(db int, key string) string {
	return strconv.Itoa(db) + ":" + key
}

func (s *Server) db(n int) map[string]*value {
	d, ok := s.dbs[n]
	if !ok {
		d = map[string]*value{}
		s.dbs[n] = d
	}
	return d
}

func (s *Server) touch(db int, key string) {
	s.versions[versionKey(db, key)]++
}

const wrongType = "WRONGTYPE Operation against a key holding the wrong kind of value"

// apply runs a data or connection command. s.mu must be held.
func (s *Server) apply(w *bufio.Writer, sess *session, args []string) {
	name := strings.ToUpper(args[0])
	data := s.db(sess.db)

	switch name {
	case "PING":
		if len(args) > 1 {
			writeBulk(w, args[1])
		} else {
			writeSimple(w, resp.StatusPong)
		}
	case "ECHO":
		writeBulk(w, args[1])
	case "HELLO":
		s.hello(w, sess, args)
	case "AUTH":
		pass := args[len(args)-1]
		if s.password == "" {
			writeError(w, "ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
			return
		}
		if pass != s.password {
			writeError(w, "WRONGPASS invalid username-password pair or user is disabled.")
			return
		}
		sess.authed = true
		writeSimple(w, resp.StatusOK)
	case "SELECT":
		db, err := strconv.Atoi(args[1])
		if err != nil || db < 0 || db > 15 {
			writeError(w, "ERR DB index is out of range")
			return
		}
		sess.db = db
		writeSimple(w, resp.StatusOK)
	case "CLIENT":
		switch strings.ToUpper(args[1]) {
		case "SETNAME":
			if len(args) != 3 {
				writeError(w, "ERR wrong number of arguments for 'client|setname' command")
				return
			}
			sess.name = args[2]
			writeSimple(w, resp.StatusOK)
		case "GETNAME":
			if sess.name == "" {
				writeNull(w, sess.proto, '$')
			} else {
				writeBulk(w, sess.name)
			}
		default:
			writeError(w, "ERR unknown subcommand '"+args[1]+"'")
		}
	case "DEBUG":
		if strings.ToUpper(args[1]) != "SLEEP" || len(args) != 3 {
			writeError(w, "ERR unsupported DEBUG subcommand")
			return
		}
		secs, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			writeError(w, "ERR value is not a valid float")
			return
		}
		s.mu.Unlock()
		time.Sleep(time.Duration(secs * float64(time.Second)))
		s.mu.Lock()
		writeSimple(w, resp.StatusOK)
	case "GET":
		v, ok := data[args[1]]
		switch {
		case !ok:
			writeNull(w, sess.proto, '$')
		case v.isList || v.isXS:
			writeError(w, wrongType)
		default:
			writeBulk(w, string(v.str))
		}
	case "SET":
		s.set(w, sess, data, args)
	case "DEL", "EXISTS":
		n := 0
		for _, key := range args[1:] {
			if _, ok := data[key]; ok {
				n++
				if name == "DEL" {
					delete(data, key)
					s.touch(sess.db, key)
				}
			}
		}
		writeInt(w, int64(n))
	case "INCR":
		v, ok := data[args[1]]
		if !ok {
			v = &value{str: []byte("0")}
			data[args[1]] = v
		}
		if v.isList || v.isXS {
			writeError(w, wrongType)
			return
		}
		n, err := strconv.ParseInt(string(v.str), 10, 64)
		if err != nil {
			writeError(w, "ERR value is not an integer or out of range")
			return
		}
		n++
		v.str = strconv.AppendInt(v.str[:0], n, 10)
		s.touch(sess.db, args[1])
		writeInt(w, n)
	case "LPUSH":
		v, ok := data[args[1]]
		if !ok {
			v = &value{isList: true}
			data[args[1]] = v
		}
		if !v.isList {
			writeError(w, wrongType)
			return
		}
		for _, item := range args[2:] {
			v.list = append([][]byte{[]byte(item)}, v.list...)
		}
		s.touch(sess.db, args[1])
		writeInt(w, int64(len(v.list)))
	case "LRANGE":
		s.lrange(w, sess, data, args)
	case "XADD":
		s.xadd(w, sess, data, args)
	default:
		writeError(w, "ERR command not allowed here")
	}
}

// set understands the SET options. Expirations are parsed but keys never
// expire.
func (s *Server) set(w *bufio.Writer, sess *session, data map[string]*value, args []string) {
	var nx, xx, get bool
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "GET":
			get = true
		case "KEEPTTL":
		case "EX", "PX", "EXAT", "PXAT":
			i++
			if i == len(args) {
				writeError(w, "ERR syntax error")
				return
			}
			if n, err := strconv.ParseInt(args[i], 10, 64); err != nil || n <= 0 {
				writeError(w, "ERR invalid expire time in 'set' command")
				return
			}
		default:
			writeError(w, "ERR syntax error")
			return
		}
	}
	if nx && xx {
		writeError(w, "ERR syntax error")
		return
	}

	old, exists := data[args[1]]
	if get && exists && (old.isList || old.isXS) {
		writeError(w, wrongType)
		return
	}
	if (nx && exists) || (xx && !exists) {
		if get && exists {
			writeBulk(w, string(old.str))
		} else {
			writeNull(w, sess.proto, '$')
		}
		return
	}

	data[args[1]] = &value{str: []byte(args[2])}
	s.touch(sess.db, args[1])
	switch {
	case !get:
		writeSimple(w, resp.StatusOK)
	case exists:
		writeBulk(w, string(old.str))
	default:
		writeNull(w, sess.proto, '$')
	}
}

func (s *Server) hello(w *bufio.Writer, sess *session, args []string) {
	proto := sess.proto
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil || (p != 2 && p != 3) {
			writeError(w, "NOPROTO unsupported protocol version")
			return
		}
		proto = p
	}
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "AUTH":
			if i+2 >= len(args) {
				writeError(w, "ERR Syntax error in HELLO option 'auth'")
				return
			}
			if s.password != "" && args[i+2] != s.password {
				writeError(w, "WRONGPASS invalid username-password pair or user is disabled.")
				return
			}
			sess.authed = true
			i += 2
		case "SETNAME":
			if i+1 >= len(args) {
				writeError(w, "ERR Syntax error in HELLO option 'setname'")
				return
			}
			sess.name = args[i+1]
			i++
		default:
			writeError(w, "ERR Syntax error in HELLO option '"+args[i]+"'")
			return
		}
	}
	if !sess.authed {
		writeError(w, "NOAUTH HELLO must be called with the client already authenticated, otherwise the HELLO <proto> AUTH <user> <pass> option can be used to authenticate the client and select the RESP protocol version at the same time")
		return
	}
	sess.proto = proto

	fields := [][2]string{{"server", "redis"}, {"version", "7.2.0"}, {"mode", "standalone"}, {"role", "master"}}
	if proto == 3 {
		writeHeader(w, '%', len(fields)+1)
	} else {
		writeHeader(w, '*', 2*(len(fields)+1))
	}
	for _, f := range fields {
		writeBulk(w, f[0])
		writeBulk(w, f[1])
	}
	writeBulk(w, "proto")
	writeInt(w, int64(proto))
}

func (s *Server) lrange(w *bufio.Writer, sess *session, data map[string]*value, args []string) {
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		writeError(w, "ERR value is not an integer or out of range")
		return
	}
	v, ok := data[args[1]]
	if ok && !v.isList {
		writeError(w, wrongType)
		return
	}
	var list [][]byte
	if ok {
		list = v.list
	}
	n := len(list)
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	stop = min(stop, n-1)
	if start > stop {
		writeHeader(w, '*', 0)
		return
	}
	writeHeader(w, '*', stop-start+1)
	for _, item := range list[start : stop+1] {
		writeBulk(w, string(item))
	}
}

func (s *Server) xadd(w *bufio.Writer, sess *session, data map[string]*value, args []string) {
	if len(args)%2 != 1 {
		writeError(w, "ERR wrong number of arguments for 'xadd' command")
		return
	}
	v, ok := data[args[1]]
	if ok && !v.isXS {
		writeError(w, wrongType)
		return
	}
	if !ok {
		v = &value{isXS: true}
	}

	var lastMs, lastSeq uint64
	if len(v.stream) > 0 {
		lastMs, lastSeq = splitID(v.stream[len(v.stream)-1])
	}

	var id string
	if args[2] == "*" {
		ms := uint64(time.Now().UnixMilli())
		seq := uint64(0)
		if ms <= lastMs {
			ms, seq = lastMs, lastSeq+1
		}
		id = fmt.Sprintf("%d-%d", ms, seq)
	} else {
		ms, seq := splitID(args[2])
		if ms < lastMs || (ms == lastMs && seq <= lastSeq) || (ms == 0 && seq == 0) {
			writeError(w, "ERR The ID specified in XADD is equal or smaller than the target stream top item")
			return
		}
		id = fmt.Sprintf("%d-%d", ms, seq)
	}

	v.stream = append(v.stream, id)
	data[args[1]] = v
	s.touch(sess.db, args[1])
	writeBulk(w, id)
}

func splitID(id string) (uint64, uint64) {
	a, b, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(a, 10, 64)
	seq, _ := strconv.ParseUint(b, 10, 64)
	return ms, seq
}

func writeHeader(w io.Writer, kind byte, n int) {
	fmt.Fprintf(w, "%c%d\r\n", kind, n)
}

func writeSimple(w io.Writer, s string) {
	fmt.Fprintf(w, "+%s\r\n", s)
}

func writeError(w io.Writer, msg string) {
	fmt.Fprintf(w, "-%s\r\n", msg)
}

func writeInt(w io.Writer, n int64) {
	fmt.Fprintf(w, ":%d\r\n", n)
}

func writeBulk(w io.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
}

func writeNull(w io.Writer, proto int, kind byte) {
	if proto == 3 {
		_, _ = io.WriteString(w, "_\r\n")
		return
	}
	fmt.Fprintf(w, "%c-1\r\n", kind)
}
