package nntp

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newsreap/newsreap/internal/config"
)

// scriptFunc answers one command. The reader is positioned after the
// command line and the writer goes straight to the client, so handlers with
// an intermediate exchange (POST's 340 before the payload) can write
// through before returning the final response. Returning "" yields a 500.
type scriptFunc func(cmd string, br *bufio.Reader, w io.Writer) string

// testServer is a scripted in-process NNTP peer on a loopback port.
type testServer struct {
	ln      net.Listener
	welcome string
	script  scriptFunc
	wg      sync.WaitGroup
}

func newTestServer(t *testing.T, welcome string, script scriptFunc) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{ln: ln, welcome: welcome, script: script}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *testServer) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Config returns a server record pointing at this listener.
func (s *testServer) Config() config.ServerConfig {
	return config.ServerConfig{
		Host:      "127.0.0.1",
		Port:      s.Port(),
		JoinGroup: true,
		Priority:  1,
	}
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.session(conn)
		}()
	}
}

func (s *testServer) session(conn net.Conn) {
	defer conn.Close()
	if _, err := io.WriteString(conn, s.welcome); err != nil {
		return
	}

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if strings.EqualFold(cmd, "QUIT") {
			io.WriteString(conn, "205 goodbye\r\n")
			return
		}
		resp := s.script(cmd, br, conn)
		if resp == "" {
			resp = "500 command not recognized\r\n"
		}
		if _, err := io.WriteString(conn, resp); err != nil {
			return
		}
	}
}

// readDotBlock consumes a dot-terminated payload, returning it verbatim
// including the terminator line.
func readDotBlock(br *bufio.Reader) string {
	var b strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return b.String()
		}
		b.WriteString(line)
		if strings.TrimRight(line, "\r\n") == "." {
			return b.String()
		}
	}
}
