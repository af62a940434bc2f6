package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	s2n "github.com/jimgrundy/s2n-tls"
)

var addr string
var serverName string
var alpn string
var sessionDB string
var resumeTries int

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&serverName, "name", "localhost", "server name to request")
	flag.StringVar(&alpn, "alpn", "", "comma-separated application protocols to offer")
	flag.StringVar(&sessionDB, "session-database", "", "session database file for resumption (created if missing)")
	flag.IntVar(&resumeTries, "connections", 1, "number of sequential connections (later ones resume)")
	flag.Parse()

	config := &s2n.Config{ServerName: serverName}
	if alpn != "" {
		config.NextProtos = strings.Split(alpn, ",")
	}
	if sessionDB != "" {
		store, err := s2n.NewSQLSessionStore(sessionDB, 24*time.Hour)
		if err != nil {
			log.Fatalf("opening session database: %v", err)
		}
		defer store.Close()
		config.SessionCache = store
	} else {
		config.SessionCache = s2n.NewTTLSessionCache(time.Hour)
	}

	for i := 0; i < resumeTries; i++ {
		if err := runOnce(config); err != nil {
			log.Fatalf("connection %d: %v", i+1, err)
		}
	}
}

func runOnce(config *s2n.Config) error {
	tcp, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer tcp.Close()

	conn, err := s2n.NewConn(s2n.ModeClient, config)
	if err != nil {
		return err
	}
	conn.SetManagedConn(tcp)
	defer conn.Free()

	if err := conn.Negotiate(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("connected: version=%s alpn=%q session=%x\n",
		conn.ActualProtocolVersion(), conn.ApplicationProtocol(), conn.SessionID())

	line := "hello from s2nc"
	if stat, _ := os.Stdin.Stat(); stat.Mode()&os.ModeCharDevice == 0 {
		if scanned, ok := readLine(os.Stdin); ok {
			line = scanned
		}
	}
	if _, err := conn.Send([]byte(line)); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	buf := make([]byte, 16384)
	n, err := conn.Recv(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("recv: %w", err)
	}
	fmt.Printf("received %d bytes: %s\n", n, buf[:n])

	return conn.Shutdown()
}

func readLine(r io.Reader) (string, bool) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		return scanner.Text(), true
	}
	return "", false
}
