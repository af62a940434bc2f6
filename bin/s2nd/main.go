package main

import (
	"flag"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"gopkg.in/yaml.v3"

	s2n "github.com/jimgrundy/s2n-tls"
)

var log = logrus.New()

// serverSettings is the on-disk configuration for s2nd.
type serverSettings struct {
	Addr            string   `yaml:"addr"`
	CertFiles       []string `yaml:"cert_files"`
	OCSPFile        string   `yaml:"ocsp_file"`
	Protocols       []string `yaml:"protocols"`
	SessionDB       string   `yaml:"session_database"`
	SessionLifetime string   `yaml:"session_lifetime"`
	MaxConns        int      `yaml:"max_conns"`
}

func defaultSettings() serverSettings {
	return serverSettings{
		Addr:            "localhost:4430",
		SessionLifetime: "24h",
		MaxConns:        256,
	}
}

func loadSettings(path string) (serverSettings, error) {
	settings := defaultSettings()
	if path == "" {
		return settings, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return settings, err
	}
	err = yaml.Unmarshal(raw, &settings)
	return settings, err
}

func buildConfig(settings serverSettings) (*s2n.Config, error) {
	config := &s2n.Config{NextProtos: settings.Protocols}

	for _, path := range settings.CertFiles {
		cert, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		config.Certificates = append(config.Certificates, cert)
	}
	if len(config.Certificates) == 0 {
		// Self-describing placeholder so the daemon runs without key
		// material; real deployments configure cert_files.
		config.Certificates = [][]byte{[]byte("s2nd development certificate")}
	}
	if settings.OCSPFile != "" {
		ocsp, err := os.ReadFile(settings.OCSPFile)
		if err != nil {
			return nil, err
		}
		config.OCSPResponse = ocsp
	}

	lifetime, err := time.ParseDuration(settings.SessionLifetime)
	if err != nil {
		lifetime = 24 * time.Hour
	}
	if settings.SessionDB != "" {
		store, err := s2n.NewSQLSessionStore(settings.SessionDB, lifetime)
		if err != nil {
			return nil, err
		}
		config.SessionCache = store
	} else {
		config.SessionCache = s2n.NewTTLSessionCache(lifetime)
	}
	return config, nil
}

func main() {
	var configFile string
	var addr string
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.Parse()

	settings, err := loadSettings(configFile)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if addr != "" {
		settings.Addr = addr
	}

	config, err := buildConfig(settings)
	if err != nil {
		log.Fatalf("building TLS configuration: %v", err)
	}

	inner, err := net.Listen("tcp", settings.Addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	listener := netutil.LimitListener(inner, settings.MaxConns)
	log.WithFields(logrus.Fields{
		"addr":      settings.Addr,
		"max_conns": settings.MaxConns,
	}).Info("s2nd listening")

	for {
		tcp, err := listener.Accept()
		if err != nil {
			log.Errorf("accept: %v", err)
			continue
		}
		go serve(tcp, config)
	}
}

// serve echoes application data back to the client until it closes.
func serve(tcp net.Conn, config *s2n.Config) {
	defer tcp.Close()
	entry := log.WithField("peer", tcp.RemoteAddr())

	conn, err := s2n.NewConn(s2n.ModeServer, config)
	if err != nil {
		entry.Errorf("new connection: %v", err)
		return
	}
	conn.SetManagedConn(tcp)
	defer conn.Free()

	if err := conn.Negotiate(); err != nil {
		entry.Errorf("handshake: %v", err)
		return
	}
	entry.WithFields(logrus.Fields{
		"version": conn.ActualProtocolVersion().String(),
		"alpn":    conn.ApplicationProtocol(),
		"sni":     conn.ServerName(),
	}).Info("handshake complete")

	buf := make([]byte, 16384)
	for {
		n, err := conn.Recv(buf)
		if err == io.EOF {
			conn.Shutdown()
			entry.WithFields(logrus.Fields{
				"bytes_in":  conn.WireBytesIn(),
				"bytes_out": conn.WireBytesOut(),
			}).Info("connection closed")
			return
		}
		if err != nil {
			entry.Errorf("recv: %v", err)
			return
		}
		if _, err := conn.Send(buf[:n]); err != nil {
			entry.Errorf("send: %v", err)
			return
		}
	}
}
