package queue

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process JetStream server.
type EmbeddedConfig struct {
	Host     string
	Port     int
	StoreDir string
	// ReadyTimeout bounds how long Start waits for the server to accept clients.
	ReadyTimeout time.Duration
}

// EmbeddedConfigFromURL derives host and port from a client URL such as
// nats://127.0.0.1:4222.
func EmbeddedConfigFromURL(rawURL, storeDir string) (EmbeddedConfig, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return EmbeddedConfig{}, fmt.Errorf("parse queue url: %w", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return EmbeddedConfig{}, fmt.Errorf("parse queue url %q: %w", rawURL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return EmbeddedConfig{}, fmt.Errorf("parse queue url port %q: %w", portStr, err)
	}
	return EmbeddedConfig{Host: host, Port: port, StoreDir: storeDir}, nil
}

type EmbeddedServer struct {
	server *server.Server
}

// StartEmbedded starts a JetStream-enabled nats-server and waits until it
// accepts connections.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("embedded queue requires a store directory")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	opts := &server.Options{
		ServerName: "sitepulse",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within %v", cfg.ReadyTimeout)
	}
	return &EmbeddedServer{server: ns}, nil
}

// ClientURL is the address clients should dial.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
