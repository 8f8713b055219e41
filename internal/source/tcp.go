package source

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"nmealog/internal/logging"
)

const (
	HandshakeGPSD = "gpsd"
	HandshakeNone = "none"
)

// gpsdWatch asks gpsd for raw NMEA sentences only.
const gpsdWatch = `?WATCH={"enable":true,"raw":2,"json":false}` + "\n"

// ParseHandshake normalizes a handshake name.
func ParseHandshake(name string) (string, error) {
	switch h := strings.ToLower(strings.TrimSpace(name)); h {
	case HandshakeGPSD, HandshakeNone:
		return h, nil
	case "":
		return HandshakeNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownHandshake, name)
	}
}

type TCPConfig struct {
	// Addr is host:port.
	Addr      string
	Handshake string

	DialTimeout time.Duration

	// ReadTimeout bounds each ReadLine call. Zero blocks until a line or
	// an error arrives.
	ReadTimeout time.Duration

	MaxLineSize int

	Logger *slog.Logger
}

// TCPSource reads lines from a TCP stream such as gpsd or an AIS feed.
type TCPSource struct {
	conn        net.Conn
	lines       *lineReader
	readTimeout time.Duration
	logger      *slog.Logger
}

// DialTCP connects to cfg.Addr and performs the configured handshake.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCPSource, error) {
	handshake, err := ParseHandshake(cfg.Handshake)
	if err != nil {
		return nil, err
	}
	logger := logging.Component(cfg.Logger, "source", "addr", cfg.Addr)

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Addr, err)
	}
	logger.Info("connected", "handshake", handshake)

	if handshake == HandshakeGPSD {
		if cfg.DialTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.DialTimeout))
		}
		if _, err := conn.Write([]byte(gpsdWatch)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("gpsd watch request: %w", err)
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}

	s := &TCPSource{
		conn:        conn,
		lines:       newLineReader(conn, cfg.MaxLineSize),
		readTimeout: cfg.ReadTimeout,
		logger:      logger,
	}
	s.lines.onSkip = func(size int) {
		logger.Warn("discarding oversized line", "bytes", size)
	}
	return s, nil
}

// ReadLine returns the next line. A peer close returns io.EOF after any
// trailing unterminated line.
func (s *TCPSource) ReadLine() (string, error) {
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return "", err
		}
	}
	return s.lines.next(true)
}

func (s *TCPSource) Close() error {
	s.logger.Debug("closing connection")
	return s.conn.Close()
}
