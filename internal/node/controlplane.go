package node

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const controlPlaneReadyTimeout = 10 * time.Second

// ControlPlane is the embedded NATS server a head node runs.
type ControlPlane struct {
	srv    *server.Server
	logger *zap.Logger
}

// StartControlPlane starts a NATS server on host:port. Port -1 picks a random port.
func StartControlPlane(host string, port int, logger *zap.Logger) (*ControlPlane, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "clustercheck-head",
		Host:       host,
		Port:       port,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create control plane server: %w", err)
	}
	srv.SetLoggerV2(&natsLogger{s: logger.Sugar()}, false, false, false)

	go srv.Start()
	if !srv.ReadyForConnections(controlPlaneReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("control plane not ready after %s", controlPlaneReadyTimeout)
	}

	cp := &ControlPlane{srv: srv, logger: logger}
	logger.Info("Control plane started", zap.String("listen", cp.listenAddr()))
	return cp, nil
}

func (c *ControlPlane) listenAddr() string {
	addr, ok := c.srv.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return addr.String()
}

// Port is the port the server is listening on.
func (c *ControlPlane) Port() int {
	if addr, ok := c.srv.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// LocalURL is the URL processes on this machine connect to.
func (c *ControlPlane) LocalURL() string {
	return "nats://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port()))
}

// AdvertisedURL is the URL other machines connect to.
func (c *ControlPlane) AdvertisedURL(address string) string {
	return "nats://" + net.JoinHostPort(address, strconv.Itoa(c.Port()))
}

// Shutdown stops the server and waits for it to exit.
func (c *ControlPlane) Shutdown() {
	c.srv.Shutdown()
	c.srv.WaitForShutdown()
	c.logger.Info("Control plane stopped")
}

// natsLogger routes nats-server logs through zap.
type natsLogger struct {
	s *zap.SugaredLogger
}

func (l *natsLogger) Noticef(format string, v ...any) { l.s.Debugf(format, v...) }
func (l *natsLogger) Warnf(format string, v ...any)   { l.s.Warnf(format, v...) }
func (l *natsLogger) Fatalf(format string, v ...any)  { l.s.Errorf(format, v...) }
func (l *natsLogger) Errorf(format string, v ...any)  { l.s.Errorf(format, v...) }
func (l *natsLogger) Debugf(format string, v ...any)  { l.s.Debugf(format, v...) }
func (l *natsLogger) Tracef(format string, v ...any)  { l.s.Debugf(format, v...) }
