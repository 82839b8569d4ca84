package svn

import (
	"context"
	"net"
	"time"

	"github.com/golang/glog"
)

type SocketSettings struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// the stream is reported stale after this much inactivity
	StaleTimeout time.Duration
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		ConnectTimeout: 15 * time.Second,
		KeepAlive:      5 * time.Second,
		StaleTimeout:   5 * time.Minute,
	}
}

// SocketConnector opens plain `svn://` tcp connections.
type SocketConnector struct {
	settings *SocketSettings
}

func NewSocketConnectorWithDefaults() *SocketConnector {
	return NewSocketConnector(DefaultSocketSettings())
}

func NewSocketConnector(settings *SocketSettings) *SocketConnector {
	return &SocketConnector{
		settings: settings,
	}
}

func (self *SocketConnector) Connect(ctx context.Context, target *Target) (Stream, error) {
	dialer := &net.Dialer{
		Timeout:   self.settings.ConnectTimeout,
		KeepAlive: self.settings.KeepAlive,
	}
	addr := target.HostPort(DefaultSvnPort)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[socket]connected %s -> %s\n", conn.LocalAddr(), conn.RemoteAddr())
	return newTrackedStream(conn, self.settings.StaleTimeout, nil, nil), nil
}
