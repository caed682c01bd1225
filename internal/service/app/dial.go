package app

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/service/relay"

	"github.com/gorilla/websocket"
)

// NewDialer builds the relay transport named by cfg.
func NewDialer(cfg config.RelayConfig) (relay.Dialer, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	switch cfg.Transport {
	case config.TransportTLS:
		return &relay.TLSDialer{Addr: cfg.Address, Config: tlsCfg, Timeout: cfg.DialTimeout}, nil
	case config.TransportWebSocket:
		return &relay.WebSocketDialer{
			URL: cfg.URL,
			Dialer: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.DialTimeout,
				TLSClientConfig:  tlsCfg,
			},
		}, nil
	}
	return nil, fmt.Errorf("app: unknown relay transport %q", cfg.Transport)
}
