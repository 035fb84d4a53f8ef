package nats

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens the NATS connection a Store uses. The returned close
// function is called by Store.Close.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectURL connects to natsURL.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(natsURL, append([]natsgo.Option{natsgo.MaxReconnects(3)}, opts...)...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, or to the default local server.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

// UseConnection shares an existing connection. Store.Close leaves it open.
func UseConnection(nc *natsgo.Conn) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		return nc, func() {}, nil
	}
}
