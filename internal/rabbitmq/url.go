package rabbitmq

import (
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultURL is used when no broker URL is configured
const DefaultURL = "amqp://localhost/"

// Connection defaults applied when the URL omits a field
const (
	DefaultUsername = "guest"
	DefaultPassword = "guest"
	DefaultPort     = 5672
	DefaultVhost    = "/"
)

// ParseURL turns a broker URL of the form scheme://[user[:pass]@]host[:port][/vhost]
// into connection parameters. Missing fields fall back to guest/guest, port
// 5672 (5671 for amqps) and the root vhost. No network I/O is performed.
func ParseURL(raw string) (amqp.URI, error) {
	if strings.TrimSpace(raw) == "" {
		return amqp.URI{}, &ConfigError{URL: raw, Err: errors.New("empty URL")}
	}

	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return amqp.URI{}, &ConfigError{URL: SanitizeURL(raw), Err: err}
	}
	if uri.Host == "" {
		return amqp.URI{}, &ConfigError{URL: SanitizeURL(raw), Err: errors.New("missing host")}
	}

	if uri.Username == "" {
		uri.Username = DefaultUsername
	}
	if uri.Password == "" {
		uri.Password = DefaultPassword
	}
	if uri.Port == 0 {
		uri.Port = DefaultPort
	}
	if uri.Vhost == "" {
		uri.Vhost = DefaultVhost
	}

	return uri, nil
}
