package broker

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme marks a device address reachable over this broker. Addresses have
// the form amqp://<vhost>/<exchange>; the exchange maps to a Kafka topic.
const Scheme = "amqp"

// Address is a parsed broker address.
type Address struct {
	VHost    string
	Exchange string
}

func (a Address) String() string {
	return Scheme + "://" + a.VHost + "/" + a.Exchange
}

// IsBrokerAddress reports whether addr is a broker-style address.
func IsBrokerAddress(addr string) bool {
	_, err := ParseAddress(addr)
	return err == nil
}

// ParseAddress parses a broker address. The exchange is required.
func ParseAddress(addr string) (Address, error) {
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid broker address: %w", err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Address{}, fmt.Errorf("not a broker address: scheme %q", u.Scheme)
	}
	exchange := strings.Trim(u.Path, "/")
	if exchange == "" {
		return Address{}, fmt.Errorf("broker address %q has no exchange", addr)
	}
	return Address{VHost: u.Host, Exchange: exchange}, nil
}

// ReplyAddress builds the address a device declared as reply destination.
// A replyTo that already carries a scheme is taken as is.
func ReplyAddress(vhost, replyTo string) string {
	if strings.Contains(replyTo, "://") {
		return replyTo
	}
	return Address{VHost: vhost, Exchange: replyTo}.String()
}
