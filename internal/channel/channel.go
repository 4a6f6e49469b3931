// Package channel parses command channel address literals and holds the
// per-peer connection parameters (address, port, shared secret) a
// Connection is dialed with. Resolving a channel by name from a
// configuration file is an external collaborator; this package only
// covers the literal address grammar the core library consumes directly.
package channel

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nominum/ccchannel/internal/ccerr"
)

// Family identifies the address family of a parsed literal.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// AddrPort is a parsed network address and port, either IPv4 or IPv6.
type AddrPort struct {
	Family Family
	Addr   string
	Port   uint16
	Scope  string // IPv6 zone id, e.g. "eth0"; empty if none.
}

// String renders the AddrPort back to its literal form.
func (a AddrPort) String() string {
	if a.Family == IPv6 && a.Scope != "" {
		return fmt.Sprintf("%s%%%s#%d", a.Addr, a.Scope, a.Port)
	}
	return fmt.Sprintf("%s#%d", a.Addr, a.Port)
}

// DialAddr returns the host:port form suitable for net.Dial, substituting
// the loopback address when Addr is the unspecified wildcard.
func (a AddrPort) DialAddr() string {
	addr := a.Addr
	switch {
	case a.Family == IPv4 && addr == "0.0.0.0":
		addr = "127.0.0.1"
	case a.Family == IPv6 && addr == "::":
		addr = "::1"
	}
	if a.Family == IPv6 {
		if a.Scope != "" {
			addr = addr + "%" + a.Scope
		}
		return net.JoinHostPort(addr, strconv.Itoa(int(a.Port)))
	}
	return net.JoinHostPort(addr, strconv.Itoa(int(a.Port)))
}

// ParseAddrPort parses the textual address[#port] or address[%scope][#port]
// form used by channel literals. IPv6 addresses are recognized by the
// presence of a colon.
func ParseAddrPort(text string) (AddrPort, error) {
	if strings.Contains(text, ":") {
		return parseAddrPort6(text)
	}
	return parseAddrPort4(text)
}

func parseAddrPort4(text string) (AddrPort, error) {
	addr, portStr := splitPort(text)
	port, err := parsePort(portStr)
	if err != nil {
		return AddrPort{}, err
	}
	return AddrPort{Family: IPv4, Addr: addr, Port: port}, nil
}

func parseAddrPort6(text string) (AddrPort, error) {
	addrscope, portStr := splitPort(text)
	port, err := parsePort(portStr)
	if err != nil {
		return AddrPort{}, err
	}

	addr := addrscope
	scope := ""
	if i := strings.IndexByte(addrscope, '%'); i >= 0 {
		addr = addrscope[:i]
		scope = addrscope[i+1:]
	}
	return AddrPort{Family: IPv6, Addr: addr, Port: port, Scope: scope}, nil
}

func splitPort(text string) (addr, port string) {
	if i := strings.IndexByte(text, '#'); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, "0"
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: bad port %q", ccerr.ErrBadChannelValue, s)
	}
	return uint16(n), nil
}

// Spec is the parameters needed to dial a command channel peer: the
// address/port to connect to and, if any, the shared secret used for
// authentication and encryption.
type Spec struct {
	Name     string
	AddrPort AddrPort
	Secret   []byte
	Options  map[string]string
}

// ParseLiteral parses a channel address literal: address[#port[#secret]],
// where a secret of "*" means no secret. A bare numeric string is taken
// as a port on 127.0.0.1, matching the convention used for local testing
// channels.
func ParseLiteral(name, literal string) (Spec, error) {
	if literal == "" {
		return Spec{}, fmt.Errorf("%w: empty channel literal", ccerr.ErrBadChannelValue)
	}
	if isAllDigits(literal) {
		literal = "127.0.0.1#" + literal
	}

	// Neither the address nor the %scope/port fields ever contain '#',
	// so splitting on it with a limit of 3 separates addr[#port[#secret]]
	// regardless of address family.
	parts := strings.SplitN(literal, "#", 3)
	rest := parts[0]
	if len(parts) >= 2 {
		rest += "#" + parts[1]
	}

	ap, err := ParseAddrPort(rest)
	if err != nil {
		return Spec{}, err
	}

	var secret []byte
	if len(parts) == 3 && parts[2] != "*" {
		secret = []byte(parts[2])
	}

	return Spec{Name: name, AddrPort: ap, Secret: secret}, nil
}

// Resolver resolves a channel name to its dial Spec. Core code depends
// only on this interface; a concrete resolver backed by a channel
// configuration file is out of scope (spec.md §1).
type Resolver interface {
	Resolve(name string) (Spec, error)
}

// LiteralResolver is the one in-scope Resolver: it treats every name as a
// channel literal in its own right and parses it directly.
type LiteralResolver struct{}

// Resolve implements Resolver by parsing name as a literal.
func (LiteralResolver) Resolve(name string) (Spec, error) {
	return ParseLiteral(name, name)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
