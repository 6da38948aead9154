package fabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/sakif/vulnproof/internal/apperror"
)

// PolicyViolation is returned when a dial is refused by the zone policy. No
// socket is opened before it is returned.
type PolicyViolation struct {
	From ZoneID
	To   ZoneID
	Addr netip.Addr
	Host string
}

func (e *PolicyViolation) Error() string {
	dest := e.Addr.String()
	if e.Host != "" && e.Host != dest {
		dest = fmt.Sprintf("%s (%s)", e.Host, dest)
	}
	return fmt.Sprintf("fabric: %s zone may not connect to %s in zone %s", e.From, dest, e.To)
}

func (e *PolicyViolation) Unwrap() error { return apperror.ErrPolicyViolation }

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Dialer opens connections on behalf of one zone, refusing any destination the
// topology does not allow.
type Dialer struct {
	topology *Topology
	zone     ZoneID
	resolver Resolver
	forward  proxy.ContextDialer
	proxyURL *url.URL
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer) error

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) DialerOption {
	return func(d *Dialer) error {
		d.resolver = r
		return nil
	}
}

// WithUpstreamProxy routes permitted connections through a SOCKS5 proxy such as
// socks5://egress.internal:1080. The proxy host is itself subject to the policy.
func WithUpstreamProxy(rawURL string) DialerOption {
	return func(d *Dialer) error {
		if rawURL == "" {
			return nil
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("fabric: parse upstream proxy: %w", err)
		}
		fwd, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("fabric: upstream proxy: %w", err)
		}
		cd, ok := fwd.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("fabric: upstream proxy %s does not support contexts", u.Scheme)
		}
		d.forward = cd
		d.proxyURL = u
		return nil
	}
}

// NewDialer returns a Dialer for zone.
func NewDialer(t *Topology, zone ZoneID, opts ...DialerOption) (*Dialer, error) {
	if _, ok := t.Zone(zone); !ok {
		return nil, fmt.Errorf("fabric: unknown zone %q", zone)
	}
	d := &Dialer{
		topology: t,
		zone:     zone,
		resolver: net.DefaultResolver,
		forward:  &net.Dialer{},
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Zone returns the zone this dialer speaks for.
func (d *Dialer) Zone() ZoneID { return d.zone }

// DialContext has the signature of net.Dialer.DialContext so it can be plugged
// into http.Transport.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("fabric: %w", err)
	}

	if err := d.Authorize(ctx, host); err != nil {
		return nil, err
	}
	if d.proxyURL != nil {
		if err := d.Authorize(ctx, d.proxyURL.Hostname()); err != nil {
			return nil, err
		}
	}

	return d.forward.DialContext(ctx, network, address)
}

// Authorize checks every address host resolves to. A host is refused if any of
// its addresses is refused, so a mixed DNS answer cannot smuggle a connection
// into a forbidden zone.
func (d *Dialer) Authorize(ctx context.Context, host string) error {
	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := d.topology.CheckEgress(d.zone, addr); err != nil {
			var pv *PolicyViolation
			if errors.As(err, &pv) {
				pv.Host = host
			}
			return err
		}
	}
	return nil
}

func (d *Dialer) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := d.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("fabric: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("fabric: resolve %s: no addresses", host)
	}
	return addrs, nil
}
