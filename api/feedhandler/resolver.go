package feedhandler

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultNameserver is the local stub resolver.
const DefaultNameserver = "127.0.0.53:53"

// Resolver discovers feed endpoints through DNS SRV records.
type Resolver struct {
	Nameserver string
	Client     *dns.Client
}

func NewResolver(nameserver string) *Resolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	return &Resolver{Nameserver: nameserver, Client: new(dns.Client)}
}

// Resolve returns the "host:port" endpoints advertised for name, ordered
// by SRV priority and then by descending weight.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("could not resolve %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})

	endpoints := make([]string, 0, len(records))
	for _, srv := range records {
		endpoints = append(endpoints, net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port))))
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", name)
	}
	return endpoints, nil
}

// ResolveClient builds a Client for the first endpoint advertised for name.
func (r *Resolver) ResolveClient(ctx context.Context, name, scheme string) (*Client, error) {
	endpoints, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		scheme = "https"
	}
	return NewClient(scheme+"://"+endpoints[0], nil), nil
}
