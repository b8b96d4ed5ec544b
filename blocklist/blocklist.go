// SPDX-License-Identifier: GPL-3.0-or-later

// Package blocklist checks sender domains against a DNS based domain blocklist.
package blocklist

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/metrics"

	"github.com/sirupsen/logrus"
)

const (
	DefaultZone    = "dbl.spamhaus.org"
	DefaultTimeout = 5 * time.Second
)

// Resolver is the subset of net.Resolver used for lookups.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type Blocklist struct {
	resolver Resolver
	zone     string
	timeout  time.Duration
	l        *logrus.Logger
}

// NewBlocklist uses net.DefaultResolver if resolver is nil.
func NewBlocklist(zone string, timeout time.Duration, resolver Resolver) *Blocklist {
	if zone == "" {
		zone = DefaultZone
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Blocklist{
		resolver: resolver,
		zone:     strings.Trim(zone, "."),
		timeout:  timeout,
		l:        log.Logger(log.LOG_BLOCKLIST),
	}
}

// Domain returns the lower-cased part after the last "@", or "" if there is none.
func Domain(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[i+1:]))
}

// IsListed reports whether the domain of address resolves in the blocklist zone.
// Lookup failures other than "not found" are logged and treated as not listed.
func (b *Blocklist) IsListed(ctx context.Context, address string) bool {
	domain := Domain(address)
	if domain == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	query := domain + "." + b.zone
	_, err := b.resolver.LookupIP(ctx, "ip4", query)
	if err == nil {
		b.l.WithFields(logrus.Fields{"domain": domain, "zone": b.zone}).Info("Domain is blocklisted")
		metrics.BlocklistLookupsTotal.WithLabelValues(metrics.ResultListed).Inc()
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		metrics.BlocklistLookupsTotal.WithLabelValues(metrics.ResultClean).Inc()
		return false
	}

	b.l.WithError(err).WithField("query", query).Warn("Blocklist lookup failed")
	metrics.BlocklistLookupsTotal.WithLabelValues(metrics.ResultError).Inc()
	return false
}
