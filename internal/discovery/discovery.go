// Package discovery announces replicas and finds them over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

// ErrNoServer is returned when browsing ends without finding a replica.
var ErrNoServer = errors.New("discovery: no server found")

// Entry is one announced replica.
type Entry struct {
	Instance string
	Host     string
	Port     int
	Replica  string
}

// Addr returns host:port.
func (e Entry) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Announcement is a live mDNS registration.
type Announcement struct {
	server *zeroconf.Server
	log    *slog.Logger
}

// Announce registers the replica listening on port until Shutdown.
func Announce(replica string, port int, logger *slog.Logger) (*Announcement, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s-%s", host, replica),
		Service,
		Domain,
		port,
		[]string{"txtv=1", "replica=" + replica},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log := logger.With("component", "discovery")
	log.Info("mDNS service registered", "service", Service, "port", port)
	return &Announcement{server: server, log: log}, nil
}

// Shutdown withdraws the registration.
func (a *Announcement) Shutdown() {
	a.server.Shutdown()
	a.log.Debug("mDNS service withdrawn")
}

func fromServiceEntry(se *zeroconf.ServiceEntry) (Entry, bool) {
	e := Entry{Instance: se.Instance, Port: se.Port}
	switch {
	case len(se.AddrIPv4) > 0:
		e.Host = se.AddrIPv4[0].String()
	case len(se.AddrIPv6) > 0:
		e.Host = se.AddrIPv6[0].String()
	case se.HostName != "":
		e.Host = strings.TrimSuffix(se.HostName, ".")
	default:
		return Entry{}, false
	}
	for _, kv := range se.Text {
		if v, ok := strings.CutPrefix(kv, "replica="); ok {
			e.Replica = v
		}
	}
	return e, true
}

// Browse collects replicas until ctx is done.
func Browse(ctx context.Context, logger *slog.Logger) ([]Entry, error) {
	var found []Entry
	err := browse(ctx, func(e Entry) bool {
		logger.Debug("mDNS discovered peer", "instance", e.Instance, "addr", e.Addr())
		found = append(found, e)
		return true
	})
	return found, err
}

// First returns the first replica found before ctx is done.
func First(ctx context.Context, logger *slog.Logger) (Entry, error) {
	var first Entry
	ok := false
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := browse(ctx, func(e Entry) bool {
		logger.Info("mDNS discovered server", "instance", e.Instance, "addr", e.Addr())
		first, ok = e, true
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNoServer
	}
	return first, nil
}

func browse(ctx context.Context, fn func(Entry) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("browse mDNS services: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case se, open := <-entries:
			if !open {
				return nil
			}
			e, ok := fromServiceEntry(se)
			if !ok {
				continue
			}
			if !fn(e) {
				return nil
			}
		}
	}
}
