package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service relays advertise on the local network.
const ServiceType = "_collabedit._tcp"

// Advertise registers this relay as a ServiceType instance until ctx is done,
// so editors on the same network can find it without configuration.
func Advertise(ctx context.Context, port int, logger *slog.Logger) error {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("collabedit-%s", host)
	srv, err := zeroconf.Register(instance, ServiceType, "local.", port, []string{"v=1"}, nil)
	if err != nil {
		return err
	}
	logger.Info("mdns service registered", "instance", instance, "port", port)
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return nil
}

// Discover browses for relays on the local network and streams their entries
// until ctx is done.
func Discover(ctx context.Context) (<-chan *zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, err
	}
	return entries, nil
}
