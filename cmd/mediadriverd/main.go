package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusmq/mediadriver/admin"
	"github.com/nimbusmq/mediadriver/conductor"
	"github.com/nimbusmq/mediadriver/config"
	"github.com/nimbusmq/mediadriver/counters"
	"github.com/nimbusmq/mediadriver/driver"
	"github.com/nimbusmq/mediadriver/flowcontrol"
	"github.com/nimbusmq/mediadriver/internal/nlog"
	"github.com/nimbusmq/mediadriver/stats"
)

const counterTableCapacity = 4096

func main() {
	cfg := config.Load()

	if err := driver.Bootstrap(cfg); err != nil {
		nlog.Errorf("mediadriverd: bootstrap: %v", err)
		os.Exit(1)
	}

	table, err := counters.New(counterTableCapacity)
	if err != nil {
		nlog.Errorf("mediadriverd: counters table: %v", err)
		os.Exit(1)
	}
	defer table.Close()

	transport, err := driver.ListenUDP(cfg.ListenAddr)
	if err != nil {
		nlog.Errorf("mediadriverd: %v", err)
		os.Exit(1)
	}

	// The client-facing broadcast ring buffer (spec.md §5's
	// "driver->clients" shared resource) is out of this module's scope;
	// the conductor only ever needs something that implements Dispatch.
	c, err := conductor.New(cfg, table, flowcontrol.NewRegistry(), conductor.NullDispatcher{}, transport, transport, cfg.CommandQueueLength)
	if err != nil {
		nlog.Errorf("mediadriverd: conductor: %v", err)
		os.Exit(1)
	}
	c.SetStats(stats.New(prometheus.DefaultRegisterer))

	adminSrv := admin.New(cfg.AdminAddr, table)

	d := driver.New(cfg, c, adminSrv, transport)
	d.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	nlog.Infof("mediadriverd: received %s, shutting down", sig)

	d.Stop()
	d.Wait()
}
