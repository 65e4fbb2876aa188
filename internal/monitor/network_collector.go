package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tripwire/sentinel/internal/model"
	"github.com/tripwire/sentinel/internal/store"
)

// NetworkReader reports the network the device is currently attached to as
// a stable identifier, or "" when it is offline.
type NetworkReader interface {
	Current() (string, error)
}

// interfaceReader identifies the network by the first up, non-loopback
// interface carrying a global unicast IPv4 address, e.g.
// "iface:wlan0/192.168.1.0/24".
type interfaceReader struct{}

func (interfaceReader) Current() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("network collector: list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil || !ipn.IP.IsGlobalUnicast() {
				continue
			}
			subnet := &net.IPNet{IP: ipn.IP.Mask(ipn.Mask), Mask: ipn.Mask}
			return "iface:" + ifc.Name + "/" + subnet.String(), nil
		}
	}
	return "", nil
}

// NetworkCollector polls the attached network and appends a NETWORK signal
// every time it changes. It implements Collector.
//
// The first poll only records the current network; signals are produced for
// changes after that. Going offline is not a signal, but reconnecting is,
// even to the same network.
type NetworkCollector struct {
	store        store.SignalStore
	reader       NetworkReader
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	onChange     func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Only touched by the polling goroutine.
	primed bool
	last   string
}

// NetworkCollectorOption is a functional option for NewNetworkCollector.
type NetworkCollectorOption func(*NetworkCollector)

// WithPollInterval overrides the default 30-second poll interval.
func WithPollInterval(d time.Duration) NetworkCollectorOption {
	return func(c *NetworkCollector) { c.pollInterval = d }
}

// WithNetworkReader replaces the interface-based reader. Intended for tests.
func WithNetworkReader(r NetworkReader) NetworkCollectorOption {
	return func(c *NetworkCollector) { c.reader = r }
}

// WithOnChange registers fn to run after each appended signal, typically
// Monitor.KickDetect.
func WithOnChange(fn func()) NetworkCollectorOption {
	return func(c *NetworkCollector) { c.onChange = fn }
}

// WithCollectorClock overrides the signal timestamp source.
func WithCollectorClock(now func() time.Time) NetworkCollectorOption {
	return func(c *NetworkCollector) { c.now = now }
}

// NewNetworkCollector returns a collector appending to st.
func NewNetworkCollector(st store.SignalStore, logger *slog.Logger, opts ...NetworkCollectorOption) *NetworkCollector {
	c := &NetworkCollector{
		store:        st,
		reader:       interfaceReader{},
		pollInterval: 30 * time.Second,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start polls once synchronously to prime the current network, then keeps
// polling in the background until Stop or ctx cancellation.
func (c *NetworkCollector) Start(ctx context.Context) error {
	c.poll(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop ends polling and blocks until the goroutine exits. It is safe to call
// multiple times.
func (c *NetworkCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *NetworkCollector) run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *NetworkCollector) poll(ctx context.Context) {
	id, err := c.reader.Current()
	if err != nil {
		c.logger.Warn("network collector: read failed", slog.Any("error", err))
		return
	}
	if !c.primed {
		c.primed, c.last = true, id
		return
	}
	if id == c.last {
		return
	}
	if id == "" {
		c.last = ""
		c.logger.Debug("network collector: offline")
		return
	}

	sigID, err := c.store.AppendSignal(ctx, model.Signal{
		Type:      model.SignalNetwork,
		Value:     id,
		Timestamp: c.now(),
		Metadata:  "source=network_collector",
	})
	if err != nil {
		// last is left unchanged so the next poll retries.
		c.logger.Error("network collector: append signal failed", slog.String("network", id), slog.Any("error", err))
		return
	}
	c.last = id
	c.logger.Info("network change recorded", slog.Int64("signal_id", sigID), slog.String("network", id))
	if c.onChange != nil {
		c.onChange()
	}
}
