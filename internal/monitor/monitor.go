// Package monitor implements the periodic polling loop that watches live
// md arrays for state changes, ported from original_source/Monitor.c:
// its per-array "struct state" becomes the state type below, its
// active/working/failed-disks comparison becomes the event switch in poll, and its
// map_dev-based alert becomes deliver. Spare migration (spec section 4.7,
// "to be implemented") is supplemented here per SPEC_FULL.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/neilbrown/mdctl-go/internal/devnum"
	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

// DefaultPeriod is the interval between polls when Options.Period is zero.
const DefaultPeriod = 60 * time.Second

// Target is one array Monitor watches, plus the administrator-supplied
// spare-group tag used for spare migration between peers.
type Target struct {
	Device     string
	SpareGroup string
}

// Options configures one Monitor run.
type Options struct {
	Targets     []Target
	Period      time.Duration
	AlertCmd    string
	MailAddr    string
	MetricsAddr string
}

// Event names an array state transition, per spec section 4.7 step 3.
type Event string

const (
	EventFail        Event = "Fail"
	EventFailSpare   Event = "FailSpare"
	EventActiveSpare Event = "ActiveSpare"
)

// state is per-array bookkeeping, matching Monitor.c's "struct state":
// update time, error-suppression flag, the four disk counts, and the
// per-slot state vector used to find which disk changed.
type state struct {
	seen                            bool
	utime                           uint32
	err                              bool
	active, working, failed, spare  int
	devState                        [superblock.Disks]int32
}

// arrayHandle is the subset of *driver.Handle Monitor needs, extracted so
// tests can substitute a fake instead of opening a real device node.
type arrayHandle interface {
	QueryArray() (*driver.ArrayInfo, error)
	QueryDisk(number int) (*driver.DiskInfo, error)
	Close() error
}

// controlHandle is the subset of *driver.Handle spare migration needs.
type controlHandle interface {
	arrayHandle
	HotAddDisk(dev uint64) error
	HotRemoveDisk(dev uint64) error
}

// Injectable collaborators, overridden in tests.
var (
	openArray = func(path string) (arrayHandle, error) { return driver.OpenReadOnly(path) }
	openControl = func(path string) (controlHandle, error) { return driver.Open(path) }
	newULID     = func() string { return ulid.Make().String() }
	mapDev      = devnum.MapDev
	runAlertCmd = func(ctx context.Context, cmd string, args []string) error {
		return exec.CommandContext(ctx, cmd, args...).Run()
	}
	sendAlertMail = defaultSendMail
)

// Monitor holds the in-memory state for a set of watched arrays, per spec
// section 3's "Monitor State" (sticky per process, not persisted).
type Monitor struct {
	mu      sync.Mutex
	states  map[string]*state
	targets []Target
	metrics *metricsSet
}

// New builds a Monitor for the given watch targets. The Prometheus
// endpoint is started by Run, when Options.MetricsAddr is non-empty.
func New(targets []Target) *Monitor {
	return &Monitor{
		states:  make(map[string]*state),
		targets: targets,
	}
}

// Run executes the poll loop until ctx is cancelled. Each tick, every
// target is queried once (state changes generate an alert), then spare
// migration is attempted across targets sharing a spare-group.
func (m *Monitor) Run(ctx context.Context, opts Options) error {
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	if len(opts.Targets) > 0 {
		m.targets = opts.Targets
	}

	if opts.MetricsAddr != "" {
		m.metrics = newMetricsSet()
		startMetricsServer(ctx, opts.MetricsAddr, m.metrics.registry)
	}

	for {
		for _, tgt := range m.targets {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			m.poll(ctx, tgt, opts.AlertCmd, opts.MailAddr)
		}

		m.migrateSpares(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(period):
		}
	}
}

// poll queries one array once, updating its stored state and delivering
// an alert if a Fail/FailSpare/ActiveSpare transition is detected.
func (m *Monitor) poll(ctx context.Context, tgt Target, alertCmd, mailAddr string) {
	m.mu.Lock()
	st, ok := m.states[tgt.Device]
	if !ok {
		st = &state{}
		m.states[tgt.Device] = st
	}
	m.mu.Unlock()

	handle, err := openArray(tgt.Device)
	if err != nil {
		if !st.err {
			fmt.Fprintf(os.Stderr, "mdctl: cannot open %s: %v\n", tgt.Device, err)
			log.Error().Str("component", "monitor").Str("device", tgt.Device).Err(err).Msg("cannot open array")
		}
		st.err = true
		return
	}
	defer handle.Close()

	info, err := handle.QueryArray()
	if err != nil {
		if !st.err {
			fmt.Fprintf(os.Stderr, "mdctl: cannot get array info for %s: %v\n", tgt.Device, err)
			log.Error().Str("component", "monitor").Str("device", tgt.Device).Err(err).Msg("cannot query array info")
		}
		st.err = true
		return
	}
	st.err = false

	m.recordMetrics(tgt.Device, info)

	if st.seen && st.utime == uint32(info.Utime) && st.failed == int(info.FailedDisks) {
		return
	}

	var event Event
	if st.seen {
		switch {
		case st.active > int(info.ActiveDisks):
			event = EventFail
		case st.working > int(info.WorkingDisks):
			event = EventFailSpare
		case st.active < int(info.ActiveDisks):
			event = EventActiveSpare
		}
	}

	var eventDisc string
	total := int(info.RaidDisks) + int(info.SpareDisks)
	for i := 0; i < total && i < superblock.Disks; i++ {
		disk, err := handle.QueryDisk(i)
		if err != nil {
			continue
		}
		if event != "" && eventDisc == "" && st.devState[i] != disk.State {
			if dv := mapDev(int(disk.Major), int(disk.Minor)); dv != "" {
				eventDisc = dv
			}
		}
		st.devState[i] = disk.State
	}

	st.active = int(info.ActiveDisks)
	st.working = int(info.WorkingDisks)
	st.spare = int(info.SpareDisks)
	st.failed = int(info.FailedDisks)
	st.utime = uint32(info.Utime)
	st.seen = true

	if event != "" {
		m.deliver(ctx, event, tgt.Device, eventDisc, alertCmd, mailAddr)
	}
}

// deliver reports a detected event: a one-line log if no transport is
// configured, an exec'd alert command, and/or a mailed notice for
// Fail-prefixed events, matching Monitor.c's alert().
func (m *Monitor) deliver(ctx context.Context, event Event, dev, disc, alertCmd, mailAddr string) {
	id := newULID()
	discLabel := disc
	if discLabel == "" {
		discLabel = "unknown device"
	}

	if m.metrics != nil {
		m.metrics.events.WithLabelValues(string(event), dev).Inc()
	}

	if alertCmd == "" && mailAddr == "" {
		now := time.Now().Format("Jan _2 15:04:05")
		fmt.Printf("%s: %s on %s %s\n", now, event, dev, discLabel)
	}
	log.Info().
		Str("component", "monitor").
		Str("event_id", id).
		Str("event", string(event)).
		Str("device", dev).
		Str("disc", discLabel).
		Msg("array state change detected")

	if alertCmd != "" {
		if err := runAlertCmd(ctx, alertCmd, []string{string(event), dev, disc}); err != nil {
			log.Warn().Str("component", "monitor").Str("event_id", id).Err(err).Msg("alert command failed")
		}
	}

	if mailAddr != "" && hasFailPrefix(string(event)) {
		if err := sendAlertMail(mailAddr, event, dev, disc); err != nil {
			log.Warn().Str("component", "monitor").Str("event_id", id).Err(err).Msg("alert mail failed")
		}
	}
}

func hasFailPrefix(event string) bool {
	return len(event) >= 4 && event[:4] == "Fail"
}

func defaultSendMail(mailAddr string, event Event, dev, disc string) error {
	hostname, _ := os.Hostname()
	cmd := exec.Command("/usr/sbin/sendmail", "-t")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Fprintf(stdin, "From: mdctl monitoring <root>\n")
	fmt.Fprintf(stdin, "To: %s\n", mailAddr)
	fmt.Fprintf(stdin, "Subject: %s event on %s:%s\n\n", event, dev, hostname)
	fmt.Fprintf(stdin, "This is an automatically generated mail message from mdctl\nrunning on %s\n\n", hostname)
	fmt.Fprintf(stdin, "A %s event had been detected on md device %s.\n\n", event, dev)
	if disc != "" {
		fmt.Fprintf(stdin, "It could be related to sub-device %s.\n\n", disc)
	}
	fmt.Fprintf(stdin, "Faithfully yours, etc.\n")
	stdin.Close()

	return cmd.Wait()
}

// migrateSpares implements spec section 4.7's optional spare migration:
// an array with active < raid_disks and no spare of its own borrows one
// from a peer in the same spare-group that has active == raid_disks and
// at least one spare.
func (m *Monitor) migrateSpares(ctx context.Context) {
	type candidate struct {
		target Target
		info   *driver.ArrayInfo
	}

	byGroup := make(map[string][]candidate)
	m.mu.Lock()
	for _, tgt := range m.targets {
		if tgt.SpareGroup == "" {
			continue
		}
		st, ok := m.states[tgt.Device]
		if !ok || !st.seen || st.err {
			continue
		}
		byGroup[tgt.SpareGroup] = append(byGroup[tgt.SpareGroup], candidate{target: tgt})
	}
	m.mu.Unlock()

	for group, members := range byGroup {
		var degraded, donor *Target
		var donorRaidDisks int
		for i := range members {
			tgt := members[i].target
			handle, err := openArray(tgt.Device)
			if err != nil {
				continue
			}
			info, err := handle.QueryArray()
			handle.Close()
			if err != nil {
				continue
			}
			switch {
			case degraded == nil && int(info.ActiveDisks) < int(info.RaidDisks) && info.SpareDisks == 0:
				t := tgt
				degraded = &t
			case donor == nil && info.ActiveDisks == info.RaidDisks && info.SpareDisks > 0:
				t := tgt
				donor = &t
				donorRaidDisks = int(info.RaidDisks)
			}
		}
		if degraded == nil || donor == nil {
			continue
		}
		log.Info().Str("component", "monitor").Str("spare_group", group).
			Str("from", donor.Device).Str("to", degraded.Device).
			Msg("migrating spare between arrays")
		m.moveSpare(ctx, *donor, *degraded, donorRaidDisks)
	}
}

func (m *Monitor) moveSpare(ctx context.Context, donor, degraded Target, donorRaidDisks int) {
	donorHandle, err := openControl(donor.Device)
	if err != nil {
		log.Warn().Str("component", "monitor").Str("device", donor.Device).Err(err).Msg("cannot open donor for spare migration")
		return
	}
	defer donorHandle.Close()

	var spareDisk *driver.DiskInfo
	for i := 0; i < superblock.Disks; i++ {
		disk, err := donorHandle.QueryDisk(i)
		if err != nil {
			continue
		}
		if i >= donorRaidDisks && disk.Major != 0 {
			d := *disk
			spareDisk = &d
			break
		}
	}
	if spareDisk == nil {
		return
	}

	dev := devnum.Make(int(spareDisk.Major), int(spareDisk.Minor))
	if err := donorHandle.HotRemoveDisk(dev); err != nil {
		log.Warn().Str("component", "monitor").Str("device", donor.Device).Err(err).Msg("hot-remove from donor failed")
		return
	}

	degradedHandle, err := openControl(degraded.Device)
	if err != nil {
		log.Warn().Str("component", "monitor").Str("device", degraded.Device).Err(err).Msg("cannot open degraded array for spare migration")
		return
	}
	defer degradedHandle.Close()

	if err := degradedHandle.HotAddDisk(dev); err != nil {
		log.Warn().Str("component", "monitor").Str("device", degraded.Device).Err(err).Msg("hot-add to degraded array failed")
	}
	_ = ctx
}

// metricsSet holds the optional Prometheus gauges/counter, exposed only
// when --metrics-addr is set, grounded on cmd/pulse/metrics_server.go's
// promhttp.Handler wiring.
type metricsSet struct {
	registry *prometheus.Registry
	active   *prometheus.GaugeVec
	failed   *prometheus.GaugeVec
	spareG   *prometheus.GaugeVec
	rebuild  *prometheus.GaugeVec
	events   *prometheus.CounterVec
}

func newMetricsSet() *metricsSet {
	reg := prometheus.NewRegistry()
	ms := &metricsSet{
		registry: reg,
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdctl_array_active_disks",
			Help: "Active member disks in the array.",
		}, []string{"device"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdctl_array_failed_disks",
			Help: "Failed member disks in the array.",
		}, []string{"device"}),
		spareG: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdctl_array_spare_disks",
			Help: "Spare member disks in the array.",
		}, []string{"device"}),
		rebuild: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdctl_array_rebuild_percent_complete",
			Help: "Approximate rebuild completion, derived from active vs raid disk counts.",
		}, []string{"device"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdctl_monitor_events_total",
			Help: "Derived Fail/FailSpare/ActiveSpare events, by kind and device.",
		}, []string{"event", "device"}),
	}
	reg.MustRegister(ms.active, ms.failed, ms.spareG, ms.rebuild, ms.events)
	return ms
}

func (m *Monitor) recordMetrics(device string, info *driver.ArrayInfo) {
	if m.metrics == nil {
		return
	}
	m.metrics.active.WithLabelValues(device).Set(float64(info.ActiveDisks))
	m.metrics.failed.WithLabelValues(device).Set(float64(info.FailedDisks))
	m.metrics.spareG.WithLabelValues(device).Set(float64(info.SpareDisks))
	if info.RaidDisks > 0 {
		pct := float64(info.ActiveDisks) / float64(info.RaidDisks) * 100
		m.metrics.rebuild.WithLabelValues(device).Set(pct)
	}
}

var metricsShutdownTimeout = 5 * time.Second

// startMetricsServer exposes reg on addr until ctx is cancelled, mirroring
// cmd/pulse/metrics_server.go's startMetricsServer exactly.
func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("component", "monitor_metrics").Str("addr", addr).Msg("failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("component", "monitor_metrics").Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("component", "monitor_metrics").Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()
}
