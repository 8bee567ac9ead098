package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/speters/goash/ash"
)

// Options are the command line flags of ashd
type Options struct {
	Connect    string `short:"c" long:"connect" description:"connection string, use socket://[host]:[port] for TCP or [serialDevice] for direct serial connection"`
	Baud       int    `short:"b" long:"baud" description:"serial baud rate, 115200 for RTS/CTS or 57600 for XON/XOFF firmware"`
	Config     string `long:"config" description:"TOML file with daemon and link settings"`
	Serve      string `short:"s" long:"serve" description:"start http server at [bindtohost][:]port"`
	Probe      string `short:"p" long:"probe" description:"hex payload sent once connected, empty to disable (default: EZSP version query)"`
	Verbose    bool   `short:"v" long:"verbose" description:"verbose logging"`
	CPUProfile string `long:"cpuprofile" description:"write cpu profile to file"`
	MemProfile string `long:"memprofile" description:"write memory profile to file"`
}

// applyOptions lets flags given on the command line win over the config file
func applyOptions(opts *Options, isSet func(long string) bool, cfg *daemonConfig) {
	if opts.Connect != "" {
		cfg.Connect = opts.Connect
	}
	if isSet("baud") {
		cfg.Baud = opts.Baud
	}
	if opts.Serve != "" {
		cfg.Serve = opts.Serve
	}
	if isSet("probe") {
		cfg.Probe = opts.Probe
	}
	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(cfg.Serve); err == nil {
		cfg.Serve = fmt.Sprintf(":%d", i)
	}
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	cfg := defaultDaemonConfig()
	if opts.Config != "" {
		if err := loadConfigFile(opts.Config, &cfg); err != nil {
			log.Fatal(err)
		}
	}
	applyOptions(&opts, func(long string) bool {
		o := parser.FindOptionByLongName(long)
		return o != nil && o.IsSet()
	}, &cfg)

	if cfg.Connect == "" {
		log.Fatal("Need connection string in -c option or config file")
	}
	probe, err := hex.DecodeString(cfg.Probe)
	if err != nil {
		log.Fatalf("Invalid probe payload %q: %v", cfg.Probe, err)
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer cancel()

	d := newDaemon()
	if cfg.Serve != "" {
		h := &http.Server{Addr: cfg.Serve, Handler: d.router()}
		go func() { log.Error(h.ListenAndServe()) }()
		defer h.Close()
	}

	d.run(ctx, cfg, probe)

	if opts.MemProfile != "" {
		f, err := os.Create(opts.MemProfile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}

// run keeps a link up until ctx is done, reconnecting after transport failures
func (d *daemon) run(ctx context.Context, cfg daemonConfig, probe []byte) {
	for {
		dev := ash.NewDevice()
		err := dev.Connect(cfg.link())
		if err == nil {
			err = d.runLink(ctx, dev, cfg, probe)
			dev.Close()
		}
		if ctx.Err() != nil {
			return
		}
		log.Errorf("Link to %v lost: %v", cfg.Connect, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.ReconnectDelay):
		}
		log.Infof("Reconnecting")
	}
}

func (d *daemon) runLink(ctx context.Context, dev *ash.Device, cfg daemonConfig, probe []byte) error {
	lc := cfg.Link
	lc.Metrics = d.metrics
	tr, err := ash.New(dev, lc)
	if err != nil {
		return err
	}
	d.setCurrent(tr, cfg.Connect)
	defer d.setCurrent(nil, cfg.Connect)

	go logInbound(tr)
	go supervise(ctx, tr, cfg.ReconnectDelay, probe)
	return tr.Run(ctx)
}

func logInbound(tr *ash.Transceiver) {
	for {
		select {
		case b := <-tr.Inbound():
			log.Infof("Unsolicited payload '% x'", b)
		case <-tr.Done():
			return
		}
	}
}

// supervise sends the probe whenever the link comes up and resets a failed link
func supervise(ctx context.Context, tr *ash.Transceiver, delay time.Duration, probe []byte) {
	for {
		err := tr.WaitConnected(ctx)
		switch {
		case err == nil:
			sendProbe(ctx, tr, probe)
			if !waitLeave(ctx, tr, ash.PhaseConnected, time.Second) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			select {
			case <-ctx.Done():
				return
			case <-tr.Done():
				return
			case <-time.After(delay):
			}
			log.Warnf("Link failed, resetting")
			if err := tr.Reset(ctx); err != nil {
				log.Errorf("Reset failed: %v", err)
			}
		}
	}
}

// waitLeave polls until the link is no longer in phase p
func waitLeave(ctx context.Context, tr *ash.Transceiver, p ash.Phase, interval time.Duration) bool {
	t := time.NewTicker(interval)
	defer t.Stop()
	for tr.Phase() == p {
		select {
		case <-ctx.Done():
			return false
		case <-tr.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

func sendProbe(ctx context.Context, tr *ash.Transceiver, probe []byte) {
	if len(probe) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := tr.Proxy().Communicate(ctx, probe)
	if err != nil {
		log.Warnf("Probe '% x' failed: %v", probe, err)
		return
	}
	log.Infof("Probe '% x' answered with '% x'", probe, resp)
}
