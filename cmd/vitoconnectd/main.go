package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	paho "github.com/eclipse/paho.mqtt.golang"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/config"
	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/hub"
	"github.com/speters/vitoconnect/mqtt"
	"github.com/speters/vitoconnect/optolink"
)

var cfgFile = flag.String("config", os.Getenv("CONFIG_FILE"), "configuration `file` (YAML)")
var httpServe = flag.String("s", "", "start http server at [bindtohost][:]port, overrides http.listen")
var connTo = flag.String("c", "", "connection string, use socket://[host]:[port] for TCP or [serialDevice] for direct serial connection, overrides link")
var verbose = flag.Bool("v", false, "verbose logging")
var showVersion = flag.Bool("version", false, "print version information and exit")

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file` on shutdown")

const reconnectDelay = 12 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("vitoconnectd %s\n", versioninfo.Short())
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *connTo != "" {
		cfg.Link = *connTo
	}
	if *httpServe != "" {
		cfg.HTTP.Listen = *httpServe
	}
	log.SetLevel(cfg.Level())
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.Debugf("Configuration:\n%s", config.Redacted(*cfg))
	log.Infof("vitoconnectd %s", versioninfo.Short())

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	err = run(cfg)
	writeMemProfile()
	if err != nil && !errors.Is(err, context.Canceled) {
		pprof.StopCPUProfile()
		log.Fatal(err)
	}
	log.Info("Shutdown complete")
}

func writeMemProfile() {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Error("could not create memory profile: ", err)
		return
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Error("could not write memory profile: ", err)
	}
}

func run(cfg *config.Config) error {
	kind, err := cfg.ProtocolKind()
	if err != nil {
		return err
	}

	reg := datapoint.NewRegistry()
	ds, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	for _, d := range ds {
		if _, err := reg.Register(d); err != nil {
			return err
		}
	}

	dev := optolink.NewDevice()
	if err := dev.Connect(cfg.Link, optolink.DefaultMode); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Link, err)
	}
	defer dev.Close()

	opts := append(cfg.ProtocolOptions(), optolink.WithLogger(log.WithField("component", "optolink")))
	proto, err := optolink.NewProtocol(kind, dev, opts...)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	h := hub.New(proto, reg, hub.WithInterval(cfg.Interval()), hub.WithMetrics(hub.NewMetrics(promReg)))

	if cfg.MQTT.Enabled {
		bridge := startMQTT(cfg.MQTT, reg, h)
		h.AddPublisher(bridge)
		defer bridge.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HTTP.Listen != "" {
		srv := startHTTP(cfg.HTTP.Listen, h, promReg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Errorf("HTTP server forced to shutdown: %v", err)
			}
		}()
	}

	go reconnect(ctx, dev)

	return h.Run(ctx)
}

func startMQTT(mc config.MQTTConfig, reg *datapoint.Registry, h *hub.Hub) *mqtt.Bridge {
	cfg := mqtt.Config{
		Broker:          mc.Broker,
		ClientID:        mc.ClientID,
		Username:        mc.Username,
		Password:        mc.Password,
		BaseTopic:       mc.BaseTopic,
		Discovery:       mc.HADiscoveryEnable,
		DiscoveryPrefix: mc.HADiscoveryTopic,
	}

	var bridge *mqtt.Bridge
	opts := mqtt.OptsFromConfig(cfg)
	opts.SetOnConnectHandler(func(c paho.Client) { bridge.OnConnect(c) })
	opts.SetConnectionLostHandler(func(c paho.Client, err error) { bridge.OnConnectionLost(c, err) })

	client := mqtt.NewClient(cfg, paho.NewClient(opts))
	bridge = mqtt.NewBridge(client, reg, h)
	if err := client.Connect(); err != nil {
		// paho keeps retrying in the background
		log.Warnf("MQTT broker %s not reachable yet: %v", cfg.Broker, err)
	}
	return bridge
}

func startHTTP(listen string, h *hub.Hub, g prometheus.Gatherer) *http.Server {
	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(listen); err == nil {
		listen = fmt.Sprintf(":%d", i)
	}
	srv := &http.Server{Addr: listen, Handler: newRouter(h, g)}
	go func() {
		log.Infof("HTTP server listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()
	return srv
}

// reconnect reopens the link whenever it is lost
func reconnect(ctx context.Context, dev *optolink.Device) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dev.Done():
		}
		log.Warnf("Link lost, reconnecting in %v", reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		if err := dev.Reconnect(); err != nil {
			log.Error(err)
		} else {
			log.Infof("Reconnected")
		}
	}
}
