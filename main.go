package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shard-txn-router/catalog"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/config"
	httpd "github.com/shard-txn-router/http"
	"github.com/shard-txn-router/metric"
	"github.com/shard-txn-router/router"
	"github.com/shard-txn-router/routing"
	"github.com/shard-txn-router/store"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const (
	DefaultListenAddress = "localhost:11000"
	DefaultCatalogFile   = "catalog.db"
	ReapInterval         = time.Second
)

// Command line parameters
var (
	role          string
	configPath    string
	listenAddress string
	nodeID        string
	catalogFile   string
)

func init() {
	flag.StringVarP(&role, "role", "r", "router", "Role to start: catalog, shard or router")
	flag.StringVarP(&configPath, "config", "c", "", "Cluster config file, "+config.ClusterConfigFilePath+" if present")
	flag.StringVarP(&listenAddress, "listen", "l", "", "Listen address, taken from the config if not set")
	flag.StringVarP(&nodeID, "id", "i", "", "Shard ID, required for the shard role")
	flag.StringVarP(&catalogFile, "dbfile", "d", DefaultCatalogFile, "Catalog bolt file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if _, err := os.Stat(config.ClusterConfigFilePath); err != nil {
			return config.Default(), nil
		}
		configPath = config.ClusterConfigFilePath
	}
	return config.Load(configPath)
}

func newLogger(cfg config.LogConfig) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&nested.Formatter{
		HideKeys:    true,
		FieldsOrder: []string{"component"},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
		CallerFirst: true,
	})
	logger.SetReportCaller(cfg.ReportCaller)
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// serveMetrics exposes the process collectors next to a service listener.
func serveMetrics(log *log.Entry, serviceAddr string) {
	addr, err := common.GetDerivedAddress(serviceAddr)
	if err != nil {
		log.Warnf("no metrics listener: %s", err)
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warnf("metrics listener on %s: %s", addr, err)
		}
	}()
}

func startCatalog(logger *log.Logger, cfg *config.Config) (func(), error) {
	c, err := catalog.Open(logger, catalogFile)
	if err != nil {
		return nil, err
	}
	for _, s := range cfg.Shards {
		if err := c.AddShard(s.ID, s.Address); err != nil {
			c.Close()
			return nil, err
		}
	}
	addr := listenAddress
	if addr == "" {
		addr = cfg.CatalogAddress
	}
	svc, err := catalog.Serve(logger, c, addr)
	if err != nil {
		c.Close()
		return nil, err
	}
	serveMetrics(logger.WithField("component", "main"), addr)
	return func() {
		svc.Close()
		c.Close()
	}, nil
}

func startShard(logger *log.Logger, cfg *config.Config) (func(), error) {
	addr := listenAddress
	if sc, ok := cfg.Shard(nodeID); ok && addr == "" {
		addr = sc.Address
	}
	if nodeID == "" || addr == "" {
		return nil, fmt.Errorf("the shard role needs --id and an address from --listen or the config")
	}
	placement := catalog.NewClient(cfg.CatalogAddress)
	s := store.NewStore(logger, nodeID, placement)
	cohort, err := store.StartCohort(s, addr)
	if err != nil {
		placement.Close()
		return nil, err
	}
	serveMetrics(logger.WithField("component", "main"), addr)
	return func() {
		cohort.Close()
		placement.Close()
	}, nil
}

func startRouter(logger *log.Logger, cfg *config.Config) (func(), error) {
	addr := listenAddress
	if addr == "" {
		addr = DefaultListenAddress
	}
	cat := catalog.NewClient(cfg.CatalogAddress)

	// the config wins over catalog registrations of the same shard
	var known []common.ShardEntry
	for _, s := range cfg.Shards {
		known = append(known, common.ShardEntry{ID: s.ID, Address: s.Address})
	}
	registered, err := cat.Shards(context.Background())
	if err != nil {
		logger.Warnf("unable to list shards from the catalog: %s", err)
	}
	shards := router.NewShardRegistry()
	var remotes []*store.RemoteShard
	known = append(known, registered...)
	seen := make(map[string]bool)
	for _, s := range known {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		r := store.NewRemoteShard(s.ID, s.Address)
		shards.Register(s.ID, r)
		remotes = append(remotes, r)
	}

	reg := prometheus.NewRegistry()
	metrics := metric.New(reg)
	control := routing.NewRefreshControl()
	cache := routing.NewCache(logger, cat, control, metrics)
	r := router.New(logger, cache, shards, router.Options{MaxRetries: cfg.MaxRetries, TxnLifetime: cfg.TxnLifetime}, metrics)

	h := httpd.New(logger, addr, r, cat, cache, control, reg)
	if err := h.Start(); err != nil {
		cat.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go r.ReapLoop(ctx, ReapInterval)
	logger.Infof("router serving %d shards: %v", len(shards.IDs()), shards.IDs())

	return func() {
		cancel()
		h.Close()
		for _, s := range remotes {
			s.Close()
		}
		cat.Close()
	}, nil
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	log := logger.WithField("component", "main")

	var stop func()
	switch role {
	case "catalog":
		stop, err = startCatalog(logger, cfg)
	case "shard":
		stop, err = startShard(logger, cfg)
	case "router":
		stop, err = startRouter(logger, cfg)
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		log.Fatalf("unable to start %s: %s", role, err)
	}

	log.Infof("%s started successfully", role)
	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt)
	<-terminate
	stop()
	log.Infof("%s exiting", role)
}
