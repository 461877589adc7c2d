/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	jcr "github.com/tinode/jsonco"

	"github.com/tinode/swarmagg/server/archive"
	"github.com/tinode/swarmagg/server/dedup"
	"github.com/tinode/swarmagg/server/logs"
	"github.com/tinode/swarmagg/server/msgstate"
	"github.com/tinode/swarmagg/server/notify"
	"github.com/tinode/swarmagg/server/router"
	"github.com/tinode/swarmagg/server/swarm"

	// Archive handlers
	_ "github.com/tinode/swarmagg/server/archive/fs"
	_ "github.com/tinode/swarmagg/server/archive/s3"

	// Notification handlers
	_ "github.com/tinode/swarmagg/server/notify/evm"
	_ "github.com/tinode/swarmagg/server/notify/stdout"
)

const (
	// Version of the service.
	currentVersion = "0.3"

	defaultListen     = ":6060"
	defaultExpvarPath = "/debug/vars"
	defaultGsocTopic  = "chat-aggregator"
)

// Build timestamp set by the compiler
var buildstamp = ""

var globals struct {
	hub          *Hub
	subscription *swarm.Subscription

	// Channel for updating expvar stats, nil when stats are off.
	statsUpdate chan *varUpdate
}

type metricsConfig struct {
	// URL path for Prometheus metrics, "-" to disable.
	Path      string `json:"path"`
	Namespace string `json:"namespace"`
	// Scrape timeout in seconds.
	Timeout int `json:"timeout"`
}

type gsocConfig struct {
	// Node which delivers GSOC messages.
	BeeURL string `json:"bee_url"`
	// Hex private key which mines the GSOC address.
	ResourceID string `json:"resource_id"`
	// Name of the GSOC channel.
	Topic string `json:"topic"`
}

type chatConfig struct {
	swarm.BeeConfig
	// Shared writer nodes. Defaults to the node in url.
	Writers []string `json:"writers"`
}

type dedupConfig struct {
	MaxEntries int `json:"max_entries"`
	MinEntries int `json:"min_entries"`
}

type topicsConfig struct {
	// Seconds of inactivity after which a topic is removed from memory.
	MaxIdle int `json:"max_idle"`
	// Seconds between idle topic sweeps.
	SweepInterval int `json:"sweep_interval"`
	QueueSize     int `json:"queue_size"`
	InitWorkers   int `json:"init_workers"`
	// Seconds.
	InitTimeout  int `json:"init_timeout"`
	WriteTimeout int `json:"write_timeout"`
}

type stateConfig struct {
	// Limit on a serialized history chunk in bytes.
	MaxSize int `json:"max_size"`
}

type archiveConfig struct {
	// Name of the handler to use, empty to disable.
	UseHandler string `json:"use_handler"`
	// Individual handler configs.
	Handlers map[string]json.RawMessage `json:"handlers"`
}

// Contents of the configuration file
type configType struct {
	// HTTP listen address for health, stats and metrics.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats, "-" to disable.
	ExpvarPath string `json:"expvar"`
	// URL path for profiling, empty to disable.
	PprofPath string          `json:"pprof"`
	Metrics   metricsConfig   `json:"metrics"`
	Gsoc      gsocConfig      `json:"gsoc"`
	Chat      chatConfig      `json:"chat"`
	Router    router.Config   `json:"router"`
	Dedup     dedupConfig     `json:"dedup"`
	Topics    topicsConfig    `json:"topics"`
	State     stateConfig     `json:"state"`
	Archive   archiveConfig   `json:"archive"`
	Notify    json.RawMessage `json:"notify"`
}

// parseConfig reads the config file which may contain comments.
func parseConfig(r io.Reader) (*configType, error) {
	var config configType

	jr := jcr.New(r)
	if err := json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("unmarshall error in config file in %s at %d:%d (offset %d bytes): %w",
				jerr.Field, lnum, cnum, jerr.Offset, err)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, fmt.Errorf("syntax error in config file at %d:%d (offset %d bytes): %w",
				lnum, cnum, jerr.Offset, err)
		default:
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &config, nil
}

// applyEnv overrides config values with environment variables when set.
func (c *configType) applyEnv(getenv func(string) string) {
	set := func(dst *string, name string) {
		if val := getenv(name); val != "" {
			*dst = val
		}
	}

	set(&c.Gsoc.BeeURL, "GSOC_BEE_URL")
	set(&c.Gsoc.ResourceID, "GSOC_RESOURCE_ID")
	set(&c.Gsoc.Topic, "GSOC_TOPIC")
	set(&c.Chat.URL, "CHAT_BEE_URL")
	set(&c.Chat.Key, "CHAT_KEY")
	set(&c.Chat.Stamp, "CHAT_STAMP")
	set(&c.Router.GatewayURL, "GATEWAY_URL")
	set(&c.Router.AdminSecret, "ADMIN_SECRET")
}

// setDefaults fills in missing values and checks the required ones.
func (c *configType) setDefaults() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.ExpvarPath == "" {
		c.ExpvarPath = defaultExpvarPath
	}
	if c.Gsoc.Topic == "" {
		c.Gsoc.Topic = defaultGsocTopic
	}
	if c.Gsoc.BeeURL == "" {
		return errors.New("config: missing GSOC node URL")
	}
	if c.Gsoc.ResourceID == "" {
		return errors.New("config: missing GSOC resource ID")
	}
	if c.Chat.URL == "" {
		return errors.New("config: missing chat node URL")
	}
	if c.Chat.Key == "" {
		return errors.New("config: missing chat signing key")
	}
	if c.Chat.Stamp == "" {
		return errors.New("config: missing postage stamp")
	}
	if len(c.Chat.Writers) == 0 {
		c.Chat.Writers = []string{c.Chat.URL}
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup.MaxEntries = dedup.DefaultMaxEntries
	}
	if c.Dedup.MinEntries <= 0 {
		c.Dedup.MinEntries = dedup.DefaultMinEntries
	}
	if c.Dedup.MinEntries >= c.Dedup.MaxEntries {
		return fmt.Errorf("config: %w (%d >= %d)", dedup.ErrEntryLimits, c.Dedup.MinEntries, c.Dedup.MaxEntries)
	}
	if c.State.MaxSize <= 0 {
		c.State.MaxSize = msgstate.DefaultMaxSize
	}
	return nil
}

func (c *configType) hubConfig() hubConfig {
	return hubConfig{
		maxIdle:       time.Duration(c.Topics.MaxIdle) * time.Second,
		sweepInterval: time.Duration(c.Topics.SweepInterval) * time.Second,
		queueSize:     c.Topics.QueueSize,
		initWorkers:   c.Topics.InitWorkers,
		initTimeout:   time.Duration(c.Topics.InitTimeout) * time.Second,
		writeTimeout:  time.Duration(c.Topics.WriteTimeout) * time.Second,
		stateMaxSize:  c.State.MaxSize,
	}
}

// writerCache hands out clients of writer nodes. Clients share the signing key and
// the postage stamp of the chat node.
type writerCache struct {
	lock    sync.Mutex
	base    *swarm.Bee
	clients map[string]swarm.Client
}

func newWriterCache(base *swarm.Bee) *writerCache {
	return &writerCache{base: base, clients: map[string]swarm.Client{base.URL(): base}}
}

func (wc *writerCache) get(url string) swarm.Client {
	url = strings.TrimSuffix(url, "/")

	wc.lock.Lock()
	defer wc.lock.Unlock()

	if c, ok := wc.clients[url]; ok {
		return c
	}
	c := wc.base.WithURL(url)
	wc.clients[url] = c
	return c
}

func main() {
	executable, _ := os.Executable()

	// All relative paths are resolved against the current directory.
	var configfile = flag.String("config", "swarmagg.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP clients.")
	flag.Parse()

	logs.Info.Printf("Server '%s' v%s:%s; pid %d; %d process(es)",
		executable, currentVersion, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	var config *configType
	file, err := os.Open(*configfile)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Error.Fatal("Failed to read config file: ", err)
		}
		// Environment alone is enough.
		logs.Warning.Printf("Config file '%s' not found, using environment", *configfile)
		config = &configType{}
	} else {
		config, err = parseConfig(file)
		file.Close()
		if err != nil {
			logs.Error.Fatal(err)
		}
	}

	config.applyEnv(os.Getenv)
	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if err := config.setDefaults(); err != nil {
		logs.Error.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", serveHealth)

	// Exposing values for statistics and monitoring.
	statsInit(mux, config.ExpvarPath)
	servePprof(mux, config.PprofPath)
	metricsInit(mux, config.Metrics.Path, config.Metrics.Namespace, time.Duration(config.Metrics.Timeout)*time.Second)

	filter, err := dedup.New(config.Dedup.MaxEntries, config.Dedup.MinEntries)
	if err != nil {
		logs.Error.Fatal(err)
	}

	chat, err := swarm.NewBee(config.Chat.BeeConfig)
	if err != nil {
		logs.Error.Fatal(err)
	}
	logs.Info.Printf("Writing feeds of %s through %s", chat.Owner().Hex(), chat.URL())

	rt, err := router.New(config.Router, config.Chat.Writers, logs.Default())
	if err != nil {
		logs.Error.Fatal(err)
	}
	if rt.Enabled() {
		logs.Info.Printf("Routing streams through gateway %s", config.Router.GatewayURL)
	}

	arch, err := archive.Open(config.Archive.UseHandler, config.Archive.Handlers[config.Archive.UseHandler])
	if err != nil {
		logs.Error.Fatal(err)
	}
	if arch != nil {
		logs.Info.Printf("Mirroring history chunks to '%s'", config.Archive.UseHandler)
	}

	if enabled, err := notify.Init(config.Notify); err != nil {
		logs.Error.Fatal("Failed to initialize notifications: ", err)
	} else if len(enabled) > 0 {
		logs.Info.Printf("Notifications enabled: %s", strings.Join(enabled, ", "))
	}

	writers := newWriterCache(chat)
	globals.hub = newHub(config.hubConfig(), filter, chat, writers.get, rt, arch, logs.Default())

	address, err := swarm.GsocAddress(config.Gsoc.ResourceID, config.Gsoc.Topic)
	if err != nil {
		logs.Error.Fatal("Invalid GSOC resource ID: ", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sub, err := swarm.Subscribe(ctx, config.Gsoc.BeeURL, address, logs.Default())
	cancel()
	if err != nil {
		logs.Error.Fatalf("Failed to subscribe to GSOC channel %s at %s: %v", address, config.Gsoc.BeeURL, err)
	}
	globals.subscription = sub
	logs.Info.Printf("Subscribed to GSOC channel '%s' (%s)", config.Gsoc.Topic, address)

	go func() {
		for err := range sub.Errors() {
			logs.Warning.Println("GSOC subscription:", err)
		}
	}()

	go globals.hub.run(sub.Messages())

	if err := listenAndServe(config.Listen, mux, signalHandler()); err != nil {
		logs.Error.Fatal(err)
	}
	shutdownPlugins()

	logs.Info.Println("All done, good bye")
}
