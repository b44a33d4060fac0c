// Package main is the proxypool CLI: grab/find/serve subcommands over
// the core validation, pooling, and forwarding packages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	goFlags "github.com/jessevdk/go-flags"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/proxypool/proxypool/internal/adminapi"
	"github.com/proxypool/proxypool/internal/config"
	"github.com/proxypool/proxypool/internal/connpool"
	"github.com/proxypool/proxypool/internal/dnsbl"
	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/internal/forward"
	"github.com/proxypool/proxypool/internal/geo"
	"github.com/proxypool/proxypool/internal/judge"
	"github.com/proxypool/proxypool/internal/poolmgr"
	"github.com/proxypool/proxypool/internal/provider"
	"github.com/proxypool/proxypool/internal/validate"
	"github.com/proxypool/proxypool/utils"
)

// options is the top-level flag set; each field is a subcommand.
var options struct {
	ConfigPath string       `long:"config-path" description:"TOML configuration file; serve loads and watches it, but its values are not applied to any command's options" default:""`
	Grab       grabCommand  `command:"grab" description:"pull candidates from a source and print them"`
	Find       findCommand  `command:"find" description:"validate candidates and print admitted proxies"`
	Serve      serveCommand `command:"serve" description:"validate candidates once and run the forwarding server over the admitted pool"`
}

func main() {
	l := slogutil.New(&slogutil.Config{
		Output: os.Stdout,
		Format: slogutil.FormatDefault,
		Level:  slog.LevelInfo,
	})
	ctx := context.Background()

	parser := goFlags.NewParser(&options, goFlags.Default)
	if _, err := parser.Parse(); err != nil {
		if goFlags.WroteHelp(err) {
			os.Exit(0)
		}
		l.ErrorContext(ctx, "parsing arguments", slogutil.KeyError, err)
		os.Exit(1)
	}
}

// candidatesFromFile reads one "host:port" candidate per line, skipping
// blank lines and "#"-prefixed comments.
func candidatesFromFile(path string) ([]domain.Candidate, error) {
	if exists, err := utils.FileExists(path); err != nil || !exists {
		return nil, fmt.Errorf("%w: source file %s not found", domain.ErrInvalidInput, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", domain.ErrInvalidInput, path, err)
	}

	var out []domain.Candidate
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, portStr, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			continue
		}
		out = append(out, domain.Candidate{Host: host, Port: port})
	}
	return out, nil
}

// printProxies renders proxies in one of default|text|json, matching the
// stats manager's AsJsonPretty idiom for the json path.
func printProxies(proxies []domain.Proxy, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(proxies)
	case "text":
		for _, p := range proxies {
			fmt.Printf("%s\t%v\t%s\n", p.Addr(), p.VerifiedProtocols, p.AnonymityLevel)
		}
		return nil
	default:
		for _, p := range proxies {
			fmt.Printf("%-22s protocols=%-28v anonymity=%-12s country=%s\n",
				p.Addr(), p.VerifiedProtocols, p.AnonymityLevel, p.Geo.CountryISO)
		}
		return nil
	}
}

// grabCommand pulls candidates from a source file and prints them
// unvalidated, for inspecting what a Provider would feed the engine.
type grabCommand struct {
	Source string `long:"source" description:"path to a newline-delimited host:port candidate file" required:"true"`
	Format string `long:"format" choice:"default" choice:"text" choice:"json" default:"default" description:"output format"`
}

func (c *grabCommand) Execute(args []string) error {
	candidates, err := candidatesFromFile(c.Source)
	if err != nil {
		return err
	}

	if c.Format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}
	for _, cand := range candidates {
		fmt.Printf("%s:%d\n", cand.Host, cand.Port)
	}
	return nil
}

// findCommand validates candidates from a source file and prints the
// admitted proxies.
type findCommand struct {
	Source         string   `long:"source" description:"path to a newline-delimited host:port candidate file" required:"true"`
	Types          []string `long:"types" description:"protocols to validate: HTTP,HTTPS,SOCKS4,SOCKS5,CONNECT:80,CONNECT:25" required:"true"`
	Levels         []string `long:"levels" description:"accepted anonymity levels: Transparent,Anonymous,High"`
	Countries      []string `long:"countries" description:"accepted ISO country codes"`
	MaxTries       int      `long:"max-tries" default:"2" description:"probe attempts per protocol"`
	SupportCookies bool     `long:"support-cookies" description:"record a cookie passthrough requirement in the policy (the engine does not check it)"`
	SupportReferer bool     `long:"support-referer" description:"record a referer passthrough requirement in the policy (the engine does not check it)"`
	Limit          int      `long:"limit" description:"stop after this many admitted proxies (0 = unbounded)"`
	Format         string   `long:"format" choice:"default" choice:"text" choice:"json" default:"default" description:"output format"`

	DNSBLCheck         bool     `long:"dnsbl-check" description:"screen candidates against DNS blocklists before admission"`
	DNSBLTimeout       int      `long:"dnsbl-timeout" default:"2" description:"per-list DNSBL query timeout, seconds"`
	DNSBLMaxConcurrent int      `long:"dnsbl-max-concurrent" default:"10" description:"max concurrent DNSBL queries"`
	DNSBLCacheTTL      int      `long:"dnsbl-cache-ttl" default:"3600" description:"DNSBL verdict cache TTL, seconds"`
	DNSBLThreshold     int      `long:"dnsbl-threshold" default:"2" description:"listings required to mark malicious"`
	DNSBLLists         []string `long:"dnsbl-lists" description:"restrict to these DNSBL list ids (e.g. zen, barracuda)"`
	DNSBLExclude       []string `long:"dnsbl-exclude" description:"exclude these DNSBL list ids"`
}

func (c *findCommand) Execute(args []string) error {
	candidates, err := candidatesFromFile(c.Source)
	if err != nil {
		return err
	}

	policy := validate.DefaultPolicy()
	policy.ExpectedProtocols = nil
	for _, t := range c.Types {
		policy.ExpectedProtocols = append(policy.ExpectedProtocols, domain.Protocol(t))
	}
	for _, lvl := range c.Levels {
		policy.ExpectedAnonymity = append(policy.ExpectedAnonymity, domain.AnonymityLevel(lvl))
	}
	policy.ExpectedCountries = c.Countries
	policy.MaxTries = c.MaxTries
	policy.SupportCookies = c.SupportCookies
	policy.SupportReferer = c.SupportReferer
	policy.Limit = c.Limit
	policy.DNSBLEnabled = c.DNSBLCheck

	judges, err := judge.NewManager(judge.DefaultConfig())
	if err != nil {
		return fmt.Errorf("%w: constructing judge manager: %s", domain.ErrConfig, err)
	}
	ctx := context.Background()
	realExtIP, err := judges.DiscoverRealIP(ctx, 5*time.Second)
	if err != nil {
		log.Warn("find: could not discover real external IP, anonymity classification will be degraded: %v", err)
	}
	judges.Pretest(ctx, realExtIP, 2*time.Second)

	var checker *dnsbl.Checker
	if c.DNSBLCheck {
		cfg := dnsbl.DefaultConfig()
		cfg.Timeout = time.Duration(c.DNSBLTimeout) * time.Second
		cfg.MaxConcurrent = int64(c.DNSBLMaxConcurrent)
		cfg.CacheTTL = time.Duration(c.DNSBLCacheTTL) * time.Second
		cfg.MaliciousThreshold = c.DNSBLThreshold
		cfg.SpecificLists = c.DNSBLLists
		cfg.ExcludedLists = c.DNSBLExclude
		checker = dnsbl.NewChecker(cfg)
	}

	engine := validate.NewEngine(policy, judges, checker, geo.NewCached(geo.Disabled{}, time.Hour, 10*time.Minute), realExtIP)
	src := provider.NewStatic(candidates)

	var admitted []domain.Proxy
	for p := range engine.Run(ctx, src) {
		admitted = append(admitted, p)
	}

	return printProxies(admitted, c.Format)
}

// serveCommand validates every candidate in a source file once, admits
// the survivors into the pool, then runs the forwarding server against
// that pool with periodic connection-pool sweeps and judge re-pretests.
type serveCommand struct {
	Host           string   `long:"host" default:"0.0.0.0" description:"forwarding server listen host"`
	Port           int      `long:"port" default:"8888" description:"forwarding server listen port"`
	MaxAvgRespTime int      `long:"max-avg-resp-time" default:"3000" description:"pool eligibility ceiling, milliseconds"`
	Source         string   `long:"source" description:"path to a newline-delimited host:port candidate file" required:"true"`
	Types          []string `long:"types" default:"HTTP" default:"HTTPS" description:"protocols to validate"`
	AdminAddr      string   `long:"admin-addr" default:"127.0.0.1:8889" description:"admin API listen address"`
}

func (c *serveCommand) Execute(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfgStore *config.Store
	if options.ConfigPath != "" {
		loaded, err := config.Load(options.ConfigPath)
		if err != nil {
			return err
		}
		cfgStore = config.NewStore(options.ConfigPath, loaded)
		stop := make(chan struct{})
		defer close(stop)
		cfgStore.Watch(stop)
	}

	candidates, err := candidatesFromFile(c.Source)
	if err != nil {
		return err
	}

	policy := validate.DefaultPolicy()
	policy.ExpectedProtocols = nil
	for _, t := range c.Types {
		policy.ExpectedProtocols = append(policy.ExpectedProtocols, domain.Protocol(t))
	}

	judges, err := judge.NewManager(judge.DefaultConfig())
	if err != nil {
		return fmt.Errorf("%w: constructing judge manager: %s", domain.ErrConfig, err)
	}
	realExtIP, err := judges.DiscoverRealIP(ctx, 5*time.Second)
	if err != nil {
		log.Warn("serve: could not discover real external IP, anonymity classification will be degraded: %v", err)
	}
	judges.Pretest(ctx, realExtIP, 2*time.Second)

	checker := dnsbl.NewChecker(dnsbl.DefaultConfig())
	policy.DNSBLEnabled = true

	engine := validate.NewEngine(policy, judges, checker, geo.NewCached(geo.Disabled{}, time.Hour, 10*time.Minute), realExtIP)
	src := provider.NewStatic(candidates)

	poolCfg := poolmgr.DefaultConfig()
	poolCfg.MaxAvgRespTime = time.Duration(c.MaxAvgRespTime) * time.Millisecond
	pool := poolmgr.New(poolCfg)
	for p := range engine.Run(ctx, src) {
		pool.Admit(p)
	}

	conns := connpool.New(connpool.DefaultConfig())

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(30).Seconds().Do(conns.Sweep); err != nil {
		return fmt.Errorf("scheduling connection pool sweep: %w", err)
	}
	if _, err := scheduler.Every(10).Minutes().Do(func() {
		ip, err := judges.DiscoverRealIP(ctx, 5*time.Second)
		if err != nil {
			log.Warn("serve: re-pretest could not refresh real external IP, keeping previous value: %v", err)
			ip = realExtIP
		}
		judges.Pretest(ctx, ip, 2*time.Second)
	}); err != nil {
		return fmt.Errorf("scheduling judge re-pretest: %w", err)
	}
	scheduler.StartAsync()

	admin := adminapi.New(pool, conns, judges, checker)
	go serveAdmin(c.AdminAddr, admin)

	fwdCfg := forward.DefaultConfig()
	fwdCfg.Host = c.Host
	fwdCfg.Port = c.Port
	server := forward.New(fwdCfg, pool, conns)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signalChannel:
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

// serveAdmin runs the admin API until the process exits; a failure here
// is logged but never takes down the forwarding server.
func serveAdmin(addr string, admin *adminapi.Handler) {
	srv := &http.Server{Addr: addr, Handler: admin.Mux()}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "admin api: %s\n", err)
	}
}
