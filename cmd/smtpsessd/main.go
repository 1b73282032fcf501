// smtpsessd is a demonstration daemon built on top of internal/session: it
// loads a YAML configuration, opens a listener (a plain TCP address, or the
// sockets systemd passes in via socket activation), and drives every
// accepted connection through the session engine with an in-memory example
// Handler. It is scaffolding for exercising and integration-testing the
// session engine, not a relay or mail queue.
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	docopt "github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smtpsessd/smtpsessd/internal/config"
	"github.com/smtpsessd/smtpsessd/internal/log"
	"github.com/smtpsessd/smtpsessd/internal/metrics"
	"github.com/smtpsessd/smtpsessd/internal/session"
	"github.com/smtpsessd/smtpsessd/internal/systemd"
)

var version = "undefined"

const usage = `smtpsessd: a standalone SMTP session engine daemon.

Usage:
  smtpsessd [--config_dir=<dir>] [--config_overrides=<ov>]
  smtpsessd -h | --help
  smtpsessd --version

Options:
  --config_dir=<dir>       Configuration directory [default: /etc/smtpsessd].
  --config_overrides=<ov>  Override configuration values (a YAML fragment).
  -h --help                Show this help.
  --version                Show the version and exit.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "smtpsessd "+version)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if v, _ := opts.Bool("--version"); v {
		fmt.Printf("smtpsessd %s\n", version)
		return
	}

	log.Init()

	configDir, _ := opts.String("--config_dir")
	overrides, _ := opts.String("--config_overrides")

	conf, err := config.Load(configDir+"/smtpsessd.yaml", overrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("Error registering metrics: %v", err)
	}

	var tlsConfig *tls.Config
	if conf.TLSCertPath != "" && conf.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(conf.TLSCertPath, conf.TLSKeyPath)
		if err != nil {
			log.Fatalf("Error loading TLS certificate: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		log.Infof("No TLS certificate configured: STARTTLS will not be offered")
	}

	accounts := newAccountStore()
	if err := accounts.Set("demo", "demo"); err != nil {
		log.Fatalf("Error seeding demo account: %v", err)
	}

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf.MonitoringAddress)
	}

	lis, err := listen(conf.ListenAddress)
	if err != nil {
		log.Fatalf("Error listening on %q: %v", conf.ListenAddress, err)
	}
	log.Infof("Listening on %s", lis.Addr())

	sessCfg := session.Config{
		Hostname:       conf.Hostname,
		MaxMessageSize: conf.MaxMessageSizeBytes,
		IdleTimeout:    conf.IdleTimeout(),
		TLSConfig:      tlsConfig,
	}

	var sessionCount uint64
	factory := newDemoHandlerFactory(accounts, &sessionCount)

	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Errorf("Error accepting connection: %v", err)
			continue
		}

		n := atomic.AddUint64(&sessionCount, 1)
		go session.New(conn, sessCfg, factory).Serve(int64(n))
	}
}

// listen opens the configured listener. "systemd" requests socket
// activation (see sd_listen_fds(3)); anything else is a plain "host:port"
// or ":port" address dialed with net.Listen("tcp", ...).
func listen(addr string) (net.Listener, error) {
	if addr != "systemd" {
		return net.Listen("tcp", addr)
	}

	listeners, err := systemd.Listeners()
	if err != nil {
		return nil, fmt.Errorf("systemd socket activation failed: %v", err)
	}
	for _, ls := range listeners {
		if len(ls) > 0 {
			return ls[0], nil
		}
	}
	return nil, fmt.Errorf("no listening sockets passed by systemd; " +
		"set listen_address to a host:port instead")
}
