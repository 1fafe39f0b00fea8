package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"aufloes/pkg/config"
)

const usage = `Usage: aufloes [-p port] [-v] [-ip addr] [-config file] [-udp addr] <server-url>

Relays plain DNS queries received on localhost to a DNS-over-HTTPS server,
or to a UDP resolver when -udp is given.

Options:
`

// options holds the command line
type options struct {
	configPath  string
	bootstrapIP string
	udpAddress  string
	serverURL   string
	port        int
	verbose     bool
	showVersion bool
}

// parseFlags parses args (without the program name). flag.ErrHelp is
// returned for -h.
func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("aufloes", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		_, _ = fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.IntVar(&opts.port, "p", 0, "Local port to listen on (default 53)")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose (debug) logging")
	fs.StringVar(&opts.bootstrapIP, "ip", "", "IP address of the DNS-over-HTTPS server, skipping its name lookup")
	fs.StringVar(&opts.udpAddress, "udp", "", "Forward over UDP to this resolver instead of DNS-over-HTTPS")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.showVersion {
		return opts, nil
	}

	switch fs.NArg() {
	case 0:
	case 1:
		opts.serverURL = fs.Arg(0)
	default:
		fs.Usage()
		return nil, fmt.Errorf("expected one server URL, got %d arguments", fs.NArg())
	}

	if opts.serverURL != "" && opts.udpAddress != "" {
		return nil, errors.New("a server URL and -udp cannot be combined")
	}
	if opts.serverURL == "" && opts.udpAddress == "" && opts.configPath == "" {
		fs.Usage()
		return nil, errors.New("missing server URL")
	}
	if opts.port < 0 || opts.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.port)
	}

	return opts, nil
}

// apply overrides file values with the ones given on the command line
func (o *options) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Server.Port = o.port
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	if o.bootstrapIP != "" {
		cfg.Upstream.BootstrapIP = o.bootstrapIP
	}
	if o.serverURL != "" {
		cfg.Upstream.Transport = config.TransportHTTPS
		cfg.Upstream.URL = o.serverURL
	}
	if o.udpAddress != "" {
		cfg.Upstream.Transport = config.TransportUDP
		cfg.Upstream.Address = o.udpAddress
	}
}

// load reads the configuration file at path, or starts from defaults when
// path is empty, then applies the command line and validates the result
func (o *options) load(path string) (*config.Config, error) {
	cfg := config.LoadWithDefaults()
	if path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}

	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
