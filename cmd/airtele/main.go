package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/airtele/azure"
	"github.com/temoto/airtele/cmd/airtele/subcmd"
	"github.com/temoto/airtele/internal/agent"
	"github.com/temoto/airtele/internal/config"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/supervisor"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
)

const defaultConfigPath = "airtele.hcl"

var flagCount = flag.Int("n", 1, "sample: number of readings to print")

var modules = []subcmd.Mod{
	{Name: "run", Desc: "provision, connect and send telemetry until interrupted (default)", Main: runMain},
	{Name: "sample", Desc: "print -n random telemetry messages and exit", Main: sampleMain},
	{Name: "provision", Desc: "register with DPS, print hub assignment and exit", Main: provisionMain},
}

func main() {
	flagConfig := flag.String("config", defaultConfigPath, "HCL config file, optional unless set explicitly")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [-n count] [command]\n", os.Args[0])
		flag.PrintDefaults()
		subcmd.Usage(flag.CommandLine.Output(), modules)
	}
	flag.Parse()
	configRequired := false
	flag.Visit(func(f *flag.Flag) { configRequired = configRequired || f.Name == "config" })

	log := log2.NewStderr(log2.LInfo)
	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	underSystemd, err := subcmd.SdNotify("start")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	switch {
	case underSystemd:
		// systemd journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	case isatty.IsTerminal(os.Stderr.Fd()):
		log.SetFlags(log2.LInteractiveFlags)
	}

	if mod.Name != "sample" {
		fmt.Println("IoT Central Telemetry Sender for Airthings Device (using DPS)")
		fmt.Println("Press Ctrl-C to exit")
	}

	cfg, err := config.Read(log, *flagConfig, configRequired)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	azure.SetLibraryLog(log, cfg.MqttLogDebug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = mod.Main(ctx, log, cfg)
	if cme, ok := hub.AsConfigMissing(err); ok {
		printMissing(os.Stdout, cme)
		return
	}
	if err != nil {
		stop()
		log.Fatal(errors.ErrorStack(err))
	}
}

func printMissing(w io.Writer, e *hub.ConfigMissingError) {
	fmt.Fprintln(w, "Error: One or more DPS environment variables not set:")
	for _, name := range e.Names {
		fmt.Fprintf(w, "- %s\n", name)
	}
	fmt.Fprintf(w, "Optional: %s (defaults to %s)\n", config.EnvEndpoint, hub.DefaultEndpoint)
	fmt.Fprintln(w, "Please set these environment variables.")
}

func azureOptions(log *log2.Log, cfg *config.Config) (azure.Options, error) {
	tlsConfig, err := azure.TLSConfig(cfg.TLSCAFile)
	if err != nil {
		return azure.Options{}, err
	}
	if cfg.Identity.GroupKey && cfg.Identity.Key != "" {
		key, err := azure.DeriveDeviceKey(cfg.Identity.Key, cfg.Identity.DeviceID)
		if err != nil {
			return azure.Options{}, err
		}
		cfg.Identity.Key = key
		cfg.Identity.GroupKey = false
	}
	return azure.Options{
		Log:            log,
		TLS:            tlsConfig,
		NetworkTimeout: cfg.NetworkTimeout(),
		Keepalive:      cfg.Keepalive(),
		TokenTTL:       cfg.TokenTTL(),
	}, nil
}

func runMain(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opt, err := azureOptions(log, cfg)
	if err != nil {
		return err
	}
	a, err := agent.New(log, cfg, azure.NewProvisioner(opt), azure.NewDialer(opt))
	if err != nil {
		return err
	}
	a.OnReady = func() {
		if _, err := subcmd.SdNotify(daemon.SdNotifyReady); err != nil {
			log.Error(err)
		}
	}
	err = a.Run(ctx)
	_, _ = subcmd.SdNotify(daemon.SdNotifyStopping)
	return err
}

func sampleMain(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	return writeSamples(os.Stdout, telemetry.NewSampler(nil), *flagCount)
}

// writeSamples prints n encoded readings, one per line.
// Every payload is decoded back to check it against the strict schema.
func writeSamples(w io.Writer, sampler *telemetry.Sampler, n int) error {
	if n < 1 {
		return errors.NotValidf("sample count=%d", n)
	}
	for i := 0; i < n; i++ {
		msg, err := telemetry.Encode(sampler.Sample())
		if err != nil {
			return err
		}
		if _, err := telemetry.Decode(msg.Payload); err != nil {
			return errors.Annotatef(err, "sample payload=%s", msg.Payload)
		}
		if _, err := fmt.Fprintln(w, string(msg.Payload)); err != nil {
			return errors.Annotate(err, "sample write")
		}
	}
	return nil
}

func provisionMain(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opt, err := azureOptions(log, cfg)
	if err != nil {
		return err
	}
	sup := supervisor.New(log, cfg.HubIdentity(), cfg.ModelID, azure.NewProvisioner(opt), azure.NewDialer(opt))
	a, err := sup.Provision(ctx)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(struct {
		Status   string `json:"status"`
		Hub      string `json:"assignedHub"`
		DeviceID string `json:"deviceId"`
	}{a.Status, a.Hub, a.DeviceID}, "", "  ")
	if err != nil {
		return errors.Annotate(err, "assignment marshal")
	}
	fmt.Println(string(b))
	return nil
}
