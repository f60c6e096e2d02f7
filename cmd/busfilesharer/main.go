package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/dustin/go-humanize"
	"github.com/rescp17/busFileSharer/internal/config"
	"github.com/rescp17/busFileSharer/internal/logging"
	"github.com/rescp17/busFileSharer/internal/util"
	"github.com/rescp17/busFileSharer/pkg/bus"
	"github.com/rescp17/busFileSharer/pkg/discovery"
	"github.com/rescp17/busFileSharer/pkg/receiver"
	"github.com/rescp17/busFileSharer/pkg/sender"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Process exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitProtocolDecode = 2
	exitFileIntegrity  = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, newRootCmd()); err != nil {
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "busfilesharer",
		Short:        "Send a file over an MQTT bus in acknowledged chunks",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./busfilesharer.yaml)")
	flags.String("broker", "tcp://localhost:1883", "MQTT broker address")
	flags.Bool("discover", false, "Find the broker via mDNS (_mqtt._tcp) instead of --broker")
	flags.String("topic", "/file", "Data topic; acks use <topic>/status")
	flags.Int("qos", 0, "MQTT quality of service (0, 1 or 2)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format (text or json)")
	bindFlags(v, flags, map[string]string{
		"broker":     "broker",
		"discover":   "discover",
		"topic":      "topic",
		"qos":        "qos",
		"log-level":  "log_level",
		"log-format": "log_format",
	})

	cmd.AddCommand(newSendCmd(v, &configFile))
	cmd.AddCommand(newReceiveCmd(v, &configFile))
	cmd.AddCommand(newAnnounceCmd())
	return cmd
}

func newSendCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file and wait for every chunk to be acknowledged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, transport, err := setup(ctx, v, *configFile)
			if err != nil {
				return err
			}
			defer transport.Close()

			app := sender.NewApp(transport, &cfg.Transfer, cfg.Topic, log)
			result, err := app.Send(ctx, args[0])
			if err != nil {
				log.WithError(err).Error("Transfer failed")
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), sendSummary(result))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int("chunk-size", transfer.DefaultChunkSize, "Raw bytes per chunk")
	flags.Duration("ack-timeout", 0, "Resend a chunk when its ack is late (0 waits forever)")
	flags.Int("max-retries", 3, "Resends per chunk before giving up (with --ack-timeout)")
	bindFlags(v, flags, map[string]string{
		"chunk-size":  "transfer.chunk_size",
		"ack-timeout": "transfer.ack_timeout",
		"max-retries": "transfer.retry_policy.max_retries",
	})
	return cmd
}

func newReceiveCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive [dir]",
		Short: "Receive a file into dir (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("receiver.target_dir", args[0])
			}
			ctx := cmd.Context()
			cfg, log, transport, err := setup(ctx, v, *configFile)
			if err != nil {
				return err
			}
			defer transport.Close()

			app, err := receiver.NewApp(cfg.Receiver, transport, log)
			if err != nil {
				return err
			}
			app.OnFinalized(func(r *receiver.FinalizeResult) {
				fmt.Fprintf(cmd.OutOrStdout(), "OK: saved file %s (%s)\n", r.FinalPath, humanize.IBytes(uint64(r.Size)))
			})
			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("scratch-dir", "temp", "Directory for working files")
	flags.Int("workers", 8, "Maximum concurrently handled messages")
	flags.Bool("strict-sequence", true, "Re-ack duplicate chunks without appending and drop out-of-sequence chunks")
	flags.Bool("exit-after-transfer", true, "Exit once the first transfer is finalized")
	bindFlags(v, flags, map[string]string{
		"scratch-dir":         "receiver.scratch_dir",
		"workers":             "receiver.max_workers",
		"strict-sequence":     "receiver.strict_sequence",
		"exit-after-transfer": "receiver.exit_after_transfer",
	})
	return cmd
}

// newAnnounceCmd advertises a broker that has no mDNS support of its own so
// that --discover can find it.
func newAnnounceCmd() *cobra.Command {
	var (
		name string
		port int
	)
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Advertise a local MQTT broker over mDNS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.NewLogger("info", "text", os.Stderr)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"name": name, "port": port}).Info("Announcing broker")

			adapter := &discovery.MDNSAdapter{}
			err = adapter.Announce(cmd.Context(), discovery.ServiceInfo{
				Name:   name,
				Type:   discovery.DefaultBrokerType,
				Domain: discovery.DefaultDomain,
				Port:   port,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "busfilesharer-broker", "mDNS instance name")
	cmd.Flags().IntVar(&port, "port", 1883, "Broker port")
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// setup loads configuration, builds the logger, resolves the broker and
// connects to it.
func setup(ctx context.Context, v *viper.Viper, configFile string) (*config.Config, *logrus.Logger, bus.Transport, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", transfer.ErrInvalidConfiguration, err)
	}

	broker := cfg.Broker
	if cfg.Discover {
		discoverCtx, cancel := context.WithTimeout(ctx, cfg.DiscoverTimeout)
		service, err := discovery.FindBroker(discoverCtx, &discovery.MDNSAdapter{})
		cancel()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("broker discovery failed: %w", err)
		}
		broker = service.BrokerURL()
		log.WithFields(logrus.Fields{"name": service.Name, "broker": broker}).Info("Discovered broker")
	}

	transport, err := bus.DialMQTT(ctx, bus.MQTTOptions{
		Broker:         broker,
		ClientID:       cfg.ClientID,
		QoS:            byte(cfg.QoS),
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, transport, nil
}

func sendSummary(result *transfer.Result) string {
	return util.Summary([]util.Field{
		{Label: "file", Value: result.FileName},
		{Label: "transfer", Value: result.TransferID},
		{Label: "size", Value: humanize.IBytes(uint64(result.Bytes))},
		{Label: "type", Value: result.MimeType},
		{Label: "chunks", Value: strconv.FormatInt(result.Chunks, 10)},
		{Label: "resends", Value: strconv.Itoa(result.Resends)},
		{Label: "md5", Value: result.FileHash},
		{Label: "elapsed", Value: result.Elapsed.Round(time.Millisecond).String()},
	})
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, transfer.ErrProtocolDecode):
		return exitProtocolDecode
	case errors.Is(err, transfer.ErrFileIntegrity):
		return exitFileIntegrity
	default:
		return exitFailure
	}
}
