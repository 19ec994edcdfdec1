package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lancast.app/lancast/internal/buildinfo"
	"lancast.app/lancast/internal/captions"
	"lancast.app/lancast/internal/config"
	"lancast.app/lancast/internal/control"
	"lancast.app/lancast/internal/diagnostics"
	"lancast.app/lancast/internal/discovery"
	"lancast.app/lancast/internal/domain"
	"lancast.app/lancast/internal/lifecycle"
	"lancast.app/lancast/internal/mediaserver"
	"lancast.app/lancast/internal/probe"
	"lancast.app/lancast/internal/session"
	"lancast.app/lancast/internal/transcode"
)

var (
	logger zerolog.Logger
	cfg    config.Config

	configPath string

	castDevice    string
	castSubtitles string
	castVolume    int

	versionVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lancast",
	Short: "Cast local video files to DLNA receivers on the LAN",
	Long: "lancast probes a local media file, transcodes it on the fly when the " +
		"receiver cannot play it directly, serves it over HTTP and drives the " +
		"receiver's playback session.",
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Discover receivers on the local network and list them",
	RunE:  runDevices,
}

var castCmd = &cobra.Command{
	Use:   "cast <file>",
	Short: "Cast a media file to a receiver and follow the session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCast,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE:  runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	castCmd.Flags().StringVar(&castDevice, "device", "", "receiver to cast to, by name, ID or UDN (default: the only one found)")
	castCmd.Flags().StringVar(&castSubtitles, "subtitles", "", "embedded subtitle track ID or path to an .srt/.vtt file")
	castCmd.Flags().IntVar(&castVolume, "volume", -1, "receiver volume 0-100 to set once playback starts")

	versionCmd.Flags().BoolVar(&versionVerbose, "verbose", false, "also report ffmpeg/ffprobe availability")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(castCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and sets up the logger (called by commands
// that need it).
func loadConfig() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Println(buildinfo.Version)
	if !versionVerbose {
		return nil
	}
	if err := loadConfig(); err != nil {
		return err
	}
	report := diagnostics.DetectDependencies(cfg.FFmpegPath, cfg.FFprobePath)
	printBinary := func(name string, st diagnostics.BinaryStatus) {
		if st.Found {
			fmt.Printf("%s:\t%s\n", name, st.Path)
		} else {
			fmt.Printf("%s:\tnot found\n", name)
		}
	}
	printBinary("ffmpeg", report.FFmpeg)
	printBinary("ffprobe", report.FFprobe)
	return nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stop()

	client := control.NewClient(logger)
	svc := discovery.NewService(cfg.DiscoveryInterval, client.SinkProtocolInfo, logger)

	devices, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no receivers found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONTAINERS\tLOCATION")
	for _, dev := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			dev.ID, dev.Name, strings.Join(dev.Capabilities.Containers, ","), dev.Location)
	}
	return w.Flush()
}

func runCast(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	report := diagnostics.DetectDependencies(cfg.FFmpegPath, cfg.FFprobePath)
	if !report.AllRequiredPresent {
		return fmt.Errorf("ffmpeg and ffprobe are required (ffmpeg found: %v, ffprobe found: %v)",
			report.FFmpeg.Found, report.FFprobe.Found)
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger.Info().
		Str("version", buildinfo.Version).
		Str("ffmpeg", report.FFmpeg.Path).
		Str("ffprobe", report.FFprobe.Path).
		Msg("lancast starting")

	client := control.NewClient(logger)
	disco := discovery.NewService(cfg.DiscoveryInterval, client.SinkProtocolInfo, logger)

	device, err := pickDevice(runCtx, disco)
	if err != nil {
		return err
	}
	logger.Info().Str("device", device.Name).Str("location", device.Location).Msg("receiver selected")

	srv := mediaserver.New(cfg.RangeWaitTimeout, logger)
	addr, err := srv.Start(listenAddress(device))
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("media server shutdown")
		}
	}()

	ctrl := session.New(
		session.Config{
			BaseURL:          "http://" + addr,
			PollEvery:        cfg.StatusPollEvery,
			ConfirmTimeout:   cfg.ConfirmTimeout,
			SeekWait:         cfg.RangeWaitTimeout,
			RetryAttempts:    cfg.ReconnectAttempts,
			RetryBaseBackoff: cfg.ReconnectBaseBackoff,
			RetryMaxBackoff:  cfg.ReconnectMaxBackoff,
		},
		session.Deps{
			Prober:         probe.New(cfg.FFprobePath, logger),
			Receiver:       client,
			Server:         srv,
			StartTranscode: session.SupervisorStarter(transcode.NewSupervisor(cfg.FFmpegPath, cfg.OutputDir, logger)),
			CaptionStore:   session.ConverterStores(captions.NewConverter(cfg.FFmpegPath, logger)),
			Subscribe:      session.ClientSubscriber(client),
		},
		logger,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Close(closeCtx)
	}()

	asset, err := ctrl.SelectFile(runCtx, args[0])
	if err != nil {
		return err
	}
	logger.Info().
		Str("path", asset.Path).
		Str("container", asset.Container).
		Dur("duration", asset.Duration).
		Msg("media probed")

	ctrl.SelectDevice(runCtx, device)
	if castSubtitles != "" {
		if err := ctrl.SelectCaptionTrack(castSubtitles); err != nil {
			return err
		}
	}

	if err := ctrl.Load(runCtx); err != nil {
		return err
	}

	snapshots, cancelSub := ctrl.Subscribe()
	defer cancelSub()

	castCtx, cancelCast := context.WithCancel(runCtx)
	defer cancelCast()

	var g errgroup.Group
	g.Go(func() error {
		disco.Run(castCtx)
		return nil
	})
	g.Go(func() error {
		defer cancelCast()
		return followSession(castCtx, ctrl, snapshots)
	})
	err = g.Wait()
	if runCtx.Err() != nil {
		logger.Info().Msg("interrupted, stopping playback")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Stop(stopCtx)
		return nil
	}
	return err
}

// followSession logs snapshot updates until the session reaches a terminal
// state or ctx ends.
func followSession(ctx context.Context, ctrl *session.Controller, snapshots <-chan domain.Snapshot) error {
	volumeSet := castVolume < 0
	var last domain.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if snap.State != last.State || snap.Err != last.Err {
				ev := logger.Info()
				if snap.State == domain.StateError {
					ev = logger.Error().Str("error", snap.Err)
				}
				ev.Str("state", string(snap.State)).
					Dur("position", snap.Position).
					Bool("transcoding", snap.Transcoding).
					Msg("session")
			}
			last = snap

			if !volumeSet && snap.State == domain.StatePlaying {
				volumeSet = true
				if err := ctrl.SetVolume(ctx, castVolume); err != nil {
					logger.Warn().Err(err).Msg("set volume")
				}
			}

			if snap.State.Terminal() {
				if snap.State == domain.StateError {
					return fmt.Errorf("session failed: %s", snap.Err)
				}
				return nil
			}
		}
	}
}

// pickDevice resolves --device, or accepts the lone receiver on the network.
func pickDevice(ctx context.Context, disco *discovery.Service) (domain.ReceiverDevice, error) {
	if castDevice != "" {
		return disco.Find(ctx, castDevice)
	}

	devices, err := disco.Sweep(ctx)
	if err != nil {
		return domain.ReceiverDevice{}, err
	}
	switch len(devices) {
	case 0:
		return domain.ReceiverDevice{}, fmt.Errorf("no receivers found on the network")
	case 1:
		return devices[0], nil
	default:
		names := make([]string, 0, len(devices))
		for _, dev := range devices {
			names = append(names, dev.Name)
		}
		return domain.ReceiverDevice{}, fmt.Errorf("multiple receivers found (%s), pick one with --device",
			strings.Join(names, ", "))
	}
}

// listenAddress returns the bind address for the media server. When no
// address is configured the host is the local interface that routes to the
// receiver, so the URLs handed to it are reachable.
func listenAddress(device domain.ReceiverDevice) string {
	if cfg.ListenAddress != "" {
		return cfg.ListenAddress
	}
	host := localAddrFor(device.Location)
	return net.JoinHostPort(host, "0")
}

// localAddrFor finds the local IP used to reach target, a URL or host:port.
// UDP dial does no traffic, it only resolves the route.
func localAddrFor(target string) string {
	host := target
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/"); i >= 0 {
		host = host[:i]
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}
