package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/droidmux/droidmux/config"
	"github.com/droidmux/droidmux/internal/adbwatch"
	"github.com/droidmux/droidmux/internal/aoa"
	"github.com/droidmux/droidmux/internal/api"
	"github.com/droidmux/droidmux/internal/registry"
	"github.com/droidmux/droidmux/internal/util"
	"github.com/droidmux/droidmux/internal/video"
)

// NewServeCommand creates the 'serve' subcommand
func NewServeCommand() *cobra.Command {
	var (
		listen string
		noUSB  bool
	)

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the mirroring host",
		Long:          `Run the device registry, USB accessory channels, video pipelines and the status API until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen, noUSB)
		},
		Example: `  # Run with defaults
  droidmux serve

  # Custom API address, no USB side (ADB/WiFi only)
  droidmux serve --listen 0.0.0.0:8800 --no-usb`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&listen, "listen", "l", "", "API listen address (default from config)")
	flags.BoolVar(&noUSB, "no-usb", false, "Disable the USB accessory side")

	return cmd
}

func runServe(listen string, noUSB bool) error {
	log := util.GetLogger()
	if listen == "" {
		listen = config.GetAPIListen()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New()

	wifiTransport := video.TransportUDP
	if config.GetVideoWiFiTransport() == "tcp" {
		wifiTransport = video.TransportTCP
	}
	fanout := video.NewFanout(reg, func(string) video.Decoder {
		return video.NewNopDecoder()
	}, wifiTransport, log)

	// Discovery runs after Start, so pipelines are created as devices
	// register (and rebuilt when their video route changes).
	reg.OnChange(func(hardwareID, field string) {
		if field == "registered" || field == "routes" {
			fanout.Ensure(hardwareID)
		}
	})

	var bus aoa.Bus
	if noUSB || !config.GetUSBEnabled() {
		log.Info("usb side disabled")
		bus = aoa.NewLoopbackBus()
	} else {
		bus = aoa.NewUSBBus(log)
	}
	mgr := aoa.NewManager(reg, bus, aoa.Hooks{}, aoa.Callbacks{
		OnVideo: fanout.PushVideo,
	}, log)

	if err := fanout.Start(ctx, config.GetVideoBasePort()); err != nil {
		return errors.Wrap(err, "start video fanout")
	}
	defer fanout.Stop()

	go mgr.Run(ctx, config.GetUSBPollInterval())
	defer mgr.Stop()

	watcher, err := adbwatch.New(reg, config.GetAdbPort(), log)
	if err != nil {
		log.Warn("adb unavailable, usb-only discovery", "error", err)
	} else {
		watcher.OnOnline(func(string) { mgr.Scan() })
		if err := watcher.Start(); err != nil {
			log.Warn("adb watcher not started", "error", err)
		} else {
			defer watcher.Shutdown()
		}
	}

	srv := api.NewServer(reg, fanout, listen, log)
	if err := srv.Start(); err != nil {
		return errors.Wrap(err, "start api server")
	}

	// Keep registry stats fresh even with no websocket client attached.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fanout.RefreshStats()
			}
		}
	}()

	log.Info("droidmux serving", "session", uniuri.NewLen(8), "api", listen, "videoBasePort", config.GetVideoBasePort())
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Stop(shutdownCtx)
}
