package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("api.listen", "127.0.0.1:8800")

	v.SetDefault("video.base_port", 6000)
	v.SetDefault("video.wifi_transport", "udp")

	v.SetDefault("usb.enabled", true)
	v.SetDefault("usb.poll_interval", "2s")

	v.SetDefault("adb.port", 0) // 0 uses the default adb server port

	v.SetDefault("log.level", "info")

	// Set default droidmux home directory
	v.SetDefault("droidmux.home", filepath.Join(xdg.Home, ".droidmux"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("api.listen", "DROIDMUX_API_LISTEN")
	v.BindEnv("video.base_port", "DROIDMUX_VIDEO_BASE_PORT")
	v.BindEnv("video.wifi_transport", "DROIDMUX_VIDEO_WIFI_TRANSPORT")
	v.BindEnv("usb.enabled", "DROIDMUX_USB_ENABLED")
	v.BindEnv("usb.poll_interval", "DROIDMUX_USB_POLL_INTERVAL")
	v.BindEnv("adb.port", "DROIDMUX_ADB_PORT")
	v.BindEnv("log.level", "DROIDMUX_LOG_LEVEL")
	v.BindEnv("droidmux.home", "DROIDMUX_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.droidmux",
		"/etc/droidmux",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// GetAPIListen returns the API server listen address
func GetAPIListen() string {
	return v.GetString("api.listen")
}

// GetVideoBasePort returns the first port assigned to device video sockets
func GetVideoBasePort() int {
	return v.GetInt("video.base_port")
}

// GetVideoWiFiTransport returns the socket type for WiFi video ("udp" or "tcp")
func GetVideoWiFiTransport() string {
	return v.GetString("video.wifi_transport")
}

// GetUSBEnabled reports whether the USB accessory side should run
func GetUSBEnabled() bool {
	return v.GetBool("usb.enabled")
}

// GetUSBPollInterval returns how often the USB bus is rescanned
func GetUSBPollInterval() time.Duration {
	d := v.GetDuration("usb.poll_interval")
	if d <= 0 {
		d = 2 * time.Second
	}
	return d
}

// GetAdbPort returns the adb server port, 0 for the default
func GetAdbPort() int {
	return v.GetInt("adb.port")
}

// GetLogLevel returns the log level name
func GetLogLevel() string {
	return v.GetString("log.level")
}

// GetDroidmuxHome returns the droidmux home directory
func GetDroidmuxHome() string {
	return v.GetString("droidmux.home")
}
