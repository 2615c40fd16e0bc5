package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/droidmux/droidmux/config"
	"github.com/droidmux/droidmux/internal/util"
)

// deviceRow mirrors the /api/devices JSON shape.
type deviceRow struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	USBSerial     string  `json:"usbSerial"`
	AdbID         string  `json:"adbId"`
	Status        string  `json:"status"`
	AOAState      string  `json:"aoaState"`
	VideoPort     int     `json:"videoPort"`
	IsMain        bool    `json:"isMain"`
	CurrentFPS    float64 `json:"currentFps"`
	BandwidthKbps float64 `json:"bandwidthKbps"`
}

// NewDevicesCommand creates the 'devices' subcommand
func NewDevicesCommand() *cobra.Command {
	var (
		addr       string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:           "devices",
		Short:         "List devices known to a running droidmux server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(addr, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&addr, "addr", "a", "", "API address of the running server (default from config)")
	flags.BoolVar(&outputJSON, "json", false, "Print raw JSON")

	return cmd
}

func runDevices(addr string, outputJSON bool) error {
	if addr == "" {
		addr = config.GetAPIListen()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/devices")
	if err != nil {
		return errors.Wrapf(err, "is a droidmux server running on %s?", addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("server returned %s", resp.Status)
	}

	var body struct {
		Devices []deviceRow `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "decode device list")
	}

	if outputJSON {
		out, err := json.MarshalIndent(body.Devices, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(body.Devices) == 0 {
		fmt.Println("No devices.")
		return nil
	}

	columns := []util.TableColumn{
		{Header: "ID", Key: "id"},
		{Header: "NAME", Key: "name"},
		{Header: "SERIAL", Key: "serial"},
		{Header: "STATUS", Key: "status"},
		{Header: "AOA", Key: "aoa"},
		{Header: "PORT", Key: "port"},
		{Header: "FPS", Key: "fps"},
		{Header: "KBPS", Key: "kbps"},
	}

	rows := make([]map[string]string, 0, len(body.Devices))
	for _, d := range body.Devices {
		name := d.Name
		if name == "" {
			name = d.Model
		}
		if d.IsMain {
			name = name + " " + color.YellowString("(main)")
		}
		serial := d.USBSerial
		if serial == "" {
			serial = d.AdbID
		}
		port := "-"
		if d.VideoPort != 0 {
			port = fmt.Sprintf("%d", d.VideoPort)
		}
		rows = append(rows, map[string]string{
			"id":     d.ID,
			"name":   name,
			"serial": serial,
			"status": colorStatus(d.Status),
			"aoa":    d.AOAState,
			"port":   port,
			"fps":    fmt.Sprintf("%.1f", d.CurrentFPS),
			"kbps":   fmt.Sprintf("%.0f", d.BandwidthKbps),
		})
	}

	util.RenderTable(columns, rows)
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "mirroring":
		return color.GreenString(status)
	case "aoa-active":
		return color.CyanString(status)
	case "adb-only":
		return color.YellowString(status)
	case "disconnected":
		return color.RedString(status)
	default:
		return status
	}
}
