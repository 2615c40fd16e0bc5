package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droidmux/droidmux/config"
	"github.com/droidmux/droidmux/internal/util"
	"github.com/droidmux/droidmux/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "droidmux",
	Short: "Multi-device Android mirroring host",
	Long: `droidmux discovers Android devices over USB and ADB, negotiates the
accessory protocol for a low-latency command channel, ingests each device's
H.264 video stream, and fans commands out across every connected device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("droidmux version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	util.InitLogger(config.GetLogLevel())
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
