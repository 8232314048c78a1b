// cmd/acqd: acquisition daemon.
// Pages a producer's scans through a shared ring and fans them out to the
// trigger controller (SQLite ranges), the live display gateway, the Redis
// query stream and the monitor audio bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"acqstream/config"
)

var rootCmd = &cobra.Command{
	Use:   "acqd",
	Short: "Multi-channel acquisition daemon",
	Long: `acqd reads scans from a sampling device, records the scans inside
each trigger window to SQLite and streams live pages to display clients.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(viper.New(), path)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the derived geometry",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(viper.New(), path)
		if err != nil {
			return err
		}
		pg := cfg.PageGeometry()
		fmt.Fprintf(cmd.OutOrStdout(), "scan: %d channels x %d bytes\n", cfg.Session.ChannelCount, cfg.Session.SampleWidth)
		fmt.Fprintf(cmd.OutOrStdout(), "page: %d bytes, %d scans, %v\n", pg.PageBytes, pg.ScansPerPage(), pg.PagePeriod(cfg.Session.SampleRate))
		fmt.Fprintf(cmd.OutOrStdout(), "ring: %d pages, %d bytes\n", cfg.Session.Pages, cfg.RegionBytes())
		fmt.Fprintf(cmd.OutOrStdout(), "pre-roll: %d bytes\n", cfg.PreRollBytes())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (YAML); ACQ_* environment variables override it")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
