package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuongbtq/transcode-worker/internal/config"
	"github.com/cuongbtq/transcode-worker/internal/encoder"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe hardware encoders and print what this node would use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		caps, err := encoder.Detect(cmd.Context(), encoder.ExecRunner{}, encoder.DetectOptions{
			FFmpegPath:   cfg.Encoder.FFmpegPath,
			Device:       cfg.Encoder.Hardware.DeviceType,
			RenderDevice: cfg.Encoder.Hardware.RenderDevice,
		})
		if err != nil {
			return fmt.Errorf("failed to detect encoders: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), caps)
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Print the effective profile catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		catalog, err := cfg.Catalog()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"profiles":  catalog.All(),
			"thumbnail": catalog.Thumbnail(),
		})
	},
}

func init() {
	rootCmd.AddCommand(detectCmd, profilesCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
