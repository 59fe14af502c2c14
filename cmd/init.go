package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"convarchive/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and create the archive store",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}

		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Config already exists at %s\n", path)
		} else if errors.Is(err, os.ErrNotExist) {
			if err := writeDefaultConfig(path); err != nil {
				return fmt.Errorf("init failed: %w", err)
			}
			fmt.Printf("Config written to %s\n", path)
		} else {
			return err
		}

		a, err := openArchive()
		if err != nil {
			return fmt.Errorf("init failed: %w", err)
		}
		defer a.Store().Close()

		deviceID, err := a.DeviceID(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Archive ready at %s\n", cfg.DB)
		fmt.Printf("Device ID: %s\n", deviceID)
		return nil
	},
}

func writeDefaultConfig(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
