package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/ingestd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ingestd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := filepath.Join(ingestd.DefaultConfigDir(), ingestd.DefaultConfigFileName)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default ingestd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				outPath = filepath.Join(ingestd.DefaultConfigDir(), ingestd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	HealthListen           string `yaml:"health-listen"`
	BasePath               string `yaml:"base-path"`
	Deliver                string `yaml:"deliver"`
	MaxBytesPerSecond      string `yaml:"max-bytes-per-second"`
	MaxUnconfirmedTime     string `yaml:"max-unconfirmed-time"`
	SweepInterval          string `yaml:"sweep-interval"`
	MaxConcurrency         int    `yaml:"max-concurrency"`
	ReturnCode             int    `yaml:"return-code"`
	MultipartMaxSize       string `yaml:"multipart-max-size"`
	SpoolThreshold         string `yaml:"spool-threshold"`
	HeadersPattern         string `yaml:"headers-pattern"`
	SubjectDNPattern       string `yaml:"subject-dn-pattern"`
	IssuerDNPattern        string `yaml:"issuer-dn-pattern"`
	ClientAuth             string `yaml:"client-auth"`
	Bundle                 string `yaml:"bundle"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                 ingestd.DefaultListen,
		HealthListen:           "",
		BasePath:               ingestd.DefaultBasePath,
		Deliver:                ingestd.DefaultDeliver,
		MaxBytesPerSecond:      "",
		MaxUnconfirmedTime:     ingestd.DefaultMaxUnconfirmedTime.String(),
		SweepInterval:          ingestd.DefaultSweepInterval.String(),
		MaxConcurrency:         ingestd.DefaultMaxConcurrency,
		ReturnCode:             ingestd.DefaultReturnCode,
		MultipartMaxSize:       humanizeBytes(ingestd.DefaultMultipartMaxSize),
		SpoolThreshold:         humanizeBytes(ingestd.DefaultSpoolThreshold),
		HeadersPattern:         "",
		SubjectDNPattern:       ingestd.DefaultSubjectDNPattern,
		IssuerDNPattern:        ingestd.DefaultIssuerDNPattern,
		ClientAuth:             ingestd.ClientAuthAuto,
		Bundle:                 "",
		ShutdownTimeout:        ingestd.DefaultShutdownTimeout.String(),
		OTLPEndpoint:           "",
		MetricsListen:          "",
		PprofListen:            "",
		EnableProfilingMetrics: false,
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
