// Command reconcilectl inspects the webhook inbox and drives reconciliations by hand.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

const envPrefix = "RECONCILECTL"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "reconcilectl",
		Short:         "Operate the payment webhook inbox and reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings(v, cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML file with flag defaults")
	flags.String("inbox-dir", "var/inbox", "Pebble inbox directory")
	flags.String("env-file", ".env", "API .env file used by reconcile")
	flags.StringP("output", "o", outputTable, "Output format (table, json, yaml)")

	root.AddCommand(inboxCmd(v))
	root.AddCommand(reconcileCmd(v))
	root.AddCommand(mappingCmd(v))
	return root
}

// loadSettings layers flags over RECONCILECTL_* env over the optional config file.
func loadSettings(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}
