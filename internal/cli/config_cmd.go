package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"autocal/internal/config"
	"autocal/internal/fsutil"
	"autocal/internal/storage"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialise the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fprintf(cmd.OutOrStdout(), "# %s\n%s\n", config.Path(), data)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fprintf(cmd.OutOrStdout(), "%s\n", config.Path())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			if _, err := root.newOperators(root.cfg.Operators); err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
			}
			fprintf(cmd.OutOrStdout(), "configuration is valid\n")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) > 0 {
				path = args[0]
			}
			path = config.ExpandUser(path)
			if fsutil.Exists(path) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func newSettingsCmd(root *Root) *cobra.Command {
	var namespace string

	withSettings := func(fn func(st *storage.Settings) error) error {
		store, err := root.store()
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(store.Settings(namespace))
	}

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write persisted settings",
	}
	cmd.PersistentFlags().StringVar(&namespace, "namespace", storage.DefaultNamespace, "settings namespace")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every setting in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(func(st *storage.Settings) error {
				entries, err := st.List()
				if err != nil {
					return err
				}
				for _, e := range entries {
					fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.Key, e.Kind, e.Value)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key> <string|bool|int|float>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := storage.ParseKind(args[1])
			if err != nil {
				return err
			}
			return withSettings(func(st *storage.Settings) error {
				v, ok, err := st.Read(args[0], kind)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("setting %s (%s): %w", args[0], kind, storage.ErrNotFound)
				}
				fprintf(cmd.OutOrStdout(), "%v\n", v)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <string|bool|int|float> <value>",
		Short: "Store one setting",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := storage.ParseKind(args[1])
			if err != nil {
				return err
			}
			v, err := storage.ParseValue(kind, args[2])
			if err != nil {
				return err
			}
			return withSettings(func(st *storage.Settings) error {
				return st.Write(args[0], kind, v)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Remove one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(func(st *storage.Settings) error {
				return st.Delete(args[0])
			})
		},
	})

	return cmd
}
