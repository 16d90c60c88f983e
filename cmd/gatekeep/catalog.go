package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gatekeep.dev/internal/auth"
)

var (
	catalogFile   string
	catalogFormat string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the permission catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a catalog file for unknown edges and bad risk levels",
	Long: `Load a permission catalog and report whether it is usable.

Without --file the catalog from auth.catalog_path is checked, or the built-in
catalog when that is empty.

Examples:
  gatekeep catalog validate --file ops/catalog.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := catalogFromFlags()
		if err != nil {
			return err
		}
		all := make(map[string]struct{}, catalog.Len())
		for _, k := range catalog.Keys() {
			all[k] = struct{}{}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d permissions\n", catalog.Len())
		for _, pair := range catalog.ConflictPairs(all) {
			fmt.Fprintf(out, "conflict %s <> %s\n", pair[0], pair[1])
		}
		fmt.Fprintln(out, "OK")
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every permission",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := catalogFromFlags()
		if err != nil {
			return err
		}
		perms := make([]auth.Permission, 0, catalog.Len())
		for _, k := range catalog.Keys() {
			p, _ := catalog.Lookup(k)
			perms = append(perms, p)
		}
		return writePermissions(cmd.OutOrStdout(), catalogFormat, perms)
	},
}

func init() {
	catalogCmd.PersistentFlags().StringVarP(&catalogFile, "file", "f", "", "catalog YAML file")
	catalogListCmd.Flags().StringVarP(&catalogFormat, "output", "o", "table", "output format: table, json or yaml")
	catalogCmd.AddCommand(catalogValidateCmd, catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

func catalogFromFlags() (*auth.Catalog, error) {
	path := catalogFile
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Auth.CatalogPath
	}
	return loadCatalog(path)
}

func writePermissions(w io.Writer, format string, perms []auth.Permission) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(perms)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(map[string]any{"permissions": perms})
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tRISK\tAUDIT\tTEMPORARY\tDEPENDS ON")
		for _, p := range perms {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", p.Key, p.RiskLevel, p.AuditRequired, p.TemporaryGrantAllowed, strings.Join(p.Dependencies, ","))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
