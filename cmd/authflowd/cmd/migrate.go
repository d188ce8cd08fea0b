package cmd

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/configfile"
	"github.com/MrEthical07/authflow/directory/sqldir"
	"github.com/spf13/cobra"
)

var (
	migrateDriver string
	migrateDSN    string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply user directory migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, dsn := migrateDriver, migrateDSN
		if driver == "" {
			f, err := configfile.Load(configPath)
			if err != nil {
				return err
			}
			driver, dsn = f.Directory.Driver, f.Directory.DSN
		}
		if driver == "" || dsn == "" {
			return errors.New("a driver and DSN are required (--driver/--dsn or the directory config section)")
		}
		if err := sqldir.Migrate(driver, dsn); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "directory schema at version %d\n", sqldir.SchemaVersion())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateDriver, "driver", "", `SQL driver, "postgres" or "sqlite"`)
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "data source name")
}
