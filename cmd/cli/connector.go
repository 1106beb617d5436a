package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"triggerflow/internal/actions"
	"triggerflow/internal/app"
	"triggerflow/internal/models"
	"triggerflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	connURL        string
	connAuthType   string
	connAuthHeader string
	connCredential string
	connOrg        string
)

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Inspect remote tool server connectors",
}

var connectorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "List the tools of an unsaved connector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		transport := actions.NewHTTPTransport(cfg.Actions.CallTimeout, cfg.Connectors.CircuitBreaker)
		resolver := actions.NewResolver(nil, nil, transport, actions.StaticBroker(cfg.Credentials), logger)
		svc := services.NewConnectorService(nil, resolver, transport, logger)

		res, err := svc.Validate(cmd.Context(), models.Connector{
			OrganizationID: connOrg,
			Name:           "cli",
			URL:            connURL,
			AuthType:       connAuthType,
			AuthHeader:     connAuthHeader,
			CredentialRef:  connCredential,
		})
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			os.Exit(2)
		}
		return nil
	},
}

var connectorDriftCmd = &cobra.Command{
	Use:   "drift <connector-id>",
	Short: "Rediscover a saved connector and report schema drift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDatabase(cfg, logger)
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, db, logger, app.Options{Version: Version})
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.Connectors.CheckDrift(cmd.Context(), connOrg, args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	connectorValidateCmd.Flags().StringVar(&connURL, "url", "", "tool server URL")
	connectorValidateCmd.Flags().StringVar(&connAuthType, "auth", models.ConnectorAuthNone, "auth type: none, bearer, header")
	connectorValidateCmd.Flags().StringVar(&connAuthHeader, "auth-header", "", "header name for auth type header")
	connectorValidateCmd.Flags().StringVar(&connCredential, "credential", "", "credential reference")
	_ = connectorValidateCmd.MarkFlagRequired("url")

	connectorCmd.PersistentFlags().StringVar(&connOrg, "org", "", "organization id")
	connectorCmd.AddCommand(connectorValidateCmd, connectorDriftCmd)
	rootCmd.AddCommand(connectorCmd)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
