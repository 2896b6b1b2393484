package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensandbox/podrelay/pkg/client"
	"github.com/opensandbox/podrelay/pkg/relay"
)

var (
	baseURL     string
	token       string
	clusterName string
	container   string
)

var rootCmd = &cobra.Command{
	Use:   "podrelay",
	Short: "podrelay - interactive shells and live logs for pods",
	Long: `podrelay opens terminal sessions and log streams against pods through a
podrelay server. Every connection is authorized with a short-lived, single-use
ticket obtained with your access token.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("PODRELAY_URL", "http://localhost:8080"), "podrelay server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PODRELAY_TOKEN"), "access token")
	rootCmd.PersistentFlags().StringVar(&clusterName, "cluster", os.Getenv("PODRELAY_CLUSTER"), "cluster name (server default when empty)")
	rootCmd.PersistentFlags().StringVarP(&container, "container", "c", "", "container name (first container when empty)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkToken() error {
	if token == "" {
		return fmt.Errorf("access token is required. Set PODRELAY_TOKEN environment variable or use --token flag")
	}
	return nil
}

// relayDeps wires the ticket client and websocket connector for the
// configured server. Every state change is forwarded to states.
func relayDeps(states chan<- relay.State) relay.Deps {
	return relay.Deps{
		Issuer:    client.NewClient(baseURL, token),
		Connector: relay.NewWSConnector(baseURL),
		OnStateChange: func(_, to relay.State) {
			select {
			case states <- to:
			default:
			}
		},
	}
}
