package cli

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/sentinel/pkg/client"
)

var checkCmd = &cobra.Command{
	Use:   "check (ip|user) <value>",
	Short: "Ask a running server whether an IP or user is blocked",
	Long: `Query the decision state of an IP address or user on a running server.

  sentinel check ip 203.0.113.7 --server http://localhost:8080
  sentinel check user alice --server http://localhost:8080`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"ip", "user"},
	RunE:      checkCommand,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkCommand(cmd *cobra.Command, args []string) error {
	if serverURL == "" {
		return errors.New("--server or SENTINEL_SERVER_URL is required")
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	cl, err := client.New(client.Config{ServerURL: serverURL}, log)
	if err != nil {
		return err
	}

	var result interface{}
	switch args[0] {
	case "ip":
		result, err = cl.CheckIP(cmd.Context(), args[1])
	case "user":
		result, err = cl.CheckUser(cmd.Context(), args[1])
	default:
		return errors.New("first argument must be 'ip' or 'user'")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
