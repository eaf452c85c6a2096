package seqcmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/tv42/httpunix"
)

// Location name for unix socket debug servers.
const unixLocation = "seqconsensus"

func newStatusCommand() *cobra.Command {
	var (
		addr   string
		height uint64
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running node's status, or a decision, from its debug server",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/status"
			if height > 0 {
				path = fmt.Sprintf("/decisions/%d", height)
			}

			client, base := debugClient(addr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+path, nil)
			if err != nil {
				return err
			}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach debug server at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("debug server returned %s: %s", resp.Status, b)
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "debug-addr", "127.0.0.1:26680", "the node's --debug-addr")
	cmd.Flags().Uint64Var(&height, "height", 0, "print the decision at this height instead of status")

	return cmd
}

// debugClient returns an HTTP client and base URL for a --debug-addr value.
func debugClient(addr string) (*http.Client, string) {
	network, address := splitDebugAddr(addr)
	if network != "unix" {
		return &http.Client{Timeout: 5 * time.Second}, "http://" + address
	}

	t := &httpunix.Transport{
		DialTimeout:           time.Second,
		RequestTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	t.RegisterLocation(unixLocation, address)
	return &http.Client{Transport: t}, httpunix.Scheme + "://" + unixLocation
}
