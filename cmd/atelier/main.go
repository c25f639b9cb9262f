// Command atelier is a thin HTTP client for a running atelierd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	projectID string
	channel   string
)

func main() {
	root := &cobra.Command{
		Use:           "atelier",
		Short:         "Client for the atelier orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ATELIER_SERVER", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVarP(&projectID, "project", "p", envOr("ATELIER_PROJECT", ""), "project id")
	root.PersistentFlags().StringVarP(&channel, "channel", "c", "chat", "conversation channel")

	root.AddCommand(sendCmd(), interruptCmd(), runsCmd(), budgetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message to the project's orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON(fmt.Sprintf("/api/projects/%s/messages", requireProject()), map[string]any{
				"content": args[0],
				"channel": channel,
			})
			if err != nil {
				return err
			}
			var run struct {
				ID           string `json:"id"`
				Status       string `json:"status"`
				ResponseText string `json:"response_text"`
			}
			if err := json.Unmarshal(body, &run); err != nil {
				return err
			}
			fmt.Printf("[%s %s]\n%s\n", run.ID, run.Status, run.ResponseText)
			return nil
		},
	}
}

func interruptCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Interrupt the active run for a channel, or one run by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/projects/%s/interrupt", requireProject())
			payload := map[string]any{"channel": channel}
			if runID != "" {
				path = fmt.Sprintf("/api/runs/%s/interrupt", runID)
				payload = map[string]any{}
			}
			body, err := postJSON(path, payload)
			if err != nil {
				return err
			}
			var out struct {
				Interrupted bool `json:"interrupted"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return err
			}
			if out.Interrupted {
				fmt.Println("interrupted")
			} else {
				fmt.Println("no active execution")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "interrupt one run by id")
	return cmd
}

func runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "Show the project's run tree for a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON(fmt.Sprintf("/api/projects/%s/runs?channel=%s", requireProject(), channel))
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func budgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show the project's accumulated usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON(fmt.Sprintf("/api/projects/%s/budget", requireProject()))
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func requireProject() string {
	if projectID == "" {
		fmt.Fprintln(os.Stderr, "error: --project is required (or set ATELIER_PROJECT)")
		os.Exit(1)
	}
	return projectID
}

var httpClient = &http.Client{Timeout: 10 * time.Minute}

func postJSON(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

func getJSON(path string) ([]byte, error) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

func printIndented(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
