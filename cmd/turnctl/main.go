// Package main implements turnctl, a command-line client for the turnd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/turnd/internal/http"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

var (
	// serverURL is the base URL of the turnd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "turnctl",
		Short: "CLI for turnd HTTP server operations",
		Long: `turnctl talks to a running turnd server. It sends user messages,
inspects conversation state and lists the technique catalog.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "turnd server URL")
	root.AddCommand(healthCmd(), sayCmd(), sessionCmd(), historyCmd(), modulesCmd())
	return root
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check turnd server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.HealthResponse
			if err := getJSON("/health", 5*time.Second, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
			return nil
		},
	}
}

// sayCmd sends one user message and prints the reply.
func sayCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "say <conversation> [message|-]",
		Short: "Send a user message and print the reply",
		Long: `Send a user message to a conversation and print the reply.

Examples:
  # Send a message
  turnctl say conv-1 "I have trouble sleeping"

  # Read the message from stdin
  echo "hello" | turnctl say conv-1 -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := messageArg(cmd, args)
			if err != nil {
				return err
			}

			var resp api.TurnResponse
			if err := postJSON("/v1/conversations/"+args[0]+"/turns", api.TurnRequest{Message: msg}, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Reply)
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "[turnctl] phase=%d task=%s module=%s count=%d completed=%t advanced=%t\n",
					resp.Phase, resp.TaskID, resp.ModuleID, resp.MessageCount, resp.TaskCompleted, resp.PhaseAdvanced)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print turn details to stderr")
	return cmd
}

func messageArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 2 && args[1] != "-" {
		return args[1], nil
	}
	content, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	msg := strings.TrimSpace(string(content))
	if msg == "" {
		return "", fmt.Errorf("no message to send")
	}
	return msg, nil
}

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <conversation>",
		Short: "Show the session state of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess session.Session
			if err := getJSON("/v1/conversations/"+args[0]+"/session", 10*time.Second, &sess); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversation: %s (%s)\n", sess.ID, sess.Status)
			fmt.Fprintf(out, "Phase:        %d\n", sess.Phase)
			fmt.Fprintf(out, "Messages:     %d\n", sess.MessageCount)
			fmt.Fprintf(out, "Module:       %s\n", sess.CurrentModuleID)
			fmt.Fprintln(out, "Tasks:")
			for _, t := range sess.Tasks {
				marker := " "
				if t.ID == sess.CurrentTaskID {
					marker = "*"
				}
				fmt.Fprintf(out, " %s [%d] %-28s %-11s %s\n", marker, t.Part, t.ID, t.Status, t.Priority)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print the stored transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.MessagesResponse
			if err := getJSON("/v1/conversations/"+args[0]+"/messages", 10*time.Second, &resp); err != nil {
				return err
			}
			for _, m := range resp.Messages {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the technique catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ModulesResponse
			if err := getJSON("/v1/modules", 10*time.Second, &resp); err != nil {
				return err
			}
			for _, m := range resp.Modules {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", m.ID, m.Name)
			}
			return nil
		},
	}
}

func getJSON(path string, timeout time.Duration, out any) error {
	url := serverURL + path
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func postJSON(path string, body, out any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// A turn waits on the model, so allow well beyond the server's reply timeout.
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
