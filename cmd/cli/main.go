package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sessions-cli",
		Short: "CLI client for the sandbox session service",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SESSIONS_API_KEY"), "API key")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(execFileCmd())
	rootCmd.AddCommand(installCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(outputCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var name, rt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("create_session", map[string]any{
				"name":    name,
				"runtime": rt,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Session name")
	cmd.Flags().StringVar(&rt, "runtime", "python", "Runtime name")
	return cmd
}

func execCmd() *cobra.Command {
	var timeoutMS int
	cmd := &cobra.Command{
		Use:   "exec <session-id> <code>",
		Short: "Execute code in a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("execute", map[string]any{
				"session_id": args[0],
				"code":       args[1],
				"timeout_ms": timeoutMS,
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "Execution timeout in milliseconds (0 = server default)")
	return cmd
}

func execFileCmd() *cobra.Command {
	var timeoutMS int
	cmd := &cobra.Command{
		Use:   "exec-file <session-id> <file>",
		Short: "Execute code from a file in a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			return callAndPrint("execute", map[string]any{
				"session_id": args[0],
				"code":       string(code),
				"timeout_ms": timeoutMS,
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "Execution timeout in milliseconds (0 = server default)")
	return cmd
}

func installCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "install <session-id> <package>",
		Short: "Install a package into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[1]
			if version != "" {
				pkg = fmt.Sprintf("%s==%s", pkg, version)
			}
			return callAndPrint("install_package", map[string]any{
				"session_id":   args[0],
				"package_name": pkg,
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Exact package version, sent as a pkg==version pin")
	return cmd
}

func uploadCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "upload <session-id> <file>",
		Short: "Upload a file into a session's working directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			name := as
			if name == "" {
				name = filepath.Base(args[1])
			}
			return callAndPrint("upload_file", map[string]any{
				"session_id":     args[0],
				"filename":       name,
				"content_base64": base64.StdEncoding.EncodeToString(data),
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Destination filename (defaults to the source basename)")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "List a session's execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("list_executions", map[string]any{
				"session_id": args[0],
			})
		},
	}
}

func outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <session-id> <index>",
		Short: "Fetch the outputs of one execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var index int
			if _, err := fmt.Sscanf(args[1], "%d", &index); err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			return callAndPrint("get_output", map[string]any{
				"session_id": args[0],
				"index":      index,
			})
		},
	}
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <session-id>",
		Short: "Show a session's state and history summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("describe_session", map[string]any{
				"session_id": args[0],
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("list_sessions", map[string]any{})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session and discard its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("close_session", map[string]any{
				"session_id": args[0],
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("connecting to server: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			printJSON(body)
			return nil
		},
	}
}

// callAndPrint posts one RPC envelope and pretty-prints the response body.
func callAndPrint(method string, params map[string]any) error {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/rpc", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	printJSON(body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printJSON(body []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}
