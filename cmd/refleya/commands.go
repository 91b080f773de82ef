package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/refleya/companion/internal/api"
	"github.com/refleya/companion/internal/config"
	"github.com/refleya/companion/internal/ollama"
)

const companionName = "refleya"

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the companion",
	Long: `Send one message to the companion, or start an interactive session when
no message is given.

Examples:
  refleya chat "I had a rough day"
  refleya chat --mode sana --role challenger
  refleya chat --new-session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := chatRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			req.Message = strings.Join(args, " ")
			reply, err := sendChat(cmd.Context(), client, req)
			if err != nil {
				return err
			}
			printReply(os.Stdout, companionName, reply)
			return nil
		}
		return chatLoop(cmd.Context(), client, req, os.Stdin, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("user", "", "user id (server default when empty)")
	chatCmd.Flags().String("session", "", "session id (server default when empty)")
	chatCmd.Flags().Bool("new-session", false, "start a fresh session with a random id")
	chatCmd.Flags().String("mode", "", "persona mode: leya, sana or leo")
	chatCmd.Flags().String("role", "", "tone: supporter or challenger")
}

func chatRequestFromFlags(cmd *cobra.Command) (api.ChatRequest, error) {
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")
	fresh, _ := cmd.Flags().GetBool("new-session")
	mode, _ := cmd.Flags().GetString("mode")
	role, _ := cmd.Flags().GetString("role")

	if fresh && session != "" {
		return api.ChatRequest{}, fmt.Errorf("--session and --new-session are mutually exclusive")
	}
	if fresh {
		session = uuid.NewString()
		printStatus("Session", "%s", session)
	}
	return api.ChatRequest{UserID: user, SessionID: session, Mode: mode, Role: role}, nil
}

func sendChat(ctx context.Context, c *apiClient, req api.ChatRequest) (string, error) {
	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return "", err
	}
	var out api.ChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// chatLoop reads one message per line from in until EOF or "/quit". Server
// side rejections are printed and the loop continues.
func chatLoop(ctx context.Context, c *apiClient, req api.ChatRequest, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		req.Message = line
		reply, err := sendChat(ctx, c, req)
		if err != nil {
			printError("%v", err)
			continue
		}
		printReply(out, companionName, reply)
	}
}

// --- checkin ---

var checkinCmd = &cobra.Command{
	Use:   "checkin [answer]",
	Short: "Start the daily check-in or answer its current question",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		reply, err := sendCheckin(cmd.Context(), client, user, session, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printReply(os.Stdout, companionName, reply)
		return nil
	},
}

func init() {
	checkinCmd.Flags().String("user", "", "user id (server default when empty)")
	checkinCmd.Flags().String("session", "", "session id (server default when empty)")
}

// sendCheckin asks for the current question when answer is empty. Answers
// travel as ordinary chat messages, which the server routes to the check-in
// while one is in progress.
func sendCheckin(ctx context.Context, c *apiClient, user, session, answer string) (string, error) {
	if strings.TrimSpace(answer) != "" {
		return sendChat(ctx, c, api.ChatRequest{Message: answer, UserID: user, SessionID: session})
	}

	resp, err := c.post(ctx, "/api/wellness-check", api.WellnessRequest{UserID: user, SessionID: session})
	if err != nil {
		return "", err
	}
	var out api.ChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory <user>",
	Short: "Show what the companion remembers about a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/users/"+url.PathEscape(args[0])+"/memory")
		if err != nil {
			return err
		}
		var mem api.MemoryResponse
		if err := decodeJSON(resp, &mem); err != nil {
			return err
		}

		if mem.LastInteractionAt != nil {
			printStatus("Last interaction", "%s", mem.LastInteractionAt.Local().Format(time.DateTime))
		}
		fmt.Println(mem.Memory)
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <user> <session>",
	Short: "Show the recent turns of a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		turns, err := fetchHistory(cmd.Context(), client, args[0], args[1], limit)
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No history found.")
			return nil
		}
		for _, t := range turns {
			fmt.Printf("%s  %s  %s\n",
				t.CreatedAt.Local().Format(time.DateTime),
				colorize(colorCyan, fmt.Sprintf("%-9s", t.Role)),
				t.Message,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of turns to show")
}

func fetchHistory(ctx context.Context, c *apiClient, user, session string, limit int) ([]api.TurnView, error) {
	path := fmt.Sprintf("/api/users/%s/sessions/%s/history?limit=%d", url.PathEscape(user), url.PathEscape(session), limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var turns []api.TurnView
	if err := decodeJSON(resp, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and model status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	if serverHealthy(ctx, client) {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	model := cfg.Model.Name
	if model == "" {
		model = "(provider default)"
	}
	printStatus("Model", "%s/%s", cfg.Model.Provider, model)

	if strings.EqualFold(cfg.Model.Provider, "ollama") {
		base := cfg.Model.BaseURL
		if base == "" {
			base = ollama.DefaultBaseURL
		}
		if ollama.New(base).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", base)
		} else {
			printStatus("Ollama", "not running")
		}
	}

	switch cfg.Storage.Driver {
	case "postgres":
		printStatus("Storage", "postgres")
	default:
		printStatus("Storage", "sqlite in %s", cfg.Storage.DataDir)
	}
	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is not set; admin commands are unavailable")
	}
	return nil
}

func serverHealthy(ctx context.Context, c *apiClient) bool {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Config file", "%s", config.ConfigFilePath())
		for _, s := range config.Settings(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, s.Key), s.Value, colorize(colorCyan, "$"+s.Env))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file. Secret keys
(server.api_token, storage.database_url, model.api_key) are stored in the
OS keyring instead; an empty value removes a secret.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if !slices.Contains(config.ValidKeys(), key) {
			return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(config.ValidKeys(), ", "))
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
