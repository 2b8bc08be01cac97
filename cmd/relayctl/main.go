package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relay-gw/relay/internal/config"
	"github.com/relay-gw/relay/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "status":
		cmdStatus()
	case "models":
		cmdModels()
	case "tools":
		cmdTools()
	case "logs":
		cmdLogs(os.Args[2:])
	case "usage":
		cmdRecentUsage(os.Args[2:])
	case "chat":
		cmdChat(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: relayctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdStatus() {
	body, err := apiGet("/api/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdModels() {
	body, err := apiGet("/api/models")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var models map[string][]string
	json.Unmarshal(body, &models)
	for provider, list := range models {
		for _, m := range list {
			fmt.Printf("%-15s %s\n", provider, m)
		}
	}
}

func cmdTools() {
	body, err := apiGet("/api/tools")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var tools []protocol.ToolSchema
	json.Unmarshal(body, &tools)
	for _, t := range tools {
		fmt.Printf("%-30s %s\n", t.Name, t.Description)
	}
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	provider := fs.String("provider", "", "Filter by provider")
	limit := fs.Int("limit", 50, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}
	if *provider != "" {
		query += "&provider=" + *provider
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%-25v %-6v %v\n", e["time"], e["level"], e["message"])
	}
}

func cmdRecentUsage(args []string) {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Max entries")
	fs.Parse(args)

	body, err := apiGet(fmt.Sprintf("/api/usage?limit=%d", *limit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var records []map[string]any
	json.Unmarshal(body, &records)
	for _, r := range records {
		outcome := "ok"
		if kind, _ := r["error_kind"].(string); kind != "" {
			outcome = kind
		}
		fmt.Printf("%-25v %-12v %-20v %v+%v tokens %vms %s\n",
			r["created_at"], r["provider"], r["model"],
			r["prompt_tokens"], r["completion_tokens"], r["duration_ms"], outcome)
	}
}

// --- chat command ---

func cmdChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	provider := fs.String("provider", envOr("RELAY_PROVIDER", ""), "Primary provider name")
	model := fs.String("model", "", "Override model")
	prompt := fs.String("prompt", "", "Single prompt (omit for interactive)")
	extended := fs.Bool("extended", false, "Use the extended-thinking timeout")
	fs.Parse(args)

	if *prompt != "" {
		if err := streamOnce(*provider, *model, *extended, []protocol.ChatMessage{
			{Role: "user", Content: *prompt},
		}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("relayctl interactive mode (type 'quit' to exit)")
	var history []protocol.ChatMessage
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		history = append(history, protocol.ChatMessage{Role: "user", Content: line})
		if err := streamOnce(*provider, *model, *extended, history); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println()
	}
}

// streamOnce posts one chat request and prints the SSE stream as it
// arrives. Returns an error if the stream terminates with an error
// event.
func streamOnce(provider, model string, extended bool, messages []protocol.ChatMessage) error {
	payload, _ := json.Marshal(map[string]any{
		"provider": provider,
		"model":    model,
		"messages": messages,
		"extended": extended,
	})

	base := envOr("RELAY_API_URL", "http://localhost:8080")
	req, err := http.NewRequest("POST", base+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	// No client timeout: extended streams can run for minutes.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case protocol.EventStatus:
			fmt.Fprintf(os.Stderr, "[%s]\n", ev.Message)
		case protocol.EventText:
			fmt.Print(ev.Delta)
		case protocol.EventDone:
			fmt.Println()
			if ev.Usage != nil {
				fmt.Fprintf(os.Stderr, "(%d prompt + %d completion tokens)\n",
					ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
			}
			return nil
		case protocol.EventError:
			fmt.Println()
			return fmt.Errorf("stream failed: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without a terminal event")
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	base := envOr("RELAY_API_URL", "http://localhost:8080")
	url := base + path

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("relayctl — gateway management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat                 Stream a chat request (--provider, --model, --prompt)")
	fmt.Println("  health               Check daemon health")
	fmt.Println("  status               Show provider, rate-limit and usage status")
	fmt.Println("  models               List models per provider")
	fmt.Println("  tools                List the merged tool catalog")
	fmt.Println("  logs                 Show recent logs (--level, --provider, --limit)")
	fmt.Println("  usage                Show recent per-request token usage (--limit)")
	fmt.Println("  config validate <p>  Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  RELAY_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  RELAY_API_KEY   API key for authentication")
	fmt.Println("  RELAY_PROVIDER  Default primary provider for chat")
}
