package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/profiled/internal/api"
	"github.com/mattjoyce/profiled/internal/config"
)

// profile verbs talk to the running daemon over its HTTP API so every
// mutation goes through the per-profile queue.

func runProfileNoun(args []string) int {
	if len(args) < 1 {
		printProfileNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProfileNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runProfileList(actionArgs)
	case "show":
		return runProfileShow(actionArgs)
	case "add":
		return runProfileAdd(actionArgs)
	case "remove":
		return runProfileRemove(actionArgs)
	case "activate":
		return runProfileActivate(actionArgs)
	case "help":
		printProfileNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown profile action: %s\n", action)
		return 1
	}
}

func printProfileNounHelp(w *os.File) {
	fmt.Fprint(w, `Profile commands (require the daemon API):
  profiled profile list     [--json]
  profiled profile show     <id> [--json]
  profiled profile add      --name NAME --type TYPE --source URL
                            [--display-source TEXT] [--refresh-interval 1h] [--wait]
  profiled profile remove   <id> [--wait]
  profiled profile activate <id>

Connection flags (all commands):
  --server URL    API base URL (default from config api.listen)
  --token TOKEN   Bearer token (default from config api.auth.api_key)
  --config PATH   Path to configuration
`)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(serverFlag, tokenFlag, configPath string) (*apiClient, error) {
	baseURL := strings.TrimRight(serverFlag, "/")
	token := tokenFlag

	if baseURL == "" || token == "" {
		if configPath == "" {
			discovered, err := config.DiscoverConfigDir()
			if err == nil {
				configPath = discovered
			}
		}
		if configPath != "" {
			if cfg, err := config.Load(configPath); err == nil {
				if baseURL == "" && cfg.API.Listen != "" {
					baseURL = "http://" + cfg.API.Listen
				}
				if token == "" {
					token = cfg.API.Auth.APIKey
				}
			}
		}
	}

	if baseURL == "" {
		return nil, fmt.Errorf("no API server configured; pass --server or enable api in config")
	}
	if token == "" {
		return nil, fmt.Errorf("no API token configured; pass --token or set api.auth.api_key")
	}

	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(method, path string, body any) (int, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

type clientFlags struct {
	server string
	token  string
	config string
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.server, "server", "", "API base URL")
	fs.StringVar(&f.token, "token", "", "Bearer token")
	fs.StringVar(&f.config, "config", "", "Path to configuration")
}

func runProfileList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	client, err := newAPIClient(cf.server, cf.token, cf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code, data, err := client.do(http.MethodGet, "/profiles", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", code, strings.TrimSpace(string(data)))
		return 1
	}

	if *jsonOut {
		fmt.Println(strings.TrimSpace(string(data)))
		return 0
	}

	var list api.ProfileListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		fmt.Fprintf(os.Stderr, "Malformed response: %v\n", err)
		return 1
	}
	if len(list.Profiles) == 0 {
		fmt.Println("No profiles.")
		return 0
	}
	fmt.Printf("%-5s %-20s %-10s %-8s %s\n", "ID", "NAME", "TYPE", "ACTIVE", "SOURCE")
	for _, p := range list.Profiles {
		active := ""
		if p.Active {
			active = "yes"
		}
		source := p.DisplaySource
		if source == "" {
			source = p.Source
		}
		fmt.Printf("%-5d %-20s %-10s %-8s %s\n", p.ID, p.Name, p.Type, active, source)
	}
	return 0
}

func runProfileShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")

	id, rest, ok := takeIDArg(args)
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: profiled profile show <id> [--json]")
		return 1
	}
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	client, err := newAPIClient(cf.server, cf.token, cf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code, data, err := client.do(http.MethodGet, "/profiles/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if code == http.StatusNotFound {
		fmt.Fprintf(os.Stderr, "Profile %d not found\n", id)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", code, strings.TrimSpace(string(data)))
		return 1
	}

	if *jsonOut {
		fmt.Println(strings.TrimSpace(string(data)))
		return 0
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, data, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(data)))
		return 0
	}
	fmt.Println(indented.String())
	return 0
}

func runProfileAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	name := fs.String("name", "", "Profile name")
	ptype := fs.String("type", "", "Profile type")
	source := fs.String("source", "", "Source locator (http(s), file://, or path)")
	displaySource := fs.String("display-source", "", "Human-readable source label")
	refreshEvery := fs.Duration("refresh-interval", 0, "Automatic refresh interval (0 disables)")
	wait := fs.Bool("wait", false, "Wait for the outcome")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *name == "" || *ptype == "" || *source == "" {
		fmt.Fprintln(os.Stderr, "Error: --name, --type, and --source are required")
		return 1
	}

	body := api.SubmitRequest{
		Name:   name,
		Type:   ptype,
		Source: source,
	}
	if *displaySource != "" {
		body.DisplaySource = displaySource
	}
	if *refreshEvery > 0 {
		ms := refreshEvery.Milliseconds()
		body.RefreshIntervalMillis = &ms
	}

	return submitProfileRequest(cf, http.MethodPost, "/profiles", body, *wait)
}

func runProfileRemove(args []string) int {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	wait := fs.Bool("wait", false, "Wait for the outcome")

	id, rest, ok := takeIDArg(args)
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: profiled profile remove <id> [--wait]")
		return 1
	}
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	return submitProfileRequest(cf, http.MethodDelete, "/profiles/"+strconv.FormatInt(id, 10), nil, *wait)
}

func runProfileActivate(args []string) int {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)

	id, rest, ok := takeIDArg(args)
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: profiled profile activate <id>")
		return 1
	}
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	client, err := newAPIClient(cf.server, cf.token, cf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code, data, err := client.do(http.MethodPost, "/profiles/"+strconv.FormatInt(id, 10)+"/activate", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if code == http.StatusNotFound {
		fmt.Fprintf(os.Stderr, "Profile %d not found\n", id)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", code, strings.TrimSpace(string(data)))
		return 1
	}

	fmt.Printf("Profile %d is now active.\n", id)
	return 0
}

func submitProfileRequest(cf clientFlags, method, path string, body any, wait bool) int {
	client, err := newAPIClient(cf.server, cf.token, cf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if wait {
		if strings.Contains(path, "?") {
			path += "&wait=1"
		} else {
			path += "?wait=1"
		}
	}

	code, data, err := client.do(method, path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}

	switch code {
	case http.StatusAccepted:
		fmt.Println("Request queued.")
		return 0
	case http.StatusOK:
		var sync api.SyncResponse
		if err := json.Unmarshal(data, &sync); err == nil && sync.Status != "" {
			fmt.Printf("Request %s (%dms).\n", sync.Status, sync.DurationMs)
			return 0
		}
		fmt.Println("Request completed.")
		return 0
	case http.StatusUnprocessableEntity:
		var sync api.SyncResponse
		if err := json.Unmarshal(data, &sync); err == nil {
			fmt.Fprintf(os.Stderr, "Request failed: %s\n", sync.Message)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Request failed: %s\n", strings.TrimSpace(string(data)))
		return 1
	default:
		fmt.Fprintf(os.Stderr, "API error (%d): %s\n", code, strings.TrimSpace(string(data)))
		return 1
	}
}

// takeIDArg pulls the first non-flag argument as a positive integer id, so
// flags may appear before or after it.
func takeIDArg(args []string) (int64, []string, bool) {
	var raw string
	var rest []string
	for _, a := range args {
		if raw == "" && !strings.HasPrefix(a, "-") {
			raw = a
			continue
		}
		rest = append(rest, a)
	}
	if raw == "" {
		return 0, nil, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, nil, false
	}
	return id, rest, true
}
