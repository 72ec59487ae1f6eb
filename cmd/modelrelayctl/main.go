// modelrelayctl is a thin CLI over the modelrelay admin API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("modelrelayctl %s\n", version)
	case "status":
		doStatus()
	case "provider", "providers":
		doProviders(args)
	case "mapping", "mappings":
		doMappings(args)
	case "binding", "bindings":
		doBindings(args)
	case "apikey", "apikeys":
		doAPIKeys(args)
	case "logs":
		doLogs(args)
	case "model-test":
		doModelTest(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `modelrelayctl — CLI for the modelrelay admin API

Usage: modelrelayctl <command> [arguments]

Environment:
  MODELRELAY_URL          Base URL (default: http://localhost:8080)
  MODELRELAY_ADMIN_TOKEN  Bearer token for admin endpoints
  MODELRELAY_API_KEY      Client key used by model-test

Commands:
  status                       Show server health

  provider list                List providers
  provider add <json>          Create a provider
  provider edit <id> <json>    Replace a provider
  provider delete <id>         Delete a provider

  mapping list                 List model mappings
  mapping add <json>           Create or update a mapping
  mapping edit <id> <json>     Replace a mapping
  mapping delete <id>          Delete a mapping (and its bindings)

  binding list <mapping-id>    List bindings for a mapping
  binding add <json>           Create a binding
  binding edit <id> <json>     Replace a binding
  binding delete <id>          Delete a binding

  apikey list                  List API keys
  apikey create <name>         Create a new API key
  apikey enable <id>           Enable an API key
  apikey disable <id>          Disable an API key
  apikey delete <id>           Delete an API key

  logs [--limit N] [--trace T] [--model M] [--provider P]
                               Show request logs

  model-test <model> [key]     Send a test chat completion through the proxy

  version                      Show version
  help                         Show this help

Examples:
  modelrelayctl provider add '{"name":"openai-main","base_url":"https://api.openai.com","protocol":"openai","api_key":"sk-...","active":true}'
  modelrelayctl mapping add '{"requested_model":"fast","strategy":"round_robin","active":true}'
  modelrelayctl binding add '{"mapping_id":1,"provider_id":1,"target_model":"gpt-4o-mini","weight":3,"active":true}'
  modelrelayctl logs --limit 20 --model fast
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("MODELRELAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("MODELRELAY_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

// call issues a request and decodes the JSON response. 204 yields nil.
func call(method, path, bodyJSON string) any {
	var body io.Reader
	if bodyJSON != "" {
		body = strings.NewReader(bodyJSON)
	}
	resp, err := doRequest(method, path, body)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	if len(data) == 0 {
		return nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: modelrelayctl %s\n", usage)
		os.Exit(1)
	}
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// --- Commands ---

func doStatus() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	var h map[string]any
	_ = json.Unmarshal(data, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	fmt.Printf("Server: %s\n", baseURL())
	fmt.Printf("Status: %s\n", status)
	if errMsg, ok := h["error"].(string); ok && errMsg != "" {
		fmt.Printf("Error:  %s\n", errMsg)
	}
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func doProviders(args []string) {
	if len(args) == 0 || args[0] == "list" {
		providers := asList(call("GET", "/admin/v1/providers", ""))
		if len(providers) == 0 {
			fmt.Println("No providers configured.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPROTOCOL\tBASE URL\tACTIVE")
		for _, p := range providers {
			m := asMap(p)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				fmtNum(m["id"]), m["name"], m["protocol"], m["base_url"], yesNo(m["active"]))
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "provider add <json>")
		created := asMap(call("POST", "/admin/v1/providers", args[1]))
		fmt.Printf("Provider %s created.\n", fmtNum(created["id"]))
	case "edit":
		requireArgs(args, 3, "provider edit <id> <json>")
		call("PUT", "/admin/v1/providers/"+args[1], args[2])
		fmt.Println("Provider updated.")
	case "delete":
		requireArgs(args, 2, "provider delete <id>")
		call("DELETE", "/admin/v1/providers/"+args[1], "")
		fmt.Println("Provider deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown provider command: %s\n", args[0])
		os.Exit(1)
	}
}

func doMappings(args []string) {
	if len(args) == 0 || args[0] == "list" {
		mappings := asList(call("GET", "/admin/v1/mappings", ""))
		if len(mappings) == 0 {
			fmt.Println("No model mappings configured.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tREQUESTED MODEL\tSTRATEGY\tRULES\tACTIVE")
		for _, mp := range mappings {
			m := asMap(mp)
			rules := "-"
			if r, ok := m["matching_rules"].(string); ok && r != "" {
				rules = "yes"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				fmtNum(m["id"]), m["requested_model"], m["strategy"], rules, yesNo(m["active"]))
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "mapping add <json>")
		created := asMap(call("POST", "/admin/v1/mappings", args[1]))
		fmt.Printf("Mapping %s saved.\n", fmtNum(created["id"]))
	case "edit":
		requireArgs(args, 3, "mapping edit <id> <json>")
		call("PUT", "/admin/v1/mappings/"+args[1], args[2])
		fmt.Println("Mapping updated.")
	case "delete":
		requireArgs(args, 2, "mapping delete <id>")
		call("DELETE", "/admin/v1/mappings/"+args[1], "")
		fmt.Println("Mapping deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown mapping command: %s\n", args[0])
		os.Exit(1)
	}
}

func doBindings(args []string) {
	requireArgs(args, 1, "binding <list|add|edit|delete> [args]")
	switch args[0] {
	case "list":
		requireArgs(args, 2, "binding list <mapping-id>")
		bindings := asList(call("GET", "/admin/v1/mappings/"+args[1]+"/bindings", ""))
		if len(bindings) == 0 {
			fmt.Println("No bindings for this mapping.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tTARGET MODEL\tPRIORITY\tWEIGHT\tACTIVE")
		for _, bp := range bindings {
			m := asMap(bp)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				fmtNum(m["id"]), fmtNum(m["provider_id"]), m["target_model"],
				fmtNum(m["priority"]), fmtNum(m["weight"]), yesNo(m["active"]))
		}
		_ = tw.Flush()
	case "add":
		requireArgs(args, 2, "binding add <json>")
		created := asMap(call("POST", "/admin/v1/bindings", args[1]))
		fmt.Printf("Binding %s created.\n", fmtNum(created["id"]))
	case "edit":
		requireArgs(args, 3, "binding edit <id> <json>")
		call("PUT", "/admin/v1/bindings/"+args[1], args[2])
		fmt.Println("Binding updated.")
	case "delete":
		requireArgs(args, 2, "binding delete <id>")
		call("DELETE", "/admin/v1/bindings/"+args[1], "")
		fmt.Println("Binding deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown binding command: %s\n", args[0])
		os.Exit(1)
	}
}

func doAPIKeys(args []string) {
	if len(args) == 0 || args[0] == "list" {
		keys := asList(call("GET", "/admin/v1/apikeys", ""))
		if len(keys) == 0 {
			fmt.Println("No API keys.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tCREATED\tLAST USED")
		for _, k := range keys {
			m := asMap(k)
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				fmtNum(m["id"]), m["name"], m["key_prefix"], yesNo(m["active"]),
				fmtTime(m["created_at"]), fmtTime(m["last_used_at"]))
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "create":
		requireArgs(args, 2, "apikey create <name>")
		created := asMap(call("POST", "/admin/v1/apikeys", fmt.Sprintf(`{"name":%s}`, jsonStr(args[1]))))
		fmt.Printf("API key created.\n  ID:  %s\n  Key: %s\n", fmtNum(created["id"]), created["key"])
		fmt.Println("\n  Save this key now — it will not be shown again.")
	case "enable":
		requireArgs(args, 2, "apikey enable <id>")
		call("PATCH", "/admin/v1/apikeys/"+args[1], `{"active":true}`)
		fmt.Printf("API key %s enabled.\n", args[1])
	case "disable":
		requireArgs(args, 2, "apikey disable <id>")
		call("PATCH", "/admin/v1/apikeys/"+args[1], `{"active":false}`)
		fmt.Printf("API key %s disabled.\n", args[1])
	case "delete":
		requireArgs(args, 2, "apikey delete <id>")
		call("DELETE", "/admin/v1/apikeys/"+args[1], "")
		fmt.Println("API key deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown apikey command: %s\n", args[0])
		os.Exit(1)
	}
}

func doLogs(args []string) {
	params := []string{}
	if v := flagValue(args, "--limit"); v != "" {
		params = append(params, "limit="+v)
	} else {
		params = append(params, "limit=50")
	}
	if v := flagValue(args, "--trace"); v != "" {
		params = append(params, "trace_id="+v)
	}
	if v := flagValue(args, "--model"); v != "" {
		params = append(params, "model="+v)
	}
	if v := flagValue(args, "--provider"); v != "" {
		params = append(params, "provider="+v)
	}

	logs := asList(call("GET", "/admin/v1/logs?"+strings.Join(params, "&"), ""))
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTRACE\tMODEL\tPROVIDER\tSTATUS\tRETRIES\tTOKENS IN/OUT\tLATENCY\tERROR")
	for _, l := range logs {
		m := asMap(l)
		trace, _ := m["trace_id"].(string)
		if len(trace) > 8 {
			trace = trace[:8]
		}
		errMsg, _ := m["error"].(string)
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
			fmtTime(m["created_at"]), trace, m["requested_model"], m["provider_name"],
			fmtNum(m["status_code"]), fmtNum(m["retry_count"]),
			fmtNum(m["input_tokens"]), fmtNum(m["output_tokens"]),
			fmtDuration(m["total_ms"]), errMsg)
	}
	_ = tw.Flush()
}

func doModelTest(args []string) {
	requireArgs(args, 1, "model-test <model> [api-key]")
	model := args[0]

	apiKey := ""
	if len(args) > 1 {
		apiKey = args[1]
	}
	if apiKey == "" {
		apiKey = os.Getenv("MODELRELAY_API_KEY")
	}

	payload := fmt.Sprintf(`{"model":%s,"messages":[{"role":"user","content":"Say the word OK and nothing else."}],"max_tokens":5}`, jsonStr(model))
	req, err := http.NewRequest("POST", baseURL()+"/v1/chat/completions", strings.NewReader(payload))
	fatal(err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Model:    %s\n", model)
	fmt.Printf("Status:   %d\n", resp.StatusCode)
	fmt.Printf("Latency:  %v\n", latency.Round(time.Millisecond))
	fmt.Printf("Trace:    %s\n", resp.Header.Get("X-Trace-ID"))
	if resp.StatusCode == http.StatusOK {
		fmt.Printf("Target:   %s via %s\n", resp.Header.Get("X-Target-Model"), resp.Header.Get("X-Provider"))
		var out map[string]any
		if json.Unmarshal(body, &out) == nil {
			if choices, ok := out["choices"].([]any); ok && len(choices) > 0 {
				if msg := asMap(asMap(choices[0])["message"]); msg != nil {
					content, _ := msg["content"].(string)
					fmt.Printf("Response: %s\n", content)
				}
			}
			if usage := asMap(out["usage"]); usage != nil {
				fmt.Printf("Tokens:   in=%v out=%v\n", usage["prompt_tokens"], usage["completion_tokens"])
			}
		}
	} else {
		fmt.Printf("Error:    %s\n", strings.TrimSpace(string(body)))
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func yesNo(v any) string {
	if v == true {
		return "yes"
	}
	return "no"
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultClient.Timeout = 30 * time.Second
}
