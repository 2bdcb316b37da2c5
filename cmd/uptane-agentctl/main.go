// Command uptane-agentctl is the operator CLI for a running uptane-agent
// daemon: it talks to the local status/control API over plain HTTP.
// Stdlib flag + os.Args subcommand dispatch; no cobra.
//
// Usage:
//
//	uptane-agentctl status             - print flow-control state and pending target count
//	uptane-agentctl pause               - pause the in-flight/next update transaction
//	uptane-agentctl resume              - resume a paused transaction
//	uptane-agentctl abort                - abort the current transaction
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9050", "uptane-agent status API base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	switch args[0] {
	case "status":
		cmdStatus(client, *addr)
	case "pause":
		cmdControl(client, *addr, "pause")
	case "resume":
		cmdControl(client, *addr, "resume")
	case "abort":
		cmdControl(client, *addr, "abort")
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func cmdStatus(client *http.Client, addr string) {
	resp, err := client.Get(addr + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "uptane-agentctl: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uptane-agentctl: read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "uptane-agentctl: status %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func cmdControl(client *http.Client, addr, action string) {
	resp, err := client.Post(addr+"/"+action, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uptane-agentctl: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "uptane-agentctl: status %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", action)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: uptane-agentctl [-addr <url>] <command>

commands:
  status   print flow-control state and pending target count
  pause    pause the in-flight/next update transaction
  resume   resume a paused transaction
  abort    abort the current transaction`)
}
