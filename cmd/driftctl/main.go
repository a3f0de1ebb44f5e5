// Package main is driftctl, the operator CLI for a running DriftDesk
// instance. It talks to the /ops endpoints on the app port.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/driftdesk/driftdesk/pkg/json"
)

const defaultAddr = "http://localhost:8090"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: driftctl [flags] <command>

Commands:
  stats           connection registry snapshot
  channels        configured webhook channels
  dlq list        dead letters waiting for redrive
  dlq redrive     run a redrive pass now
  dlq purge       drop every dead letter

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", envOr("DRIFTDESK_ADDR", defaultAddr), "base URL of the DriftDesk app port")
	token := flag.String("token", os.Getenv("DRIFTDESK_TOKEN"), "operator bearer token")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	c := &client{
		base:  *addr,
		token: *token,
		http:  &http.Client{Timeout: *timeout},
	}

	var err error
	switch flag.Arg(0) {
	case "stats":
		err = c.stats()
	case "channels":
		err = c.channels()
	case "dlq":
		switch flag.Arg(1) {
		case "list":
			err = c.dlqList()
		case "redrive":
			err = c.dlqRedrive()
		case "purge":
			err = c.dlqPurge()
		default:
			usage()
			os.Exit(2)
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.New(color.FgHiRed, color.Bold).Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, http.NoBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, out)
}

func (c *client) post(path string, out interface{}) error {
	return c.do(http.MethodPost, path, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
			return fmt.Errorf("server: %s (%s)", e.Error, resp.Status)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func (c *client) stats() error {
	var stats struct {
		Connections int `json:"connections"`
		Tenants     int `json:"tenants"`
		Rooms       int `json:"rooms"`
	}
	if err := c.get("/ops/stats", &stats); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"Connections", "Tenants", "Rooms"}); err != nil {
		return err
	}
	if err := table.Append([]string{
		strconv.Itoa(stats.Connections),
		strconv.Itoa(stats.Tenants),
		strconv.Itoa(stats.Rooms),
	}); err != nil {
		return err
	}
	return table.Render()
}

func (c *client) channels() error {
	var out struct {
		Channels []struct {
			Platform          string `json:"platform"`
			PlatformChannelID string `json:"platform_channel_id"`
			TenantID          string `json:"tenant_id"`
			DisplayName       string `json:"display_name"`
			VerifySignatures  bool   `json:"verify_signatures"`
			SecretSet         bool   `json:"secret_set"`
			Active            bool   `json:"active"`
		} `json:"channels"`
	}
	if err := c.get("/ops/channels", &out); err != nil {
		return err
	}
	if len(out.Channels) == 0 {
		color.New(color.FgHiBlack).Println("no channels configured")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"Platform", "Channel", "Tenant", "Name", "Signatures", "Secret", "Active"}); err != nil {
		return err
	}
	for _, ch := range out.Channels {
		if err := table.Append([]string{
			ch.Platform,
			ch.PlatformChannelID,
			ch.TenantID,
			ch.DisplayName,
			onOff(ch.VerifySignatures, "verify", "open"),
			onOff(ch.SecretSet, "set", "missing"),
			onOff(ch.Active, "yes", "no"),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (c *client) dlqList() error {
	var out struct {
		Depth   int64 `json:"depth"`
		Entries []struct {
			ID        string `json:"id"`
			Stage     string `json:"stage"`
			Platform  string `json:"platform"`
			TenantID  string `json:"tenant_id"`
			Error     string `json:"error"`
			Attempts  int    `json:"attempts"`
			BodyBytes int    `json:"body_bytes"`
		} `json:"entries"`
	}
	if err := c.get("/ops/dlq", &out); err != nil {
		return err
	}
	if out.Depth == 0 {
		color.New(color.FgHiGreen).Println("dead letter queue is empty")
		return nil
	}
	fmt.Printf("%d dead letters\n", out.Depth)
	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"ID", "Stage", "Platform", "Tenant", "Attempts", "Bytes", "Error"}); err != nil {
		return err
	}
	for _, e := range out.Entries {
		if err := table.Append([]string{
			e.ID,
			e.Stage,
			e.Platform,
			e.TenantID,
			strconv.Itoa(e.Attempts),
			strconv.Itoa(e.BodyBytes),
			truncate(e.Error, 60),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (c *client) dlqRedrive() error {
	var out struct {
		Redriven int `json:"redriven"`
	}
	if err := c.post("/ops/dlq/redrive", &out); err != nil {
		return err
	}
	color.New(color.FgHiGreen, color.Bold).Printf("redriven: %d\n", out.Redriven)
	return nil
}

func (c *client) dlqPurge() error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.post("/ops/dlq/purge", &out); err != nil {
		return err
	}
	color.New(color.FgHiYellow, color.Bold).Println("dead letter queue purged")
	return nil
}

func onOff(b bool, yes, no string) string {
	if b {
		return color.New(color.FgHiGreen).Sprint(yes)
	}
	return color.New(color.FgHiYellow).Sprint(no)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
