package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
	"github.com/Mennes303/gdpr-art5-engine/pkg/telemetry"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "decide":
		return decide(args[1:], out)
	case "audit":
		return auditCmd(args[1:], out)
	case "verify":
		return verify(args[1:], out)
	case "tick":
		return tick(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "pdpctl commands:")
	fmt.Fprintln(out, "  decide --policy <id-or-path> --action read --target urn:data:customers [--purpose p] [--role r] [--location NL]")
	fmt.Fprintln(out, "  audit")
	fmt.Fprintln(out, "  verify")
	fmt.Fprintln(out, "  tick")
	fmt.Fprintln(out, "common flags: --server http://localhost:8080")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("PDP_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("server", def, "engine base URL")
}

func decide(args []string, out io.Writer) error {
	fs := newFlagSet("decide")
	server := serverFlag(fs)
	policy := fs.String("policy", "", "policy id or file path")
	action := fs.String("action", "", "requested action")
	target := fs.String("target", "", "asset uid")
	purpose := fs.String("purpose", "", "declared purpose")
	role := fs.String("role", "", "requester role")
	location := fs.String("location", "", "requester location")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *policy == "" || *action == "" || *target == "" {
		return errors.New("policy, action, target required")
	}

	payload := map[string]any{
		"action":   *action,
		"target":   *target,
		"purpose":  *purpose,
		"role":     *role,
		"location": *location,
	}
	if id, err := parseID(*policy); err == nil {
		payload["policy_id"] = id
	} else {
		payload["policy_file"] = *policy
	}

	var resp struct {
		Decision string `json:"decision"`
	}
	if err := postJSON(*server+"/v1/decision", payload, &resp); err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Decision)
	if resp.Decision != string(models.DecisionPermit) {
		return fmt.Errorf("decision: %s", resp.Decision)
	}
	return nil
}

func auditCmd(args []string, out io.Writer) error {
	fs := newFlagSet("audit")
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := fetchAudit(*server)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// verify fetches the full trail and re-derives the hash chain locally, so
// the check does not trust the server's own verdict.
func verify(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := fetchAudit(*server)
	if err != nil {
		return err
	}
	n, err := audit.VerifyEntries(entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "chain ok: %d records\n", n)
	return nil
}

func tick(args []string, out io.Writer) error {
	fs := newFlagSet("tick")
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp struct {
		Fulfilled int `json:"fulfilled"`
	}
	if err := postJSON(*server+"/v1/duties/flush", map[string]any{}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "fulfilled %d duties\n", resp.Fulfilled)
	return nil
}

func fetchAudit(server string) ([]audit.Entry, error) {
	resp, err := httpClient.Get(server + "/v1/audit")
	if err != nil {
		return nil, fmt.Errorf("fetch audit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch audit: status %d", resp.StatusCode)
	}
	var body struct {
		Items []audit.Entry `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode audit: %w", err)
	}
	return body.Items, nil
}

func postJSON(url string, payload any, dest any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("server: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server: status %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func parseID(ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	var id int64
	if _, err := fmt.Sscanf(ref, "%d", &id); err != nil {
		return 0, err
	}
	if fmt.Sprintf("%d", id) != ref {
		return 0, errors.New("not a bare id")
	}
	return id, nil
}
