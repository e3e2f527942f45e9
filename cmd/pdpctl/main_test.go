package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
)

func chainEntries(t *testing.T, purposes ...string) []audit.Entry {
	t.Helper()
	prev := ""
	out := make([]audit.Entry, 0, len(purposes))
	for i, purpose := range purposes {
		e := audit.Entry{
			Seq:       int64(i + 1),
			Timestamp: time.Date(2026, 8, 30, 10, 0, int(i), 0, time.UTC),
			PolicyUID: "urn:policy:demo:1",
			Decision:  models.DecisionPermit,
			Ctx: models.RequestCtx{
				Action:  "use",
				Target:  "urn:data:customers",
				Purpose: purpose,
			},
		}
		digest, err := audit.EntryDigest(e)
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		e.Digest = digest
		e.Chain = models.ChainHex(prev, digest)
		out = append(out, e)
		prev = e.Chain
	}
	return out
}

func newEngineStub(t *testing.T, decision string, entries []audit.Entry) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/decision", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"decision": decision})
	})
	mux.HandleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": entries})
	})
	mux.HandleFunc("/v1/duties/flush", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"fulfilled": 3})
	})
	return httptest.NewServer(mux)
}

func TestDecideCommand(t *testing.T) {
	srv := newEngineStub(t, "Permit", nil)
	defer srv.Close()

	var out bytes.Buffer
	err := run([]string{"decide", "--server", srv.URL, "--policy", "1", "--action", "use", "--target", "urn:data:customers"}, &out)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Permit" {
		t.Fatalf("output: %q", out.String())
	}
}

func TestDecideCommandDenyFails(t *testing.T) {
	srv := newEngineStub(t, "Deny", nil)
	defer srv.Close()

	var out bytes.Buffer
	err := run([]string{"decide", "--server", srv.URL, "--policy", "fixtures/policy-1.json", "--action", "use", "--target", "urn:data:customers"}, &out)
	if err == nil {
		t.Fatal("deny must exit non-zero")
	}
	if strings.TrimSpace(out.String()) != "Deny" {
		t.Fatalf("output: %q", out.String())
	}
}

func TestDecideCommandRequiresFlags(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"decide", "--action", "use"}, &out); err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestAuditAndVerifyCommands(t *testing.T) {
	entries := chainEntries(t, "research", "marketing", "billing")
	srv := newEngineStub(t, "Permit", entries)
	defer srv.Close()

	var out bytes.Buffer
	if err := run([]string{"audit", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if got := strings.Count(out.String(), "\n"); got != 3 {
		t.Fatalf("expected 3 jsonl lines, got %d", got)
	}

	out.Reset()
	if err := run([]string{"verify", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "chain ok: 3 records") {
		t.Fatalf("verify output: %q", out.String())
	}
}

func TestVerifyCommandDetectsTamper(t *testing.T) {
	entries := chainEntries(t, "research", "marketing", "billing")
	entries[1].Ctx.Purpose = "tampered"
	srv := newEngineStub(t, "Permit", entries)
	defer srv.Close()

	var out bytes.Buffer
	if err := run([]string{"verify", "--server", srv.URL}, &out); err == nil {
		t.Fatal("expected tampered chain to fail verification")
	}
}

func TestTickCommand(t *testing.T) {
	srv := newEngineStub(t, "Permit", nil)
	defer srv.Close()

	var out bytes.Buffer
	if err := run([]string{"tick", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !strings.Contains(out.String(), "fulfilled 3 duties") {
		t.Fatalf("tick output: %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"bogus"}, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := run(nil, &out); err == nil {
		t.Fatal("expected command required error")
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID(" 42 "); err != nil || id != 42 {
		t.Fatalf("parse id: %d %v", id, err)
	}
	for _, ref := range []string{"fixtures/policy-1.json", "4x2", ""} {
		if _, err := parseID(ref); err == nil {
			t.Fatalf("expected %q to be rejected as id", ref)
		}
	}
}
