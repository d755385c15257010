// Package report holds the outcome of a fleet run: the per-host result
// table printed at the end, and its JSON form read back by the agent plugin.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// PhaseSummary is one phase of a host run.
type PhaseSummary struct {
	Phase    string  `json:"phase"`
	Outcome  string  `json:"outcome"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// HostResult is the final state of one host.
type HostResult struct {
	Host       string         `json:"host"`
	Address    string         `json:"address"`
	ZabbixHost string         `json:"zabbix_host,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Error      string         `json:"error,omitempty"`
	Clustered  bool           `json:"clustered"`
	FailedVMs  []string       `json:"failed_vms,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   float64        `json:"duration_seconds"`
	Phases     []PhaseSummary `json:"phases,omitempty"`
}

// Report maps every processed host to its result.
type Report struct {
	Patch      string       `json:"patch,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Hosts      []HostResult `json:"hosts"`
}

// Stats are aggregate counts over a report.
type Stats struct {
	TotalHosts     int
	FailedHosts    int
	SucceededHosts int
}

// Add appends or replaces the result for r.Host.
func (r *Report) Add(res HostResult) {
	for i := range r.Hosts {
		if r.Hosts[i].Host == res.Host {
			r.Hosts[i] = res
			return
		}
	}
	r.Hosts = append(r.Hosts, res)
}

// Get returns the result recorded for host.
func (r *Report) Get(host string) (HostResult, bool) {
	for _, h := range r.Hosts {
		if h.Host == host {
			return h, true
		}
	}
	return HostResult{}, false
}

// Succeeded reports whether every host succeeded. An empty report did not.
func (r *Report) Succeeded() bool {
	if len(r.Hosts) == 0 {
		return false
	}
	for _, h := range r.Hosts {
		if !h.Success {
			return false
		}
	}
	return true
}

// Stats counts hosts by result.
func (r *Report) Stats() Stats {
	s := Stats{TotalHosts: len(r.Hosts)}
	for _, h := range r.Hosts {
		if h.Success {
			s.SucceededHosts++
		} else {
			s.FailedHosts++
		}
	}
	return s
}

// Failed returns the names of failed hosts, sorted.
func (r *Report) Failed() []string {
	var out []string
	for _, h := range r.Hosts {
		if !h.Success {
			out = append(out, h.Host)
		}
	}
	sort.Strings(out)
	return out
}

// PrintTable writes the per-host result table.
func (r *Report) PrintTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOST\tADDRESS\tRESULT\tDURATION\tMESSAGE")
	for _, h := range r.Hosts {
		result := "OK"
		if !h.Success {
			result = "FAILED"
		}
		msg := h.Message
		if len(h.Warnings) > 0 {
			msg += " (warnings: " + strings.Join(h.Warnings, ", ") + ")"
		}
		d := time.Duration(h.Duration * float64(time.Second)).Round(time.Second)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Host, h.Address, result, d, msg)
	}
	s := r.Stats()
	_, _ = fmt.Fprintf(tw, "\nTotal: %d, succeeded: %d, failed: %d\n", s.TotalHosts, s.SucceededHosts, s.FailedHosts)
	return tw.Flush()
}

// WriteJSON stores the report at path, replacing any previous one atomically.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// Load reads a report written by WriteJSON.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &r, nil
}
