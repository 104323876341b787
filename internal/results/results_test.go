package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scandhq/scand/internal/taskstore"
)

const streamExport = `<?xml version="1.0"?>
<NessusClientData_v2>
  <Policy><policyName>Basic Network Scan</policyName></Policy>
  <Report name="remote name">
    <ReportHost name="10.0.0.7">
      <HostProperties><tag name="host-ip">10.0.0.7</tag></HostProperties>
      <ReportItem pluginID="10287" pluginName="Traceroute Information" pluginFamily="General" port="0" protocol="udp" svc_name="general" severity="0">
        <synopsis>It was possible to obtain traceroute information.</synopsis>
      </ReportItem>
    </ReportHost>
    <ReportHost name="10.0.0.5">
      <HostProperties><tag name="host-ip">10.0.0.5</tag></HostProperties>
      <ReportItem pluginID="171959" pluginName="Apache Heap Overflow" pluginFamily="Web Servers" port="80" protocol="tcp" svc_name="www" severity="4">
        <risk_factor>Critical</risk_factor>
        <cvss_base_score>9.8</cvss_base_score>
        <cve>CVE-2023-25690</cve>
        <exploit_available>true</exploit_available>
      </ReportItem>
      <ReportItem pluginID="51192" pluginName="SSL Certificate Cannot Be Trusted" pluginFamily="General" port="443" protocol="tcp" svc_name="www" severity="2">
        <risk_factor>Medium</risk_factor>
        <cvss_base_score>6.4</cvss_base_score>
      </ReportItem>
      <ReportItem pluginID="156032" pluginName="Ubuntu: OpenSSL vulnerabilities" pluginFamily="Ubuntu Local Security Checks" port="0" protocol="tcp" svc_name="general" severity="3">
        <risk_factor>High</risk_factor>
        <cvss_base_score>7.5</cvss_base_score>
        <cve>CVE-2023-0464</cve>
        <cve>CVE-2023-0465</cve>
        <exploit_available>true</exploit_available>
      </ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>`

func streamTask() *taskstore.Task {
	started := taskstore.At(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	done := taskstore.At(time.Date(2026, 4, 1, 11, 30, 0, 0, time.UTC))
	return &taskstore.Task{
		TaskID: "nessus_nessus-01_20260401_100000_abc123",
		Payload: taskstore.Payload{
			Name:    "weekly dmz sweep",
			Targets: "10.0.0.0/24, web-01.internal",
		},
		Status:      taskstore.StatusCompleted,
		StartedAt:   &started,
		CompletedAt: &done,
	}
}

func writeStream(t *testing.T, opts Options) (string, []map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, streamTask(), []byte(streamExport), opts); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buf.String(), decodeLines(t, buf.String())
}

func decodeLines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestWriteDefaultStream(t *testing.T) {
	raw, lines := writeStream(t, Options{})
	if len(lines) != 2+4 {
		t.Fatalf("expected schema + metadata + 4 records, got %d lines", len(lines))
	}

	schema := lines[0]
	if schema["type"] != "schema" || schema["profile"] != ProfileBrief {
		t.Errorf("unexpected schema line %v", schema)
	}
	if schema["total_vulnerabilities"] != float64(4) {
		t.Errorf("expected pre-filter total 4, got %v", schema["total_vulnerabilities"])
	}

	meta := lines[1]
	if meta["type"] != "scan_metadata" || meta["name"] != "weekly dmz sweep" {
		t.Errorf("unexpected metadata line %v", meta)
	}
	if meta["policy"] != "Basic Network Scan" {
		t.Errorf("expected policy from artifact, got %v", meta["policy"])
	}
	targets, _ := meta["targets"].([]any)
	if len(targets) != 2 || targets[1] != "web-01.internal" {
		t.Errorf("unexpected targets %v", meta["targets"])
	}
	if meta["scan_start"] != "2026-04-01T10:00:00.000000Z" {
		t.Errorf("unexpected scan_start %v", meta["scan_start"])
	}

	// Records sort by host then plugin id; projection order starts at host.
	first := lines[2]
	if first["host"] != "10.0.0.5" || first["plugin_id"] != float64(51192) {
		t.Errorf("unexpected first record %v", first)
	}
	if lines[5]["host"] != "10.0.0.7" {
		t.Errorf("expected 10.0.0.7 last, got %v", lines[5]["host"])
	}
	if _, ok := first["description"]; ok {
		t.Error("brief profile must not include description")
	}
	for _, line := range strings.Split(raw, "\n")[2:6] {
		if !strings.HasPrefix(line, `{"host":`) {
			t.Errorf("record keys not in projection order: %s", line)
		}
	}
	if strings.Contains(raw, `"pagination"`) {
		t.Error("page 0 must not emit a pagination line")
	}
}

func TestWriteProfiles(t *testing.T) {
	_, lines := writeStream(t, Options{Profile: ProfileMinimal})
	record := lines[2]
	if len(record) != 4 {
		t.Errorf("minimal record has %d fields: %v", len(record), record)
	}
	for _, key := range []string{"host", "plugin_id", "plugin_name", "severity"} {
		if _, ok := record[key]; !ok {
			t.Errorf("minimal record missing %s", key)
		}
	}

	_, lines = writeStream(t, Options{Profile: ProfileFull})
	record = lines[2]
	if _, ok := record["plugin_output"]; !ok {
		t.Error("full record missing plugin_output")
	}
	if _, ok := record["description"]; !ok {
		t.Error("full record missing description")
	}

	var buf bytes.Buffer
	err := Write(&buf, streamTask(), []byte(streamExport), Options{Profile: "verbose"})
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestWriteCustomFields(t *testing.T) {
	raw, lines := writeStream(t, Options{CustomFields: []string{"severity", "host"}})
	if lines[0]["profile"] != "custom" {
		t.Errorf("expected custom profile, got %v", lines[0]["profile"])
	}
	for _, line := range strings.Split(raw, "\n")[2:6] {
		if !strings.HasPrefix(line, `{"severity":`) {
			t.Errorf("custom field order not preserved: %s", line)
		}
	}
	if len(lines[2]) != 2 {
		t.Errorf("expected exactly the custom fields, got %v", lines[2])
	}

	var buf bytes.Buffer
	err := Write(&buf, streamTask(), []byte(streamExport),
		Options{Profile: ProfileMinimal, CustomFields: []string{"host"}})
	if !errors.Is(err, ErrProfileConflict) {
		t.Fatalf("expected ErrProfileConflict, got %v", err)
	}
	err = Write(&buf, streamTask(), []byte(streamExport),
		Options{CustomFields: []string{"no_such"}})
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestWriteFilters(t *testing.T) {
	cases := []struct {
		name    string
		filters map[string]string
		plugins []float64
	}{
		{
			name:    "numeric operator",
			filters: map[string]string{"severity": ">=3"},
			plugins: []float64{156032, 171959},
		},
		{
			name:    "numeric equality bare value",
			filters: map[string]string{"port": "443"},
			plugins: []float64{51192},
		},
		{
			name:    "string substring case-insensitive",
			filters: map[string]string{"plugin_name": "OPENSSL"},
			plugins: []float64{156032},
		},
		{
			name:    "boolean",
			filters: map[string]string{"exploit_available": "true"},
			plugins: []float64{156032, 171959},
		},
		{
			name:    "list any-element",
			filters: map[string]string{"cve": "2023-0465"},
			plugins: []float64{156032},
		},
		{
			name:    "and combination",
			filters: map[string]string{"severity": ">=2", "protocol": "tcp", "plugin_name": "ssl"},
			plugins: []float64{51192, 156032},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, lines := writeStream(t, Options{Filters: tc.filters})
			records := lines[2:]
			if len(records) != len(tc.plugins) {
				t.Fatalf("expected %d records, got %d", len(tc.plugins), len(records))
			}
			for i, want := range tc.plugins {
				if records[i]["plugin_id"] != want {
					t.Errorf("record %d: expected plugin %v, got %v", i, want, records[i]["plugin_id"])
				}
			}
			// Pre-filter total is unchanged and filters are echoed.
			if lines[0]["total_vulnerabilities"] != float64(4) {
				t.Errorf("expected pre-filter total 4, got %v", lines[0]["total_vulnerabilities"])
			}
			applied, _ := lines[0]["filters_applied"].(map[string]any)
			if len(applied) != len(tc.filters) {
				t.Errorf("filters not echoed: %v", lines[0]["filters_applied"])
			}
		})
	}
}

func TestWriteFilterAddsFieldToProjection(t *testing.T) {
	_, lines := writeStream(t, Options{
		Profile: ProfileMinimal,
		Filters: map[string]string{"cvss_base_score": ">7"},
	})
	fields, _ := lines[0]["fields"].([]any)
	found := false
	for _, f := range fields {
		if f == "cvss_base_score" {
			found = true
		}
	}
	if !found {
		t.Fatalf("filtered field missing from schema fields: %v", fields)
	}
	for _, record := range lines[2:] {
		if _, ok := record["cvss_base_score"]; !ok {
			t.Errorf("filtered field missing from record %v", record)
		}
	}
}

func TestWriteFilterErrors(t *testing.T) {
	var buf bytes.Buffer
	cases := map[string]struct {
		filters map[string]string
		want    error
	}{
		"unknown field": {map[string]string{"color": "red"}, ErrUnknownField},
		"bad number":    {map[string]string{"severity": ">high"}, ErrBadFilter},
		"bad bool":      {map[string]string{"exploit_available": "maybe"}, ErrBadFilter},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			buf.Reset()
			err := Write(&buf, streamTask(), []byte(streamExport), Options{Filters: tc.filters})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if buf.Len() != 0 {
				t.Error("stream must stay empty when options are invalid")
			}
		})
	}
}

func buildWideExport(findings int) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><NessusClientData_v2>`)
	b.WriteString(`<Policy><policyName>Basic Network Scan</policyName></Policy>`)
	b.WriteString(`<Report name="wide"><ReportHost name="10.1.0.9"><HostProperties>`)
	b.WriteString(`<tag name="host-ip">10.1.0.9</tag></HostProperties>`)
	for i := 0; i < findings; i++ {
		fmt.Fprintf(&b, `<ReportItem pluginID="%d" pluginName="finding %d" pluginFamily="General" port="0" protocol="tcp" svc_name="general" severity="1"/>`,
			100001+i, i)
	}
	b.WriteString(`</ReportHost></Report></NessusClientData_v2>`)
	return b.Bytes()
}

func TestWritePagination(t *testing.T) {
	artifact := buildWideExport(25)

	write := func(opts Options) []map[string]any {
		t.Helper()
		var buf bytes.Buffer
		if err := Write(&buf, streamTask(), artifact, opts); err != nil {
			t.Fatalf("Write: %v", err)
		}
		return decodeLines(t, buf.String())
	}

	lines := write(Options{Page: 1, PageSize: 10})
	if len(lines) != 2+10+1 {
		t.Fatalf("expected 13 lines, got %d", len(lines))
	}
	pg := lines[len(lines)-1]
	if pg["type"] != "pagination" || pg["has_next"] != true || pg["total_pages"] != float64(3) {
		t.Errorf("unexpected pagination line %v", pg)
	}

	lines = write(Options{Page: 3, PageSize: 10})
	if got := len(lines) - 3; got != 5 {
		t.Errorf("expected 5 records on last page, got %d", got)
	}
	pg = lines[len(lines)-1]
	if pg["has_next"] != false {
		t.Errorf("last page must not have next: %v", pg)
	}

	lines = write(Options{Page: 4, PageSize: 10})
	if got := len(lines) - 3; got != 0 {
		t.Errorf("expected empty page beyond the end, got %d records", got)
	}

	// Clamping in both directions.
	lines = write(Options{Page: 1, PageSize: 5})
	pg = lines[len(lines)-1]
	if pg["page_size"] != float64(10) {
		t.Errorf("expected page_size clamped to 10, got %v", pg["page_size"])
	}
	lines = write(Options{Page: 1, PageSize: 500})
	pg = lines[len(lines)-1]
	if pg["page_size"] != float64(100) {
		t.Errorf("expected page_size clamped to 100, got %v", pg["page_size"])
	}

	// Page 0 streams everything without a pagination line.
	lines = write(Options{Page: 0})
	if len(lines) != 2+25 {
		t.Errorf("expected all records without pagination, got %d lines", len(lines))
	}

	var buf bytes.Buffer
	if err := Write(&buf, streamTask(), artifact, Options{Page: -1}); !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("expected ErrInvalidPage, got %v", err)
	}
}

func TestWriteUnparseableArtifact(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, streamTask(), []byte("not xml at all"), Options{})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if buf.Len() != 0 {
		t.Error("stream must stay empty when the artifact cannot be parsed")
	}
}
