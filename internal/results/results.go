// Package results renders a stored scan artifact as a newline-delimited
// JSON stream: one schema line, one scan-metadata line, one line per
// finding projected to the requested field set, and a trailing pagination
// line when a page was requested. Prepare does all option validation,
// artifact parsing and encoding up front; Render only touches the writer,
// so callers can still send a clean error response for anything Prepare
// rejects.
package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/scandhq/scand/internal/nessus"
	"github.com/scandhq/scand/internal/taskstore"
)

var (
	ErrUnknownProfile  = errors.New("unknown schema profile")
	ErrUnknownField    = errors.New("unknown field")
	ErrProfileConflict = errors.New("custom_fields cannot be combined with a schema profile")
	ErrBadFilter       = errors.New("invalid filter expression")
	ErrInvalidPage     = errors.New("page must not be negative")
)

const (
	minPageSize = 10
	maxPageSize = 100
)

// Options selects projection, filtering and pagination for one stream.
type Options struct {
	// Profile names a predefined field set. Empty means ProfileBrief.
	Profile string

	// CustomFields projects an explicit field list instead. Allowed only
	// with the default profile.
	CustomFields []string

	// Filters maps field name to a matcher expression. The matcher type
	// follows the field's kind. Filters combine with AND.
	Filters map[string]string

	// Page 0 streams every record with no pagination line.
	Page     int
	PageSize int
}

type schemaLine struct {
	Type                 string            `json:"type"`
	Profile              string            `json:"profile"`
	Fields               []string          `json:"fields"`
	FiltersApplied       map[string]string `json:"filters_applied"`
	TotalVulnerabilities int               `json:"total_vulnerabilities"`
}

type metadataLine struct {
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Targets   []string `json:"targets"`
	ScanStart string   `json:"scan_start,omitempty"`
	ScanEnd   string   `json:"scan_end,omitempty"`
	Policy    string   `json:"policy,omitempty"`
}

type paginationLine struct {
	Type       string `json:"type"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	HasNext    bool   `json:"has_next"`
	TotalPages int    `json:"total_pages"`
}

// Stream is a fully validated and encoded render plan. Everything fallible
// happens in Prepare; Render can only fail on the destination writer, so
// callers know a Render error means the response is already partially sent.
type Stream struct {
	lines [][]byte
}

// Render writes the prepared NDJSON lines.
func (s *Stream) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, line := range s.lines {
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Write streams the artifact's findings for the task according to opts.
func Write(w io.Writer, task *taskstore.Task, artifact []byte, opts Options) error {
	stream, err := Prepare(task, artifact, opts)
	if err != nil {
		return err
	}
	return stream.Render(w)
}

// Prepare validates opts, parses the artifact, and encodes the full stream.
func Prepare(task *taskstore.Task, artifact []byte, opts Options) (*Stream, error) {
	if opts.Page < 0 {
		return nil, ErrInvalidPage
	}
	profile, fields, err := resolveProjection(opts)
	if err != nil {
		return nil, err
	}
	matchers, err := compileFilters(opts.Filters)
	if err != nil {
		return nil, err
	}
	fields = withFilterFields(fields, matchers)

	cd, err := nessus.Parse(artifact)
	if err != nil {
		return nil, err
	}
	records := nessus.Flatten(cd)
	total := len(records)

	filtered := records[:0:0]
	for i := range records {
		if matchRecord(matchers, &records[i]) {
			filtered = append(filtered, records[i])
		}
	}

	window := filtered
	var pagination *paginationLine
	if opts.Page > 0 {
		size := clampPageSize(opts.PageSize)
		start := (opts.Page - 1) * size
		end := start + size
		if start > len(filtered) {
			start = len(filtered)
		}
		if end > len(filtered) {
			end = len(filtered)
		}
		window = filtered[start:end]
		totalPages := (len(filtered) + size - 1) / size
		pagination = &paginationLine{
			Type:       "pagination",
			Page:       opts.Page,
			PageSize:   size,
			HasNext:    opts.Page < totalPages,
			TotalPages: totalPages,
		}
	}

	filtersApplied := opts.Filters
	if filtersApplied == nil {
		filtersApplied = map[string]string{}
	}

	stream := &Stream{lines: make([][]byte, 0, len(window)+3)}
	appendLine := func(v any) error {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		stream.lines = append(stream.lines, append(line, '\n'))
		return nil
	}
	if err := appendLine(schemaLine{
		Type:                 "schema",
		Profile:              profile,
		Fields:               fieldNames(fields),
		FiltersApplied:       filtersApplied,
		TotalVulnerabilities: total,
	}); err != nil {
		return nil, err
	}
	if err := appendLine(buildMetadata(task, cd)); err != nil {
		return nil, err
	}
	for i := range window {
		line, err := encodeRecord(fields, &window[i])
		if err != nil {
			return nil, err
		}
		stream.lines = append(stream.lines, append(line, '\n'))
	}
	if pagination != nil {
		if err := appendLine(pagination); err != nil {
			return nil, err
		}
	}
	return stream, nil
}

func buildMetadata(task *taskstore.Task, cd *nessus.ClientData) metadataLine {
	meta := metadataLine{
		Type:    "scan_metadata",
		Name:    task.Payload.Name,
		Targets: taskstore.SplitTargets(task.Payload.Targets),
		Policy:  cd.Policy.Name,
	}
	if meta.Name == "" {
		meta.Name = cd.Report.Name
	}
	if meta.Targets == nil {
		meta.Targets = []string{}
	}
	if task.StartedAt != nil {
		meta.ScanStart = task.StartedAt.String()
	}
	if task.CompletedAt != nil {
		meta.ScanEnd = task.CompletedAt.String()
	}
	return meta
}

// encodeRecord writes one projected record with fields in projection order.
func encodeRecord(fields []nessus.FieldSpec, r *nessus.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:", f.Name)
		value, err := json.Marshal(f.Get(r))
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func fieldNames(fields []nessus.FieldSpec) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func clampPageSize(size int) int {
	if size < minPageSize {
		return minPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}
