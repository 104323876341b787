package nessus

import "sort"

// Record is one finding flattened with its host context, the unit of the
// results stream. Findings reported outside a ReportHost element have no
// host to group under and are not represented.
type Record struct {
	Host             string
	HostIP           string
	OS               string
	PluginID         int
	PluginName       string
	PluginFamily     string
	Severity         int
	RiskFactor       string
	Port             int
	Protocol         string
	Service          string
	Synopsis         string
	Description      string
	Solution         string
	PluginOutput     string
	CVSSBaseScore    float64
	CVSS3BaseScore   float64
	CVEs             []string
	ExploitAvailable bool
}

// Flatten projects every finding into a Record, ordered by host ascending
// then plugin id ascending.
func Flatten(cd *ClientData) []Record {
	var out []Record
	for _, host := range cd.Report.Hosts {
		ip := host.Properties.Get("host-ip")
		os := host.Properties.Get("operating-system")
		for _, item := range host.Items {
			out = append(out, Record{
				Host:             host.Name,
				HostIP:           ip,
				OS:               os,
				PluginID:         item.PluginID,
				PluginName:       item.PluginName,
				PluginFamily:     item.PluginFamily,
				Severity:         item.Severity,
				RiskFactor:       item.RiskFactor,
				Port:             item.Port,
				Protocol:         item.Protocol,
				Service:          item.Service,
				Synopsis:         item.Synopsis,
				Description:      item.Description,
				Solution:         item.Solution,
				PluginOutput:     item.PluginOutput,
				CVSSBaseScore:    item.CVSSBaseScore,
				CVSS3BaseScore:   item.CVSS3BaseScore,
				CVEs:             item.CVEs,
				ExploitAvailable: item.ExploitAvailable == "true",
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].PluginID < out[j].PluginID
	})
	return out
}

// FieldKind selects the filter matcher applied to a field.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
	FieldList
)

// FieldSpec describes one projectable record field.
type FieldSpec struct {
	Name string
	Kind FieldKind
	Get  func(*Record) any
}

// Fields is the canonical field registry in output order. Profile and
// custom-field projections both resolve against it.
var Fields = []FieldSpec{
	{"host", FieldString, func(r *Record) any { return r.Host }},
	{"host_ip", FieldString, func(r *Record) any { return r.HostIP }},
	{"os", FieldString, func(r *Record) any { return r.OS }},
	{"plugin_id", FieldNumber, func(r *Record) any { return r.PluginID }},
	{"plugin_name", FieldString, func(r *Record) any { return r.PluginName }},
	{"plugin_family", FieldString, func(r *Record) any { return r.PluginFamily }},
	{"severity", FieldNumber, func(r *Record) any { return r.Severity }},
	{"risk_factor", FieldString, func(r *Record) any { return r.RiskFactor }},
	{"port", FieldNumber, func(r *Record) any { return r.Port }},
	{"protocol", FieldString, func(r *Record) any { return r.Protocol }},
	{"service", FieldString, func(r *Record) any { return r.Service }},
	{"synopsis", FieldString, func(r *Record) any { return r.Synopsis }},
	{"description", FieldString, func(r *Record) any { return r.Description }},
	{"solution", FieldString, func(r *Record) any { return r.Solution }},
	{"plugin_output", FieldString, func(r *Record) any { return r.PluginOutput }},
	{"cvss_base_score", FieldNumber, func(r *Record) any { return r.CVSSBaseScore }},
	{"cvss3_base_score", FieldNumber, func(r *Record) any { return r.CVSS3BaseScore }},
	{"cve", FieldList, func(r *Record) any {
		if r.CVEs == nil {
			return []string{}
		}
		return r.CVEs
	}},
	{"exploit_available", FieldBool, func(r *Record) any { return r.ExploitAvailable }},
}

// FieldByName resolves a field spec, case-sensitively.
func FieldByName(name string) (FieldSpec, bool) {
	for _, f := range Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
