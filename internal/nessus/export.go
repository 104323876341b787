// Package nessus models the .nessus v2 export format. It parses artifact
// bytes into a typed report, flattens findings into host-scoped records for
// the results stream, and surfaces the authentication evidence the validator
// classifies on. Parsing is lazy by design: artifacts are stored verbatim
// and only decoded when a caller asks.
package nessus

import (
	"encoding/xml"
	"fmt"
)

// ClientData is the root of a .nessus v2 export.
type ClientData struct {
	XMLName xml.Name `xml:"NessusClientData_v2"`
	Policy  Policy   `xml:"Policy"`
	Report  Report   `xml:"Report"`
}

type Policy struct {
	Name string `xml:"policyName"`
}

type Report struct {
	Name  string       `xml:"name,attr"`
	Hosts []ReportHost `xml:"ReportHost"`
}

type ReportHost struct {
	Name       string         `xml:"name,attr"`
	Properties HostProperties `xml:"HostProperties"`
	Items      []ReportItem   `xml:"ReportItem"`
}

type HostProperties struct {
	Tags []HostTag `xml:"tag"`
}

type HostTag struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// Get returns the value of the named host property, or "" when absent.
func (p HostProperties) Get(name string) string {
	for _, tag := range p.Tags {
		if tag.Name == name {
			return tag.Value
		}
	}
	return ""
}

// ReportItem is one finding as exported by the scanner.
type ReportItem struct {
	PluginID     int    `xml:"pluginID,attr"`
	PluginName   string `xml:"pluginName,attr"`
	PluginFamily string `xml:"pluginFamily,attr"`
	Port         int    `xml:"port,attr"`
	Protocol     string `xml:"protocol,attr"`
	Service      string `xml:"svc_name,attr"`
	Severity     int    `xml:"severity,attr"`

	Synopsis         string   `xml:"synopsis"`
	Description      string   `xml:"description"`
	Solution         string   `xml:"solution"`
	RiskFactor       string   `xml:"risk_factor"`
	PluginOutput     string   `xml:"plugin_output"`
	CVSSBaseScore    float64  `xml:"cvss_base_score"`
	CVSS3BaseScore   float64  `xml:"cvss3_base_score"`
	CVEs             []string `xml:"cve"`
	ExploitAvailable string   `xml:"exploit_available"`
}

// Parse decodes artifact bytes into the export model.
func Parse(data []byte) (*ClientData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty artifact")
	}
	var cd ClientData
	if err := xml.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("failed to parse nessus export: %w", err)
	}
	return &cd, nil
}

// SeverityName maps the numeric severity attribute to its histogram bucket.
func SeverityName(severity int) string {
	switch severity {
	case 4:
		return "critical"
	case 3:
		return "high"
	case 2:
		return "medium"
	case 1:
		return "low"
	default:
		return "info"
	}
}
