package siem

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	vendor  = "ACGS"
	product = "agentbus"
	version = "2.0"

	// syslog facility local0
	facility = 16
)

// CEFFormatter renders ArcSight Common Event Format.
type CEFFormatter struct{}

// Format produces CEF:0|vendor|product|version|signature|name|severity|extension.
func (CEFFormatter) Format(event *Event) []byte {
	// CEF severity runs 0..10 with 10 most severe; invert the syslog scale
	cefSeverity := 10 - int(event.Severity)
	if cefSeverity < 0 {
		cefSeverity = 0
	}
	ext := extensionPairs(event, "=", " ", cefEscapeValue)
	header := fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|",
		vendor, product, version,
		cefEscapeHeader(string(event.Type)),
		cefEscapeHeader(event.Message),
		cefSeverity)
	return []byte(header + ext)
}

func cefEscapeHeader(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func cefEscapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "=", `\=`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// LEEFFormatter renders IBM QRadar Log Event Extended Format 2.0.
type LEEFFormatter struct{}

// Format produces LEEF:2.0|vendor|product|version|eventID|<tab-separated pairs>.
func (LEEFFormatter) Format(event *Event) []byte {
	header := fmt.Sprintf("LEEF:2.0|%s|%s|%s|%s|",
		vendor, product, version, event.Type)
	ext := extensionPairs(event, "=", "\t", func(s string) string {
		return strings.ReplaceAll(s, "\t", " ")
	})
	return []byte(header + ext)
}

// SyslogFormatter renders RFC 5424 with structured data.
type SyslogFormatter struct {
	Hostname string
	AppName  string
}

// Format produces <PRI>1 TIMESTAMP HOST APP - MSGID [sd] MSG.
func (f SyslogFormatter) Format(event *Event) []byte {
	pri := facility*8 + int(event.Severity)
	host := f.Hostname
	if host == "" {
		host = "-"
	}
	app := f.AppName
	if app == "" {
		app = product
	}
	var sd strings.Builder
	sd.WriteString("[agentbus@32473")
	for _, kv := range orderedFields(event) {
		fmt.Fprintf(&sd, " %s=%q", kv.key, kv.value)
	}
	sd.WriteString("]")
	line := fmt.Sprintf("<%d>1 %s %s %s - %s %s %s",
		pri, event.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
		host, app, event.Type, sd.String(), event.Message)
	return []byte(line)
}

// JSONFormatter renders the event as canonical JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(event *Event) []byte {
	raw, err := json.Marshal(event)
	if err != nil {
		return []byte(fmt.Sprintf(`{"event_id":%q,"error":"marshal failed"}`, event.EventID))
	}
	return raw
}

type fieldPair struct {
	key   string
	value string
}

func orderedFields(event *Event) []fieldPair {
	pairs := []fieldPair{
		{"eventId", event.EventID},
		{"ts", event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")},
	}
	if event.TenantID != "" {
		pairs = append(pairs, fieldPair{"tenant", event.TenantID})
	}
	if event.AgentID != "" {
		pairs = append(pairs, fieldPair{"agent", event.AgentID})
	}
	if event.SourceIP != "" {
		pairs = append(pairs, fieldPair{"src", event.SourceIP})
	}
	if event.CorrelationID != "" {
		pairs = append(pairs, fieldPair{"correlationId", event.CorrelationID})
	}
	extra := make([]fieldPair, 0, len(event.Fields))
	for k, v := range event.Fields {
		extra = append(extra, fieldPair{k, fmt.Sprint(v)})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].key < extra[j].key })
	return append(pairs, extra...)
}

func extensionPairs(event *Event, eq, sep string, escape func(string) string) string {
	pairs := orderedFields(event)
	pairs = append([]fieldPair{{"msg", event.Message}}, pairs...)
	parts := make([]string, len(pairs))
	for i, kv := range pairs {
		parts[i] = kv.key + eq + escape(kv.value)
	}
	return strings.Join(parts, sep)
}
