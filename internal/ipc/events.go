package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Event is one decoded line from the Hyprland event socket.
type Event struct {
	// Name is the normalized event name with any "v2" suffix removed.
	Name string
	// Raw is the event name as it appeared on the wire.
	Raw    string
	Fields map[string]string
}

// Address returns the window address carried by the event, if any.
func (e Event) Address() (string, bool) {
	return AddressFrom(e.Fields)
}

// positional lists the field names for events whose payload is a bare
// comma-separated tuple. The last field keeps any remaining commas.
var positional = map[string][]string{
	"openwindow":         {"address", "workspace", "class", "title"},
	"closewindow":        {"address"},
	"windowtitle":        {"address"},
	"windowtitlev2":      {"address", "title"},
	"activewindow":       {"class", "title"},
	"activewindowv2":     {"address"},
	"movewindow":         {"address", "workspace"},
	"movewindowv2":       {"address", "workspaceid", "workspace"},
	"minimized":          {"address", "state"},
	"minimize":           {"address", "state"},
	"urgent":             {"address"},
	"fullscreen":         {"state"},
	"changefloatingmode": {"address", "state"},
	"windowtag":          {"address"},
	"changetag":          {"address"},
	"screencopy":         {"state", "owner"},
}

var addressFields = map[string]bool{"address": true}

var addressKeys = []string{
	"address",
	"addr",
	"windowaddress",
	"window_address",
	"windowAddr",
	"window",
}

// Decode parses a single event line without its trailing newline. It reports
// false when the line has no "name>>payload" shape.
func Decode(line []byte) (Event, bool) {
	head, payload, ok := bytes.Cut(line, []byte(">>"))
	if !ok {
		return Event{Fields: map[string]string{}}, false
	}
	raw := strings.TrimSpace(string(head))
	if raw == "" {
		return Event{Fields: map[string]string{}}, false
	}
	payload = bytes.TrimSpace(payload)
	ev := Event{Name: NormalizeName(raw), Raw: raw}
	if fields, ok := decodeJSON(payload); ok {
		ev.Fields = fields
		return ev, true
	}
	if layout, ok := positional[raw]; ok && len(payload) > 0 && !firstTokenKeyed(payload) {
		ev.Fields = decodePositional(payload, layout)
		return ev, true
	}
	ev.Fields = decodePairs(payload)
	return ev, true
}

// NormalizeName strips the "v2" suffix Hyprland uses for revised events.
func NormalizeName(name string) string {
	return strings.TrimSuffix(name, "v2")
}

// AddressFrom returns the first field that looks like a window address.
func AddressFrom(fields map[string]string) (string, bool) {
	for _, key := range addressKeys {
		value, ok := fields[key]
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "0x") && len(value) > 2 {
			return value, true
		}
	}
	return "", false
}

// ParseBool accepts the truthy spellings seen in event payloads.
func ParseBool(value string) bool {
	switch strings.TrimSpace(value) {
	case "1", "true", "True", "TRUE", "yes":
		return true
	}
	return false
}

func decodeJSON(payload []byte) (map[string]string, bool) {
	if len(payload) < 2 || payload[0] != '{' || payload[len(payload)-1] != '}' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	fields := make(map[string]string, len(obj))
	for key, value := range obj {
		fields[key] = stringify(value)
	}
	return fields, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func decodePairs(payload []byte) map[string]string {
	fields := map[string]string{}
	for _, token := range strings.Split(string(payload), ",") {
		key, value, ok := strings.Cut(token, ":")
		if !ok {
			continue
		}
		fields[unquote(key)] = unquote(value)
	}
	return fields
}

func decodePositional(payload []byte, layout []string) map[string]string {
	parts := strings.SplitN(string(payload), ",", len(layout))
	fields := make(map[string]string, len(parts))
	for i, part := range parts {
		name := layout[i]
		part = strings.TrimSpace(part)
		if addressFields[name] && part != "" && !strings.HasPrefix(part, "0x") && isHex(part) {
			part = "0x" + part
		}
		fields[name] = part
	}
	return fields
}

func firstTokenKeyed(payload []byte) bool {
	first, _, _ := bytes.Cut(payload, []byte(","))
	return bytes.IndexByte(first, ':') >= 0
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return s
}

// EventSocketPath resolves the Hyprland event socket for the running instance.
func EventSocketPath() (string, error) {
	return instanceSocket(".socket2.sock")
}

// DialEvents connects to the Hyprland event socket.
func DialEvents(ctx context.Context) (net.Conn, error) {
	path, err := EventSocketPath()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect event socket: %w", err)
	}
	return conn, nil
}

func instanceSocket(name string) (string, error) {
	sig := os.Getenv("HYPRLAND_INSTANCE_SIGNATURE")
	if sig == "" {
		return "", fmt.Errorf("HYPRLAND_INSTANCE_SIGNATURE not set")
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, "hypr", sig, name), nil
}
