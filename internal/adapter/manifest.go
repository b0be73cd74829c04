// Package adapter implements the Adapter Manager (C8): lifecycle
// management of external integrations that translate platform events into
// Relay publishes and vice versa. Configuration conventions (a JSON file
// of typed instances, tolerant loading, atomic writes) follow
// cellorg/internal/config.go's defaults-then-validate shape, adapted from
// YAML cell definitions to a JSON adapters.json array.
package adapter

// FieldType is the type of a single manifest-declared config field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldPassword FieldType = "password"
	FieldEnum     FieldType = "enum"
)

// ConfigField describes one field of an adapter's configuration, keyed by
// a possibly dot-notated path (e.g. "inbound.secret").
type ConfigField struct {
	Key     string    `json:"key"`
	Type    FieldType `json:"type"`
	Label   string    `json:"label,omitempty"`
	Options []string  `json:"options,omitempty"` // for FieldEnum
}

// Manifest describes an adapter type: its capabilities and its
// configuration schema.
type Manifest struct {
	Type          string        `json:"type"`
	DisplayName   string        `json:"displayName"`
	Builtin       bool          `json:"builtin"`
	MultiInstance bool          `json:"multiInstance"`
	ConfigFields  []ConfigField `json:"configFields"`
}

// PasswordFields returns the dot-notated keys of every password field in
// the manifest.
func (m Manifest) PasswordFields() []string {
	var keys []string
	for _, f := range m.ConfigFields {
		if f.Type == FieldPassword {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// BuiltinManifests returns the manifests for the three built-in adapter
// types this Relay ships: claude-code (no-op lifecycle, single instance),
// telegram (bot polling, multi-instance), and webhook (HTTP listener,
// multi-instance).
func BuiltinManifests() map[string]Manifest {
	return map[string]Manifest{
		"claude-code": {
			Type: "claude-code", DisplayName: "Claude Code", Builtin: true, MultiInstance: false,
			ConfigFields: []ConfigField{},
		},
		"telegram": {
			Type: "telegram", DisplayName: "Telegram", Builtin: true, MultiInstance: true,
			ConfigFields: []ConfigField{
				{Key: "botToken", Type: FieldPassword, Label: "Bot token"},
				{Key: "allowedChatIDs", Type: FieldString, Label: "Allowed chat IDs (comma-separated)"},
				{Key: "pollIntervalMs", Type: FieldNumber, Label: "Poll interval (ms)"},
			},
		},
		"webhook": {
			Type: "webhook", DisplayName: "Webhook", Builtin: true, MultiInstance: true,
			ConfigFields: []ConfigField{
				{Key: "listenAddr", Type: FieldString, Label: "Listen address"},
				{Key: "path", Type: FieldString, Label: "Path"},
				{Key: "secret", Type: FieldPassword, Label: "Shared secret"},
			},
		},
	}
}
