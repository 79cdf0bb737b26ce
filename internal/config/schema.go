package config

// templateRecordSchema validates the decoded shape of a configuration file
// before any template is processed, so a malformed file surfaces as a
// ConfigError with field-level detail rather than a generic decode error.
const templateRecordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "dir": {"type": "string"},
      "mode": {"type": "string"},
      "user": {"type": "string"},
      "secrets": {
        "type": "object",
        "additionalProperties": {"type": "string"}
      },
      "hooks": {
        "type": "object",
        "properties": {
          "modified": {"type": "string"},
          "ready": {"type": "string"}
        },
        "additionalProperties": false
      },
      "cmd": {"type": "string"}
    },
    "required": ["secrets"],
    "additionalProperties": false
  }
}`
