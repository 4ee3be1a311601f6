// Package config holds the static configuration for the send pipeline.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/mjl-/sconf"
)

// DefaultMaxMsgSize is the maximum size of an outgoing message, in bytes.
const DefaultMaxMsgSize = 100 * 1024 * 1024

// Static is the parsed form of the pgpmail.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the message/attachment database and message files. If this is a relative path, it is relative to the directory of the config file."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. send, sendpref, api, store, verify)."`
	BaseURL          string            `sconf-doc:"Base URL of the mail API server, e.g. https://mail.example.com/api. Used for submitting messages, canceling scheduled sends and resyncing state."`
	DelaySendSeconds int               `sconf:"optional" sconf-doc:"Number of seconds the server delays delivery after submission, during which a send can still be undone. 0 disables undo."`

	// Awkward naming of fields to get intended default behaviour for zero values.
	NoMinNotification     bool  `sconf:"optional" sconf-doc:"If set, do not enforce a minimum display duration for the sending notification. By default the notification stays visible for at least MinNotificationMillis even when the server reports near-immediate delivery."`
	MinNotificationMillis int   `sconf:"optional" sconf-doc:"Minimum duration in milliseconds the sending notification stays visible. Default 2500."`
	PostSendRefreshMillis int   `sconf:"optional" sconf-doc:"Extra delay in milliseconds after the undo window before resyncing state with the server, giving it time to finalize delivery. Default 5000."`
	MaxMessageSize        int64 `sconf:"optional" sconf-doc:"Maximum size of a composed outgoing message in bytes. Default 100MB."`
}

// Defaults fills in default values for unset optional fields.
func (c *Static) Defaults() {
	if c.MinNotificationMillis == 0 && !c.NoMinNotification {
		c.MinNotificationMillis = 2500
	}
	if c.PostSendRefreshMillis == 0 {
		c.PostSendRefreshMillis = 5000
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMsgSize
	}
}

// Load reads the configuration at path.
func Load(path string) (Static, error) {
	var c Static
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("open config: %v", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, fmt.Errorf("parsing %s: %v", path, err)
	}
	c.Defaults()
	return c, nil
}

// Describe writes an example configuration file with documentation.
func Describe(w io.Writer) error {
	c := Static{
		DataDir:          "data",
		LogLevel:         "info",
		BaseURL:          "https://mail.example.com/api",
		DelaySendSeconds: 10,
	}
	c.Defaults()
	return sconf.Describe(w, &c)
}
