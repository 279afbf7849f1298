package application

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub"
)

// Mock provides a mock implementation of Application for testing.
// Each method can be customized by setting the corresponding function field.
// If a function field is nil, the method returns a default/zero value.
//
// Example Usage:
//
//	var out bytes.Buffer
//	mock := &application.Mock{
//	    HubFunc: func() (*eventhub.Hub, error) { return hub, nil },
//	    OutFunc: func() io.Writer { return &out },
//	}
//	cmd := publish.NewCommand(mock)
type Mock struct {
	HubFunc          func() (*eventhub.Hub, error)
	CredentialsFunc  func() (string, string)
	LoggerFunc       func() *zerolog.Logger
	OutputFormatFunc func() string
	OutFunc          func() io.Writer
	VersionFunc      func() string
	CommitFunc       func() string
	DateFunc         func() string
	BuiltByFunc      func() string
}

var _ Application = (*Mock)(nil)

// Hub returns a hub using the mock function or nil.
func (m *Mock) Hub() (*eventhub.Hub, error) {
	if m.HubFunc != nil {
		return m.HubFunc()
	}
	return nil, nil
}

// Credentials returns credentials using the mock function or empty strings.
func (m *Mock) Credentials() (string, string) {
	if m.CredentialsFunc != nil {
		return m.CredentialsFunc()
	}
	return "", ""
}

// Logger returns a logger using the mock function or a no-op logger.
func (m *Mock) Logger() *zerolog.Logger {
	if m.LoggerFunc != nil {
		return m.LoggerFunc()
	}
	logger := zerolog.Nop()
	return &logger
}

// OutputFormat returns the output format using the mock function or "json".
func (m *Mock) OutputFormat() string {
	if m.OutputFormatFunc != nil {
		return m.OutputFormatFunc()
	}
	return "json"
}

// Out returns the output writer using the mock function or stdout.
func (m *Mock) Out() io.Writer {
	if m.OutFunc != nil {
		return m.OutFunc()
	}
	return os.Stdout
}

// Version returns the version using the mock function or "dev".
func (m *Mock) Version() string {
	if m.VersionFunc != nil {
		return m.VersionFunc()
	}
	return "dev"
}

// Commit returns the commit using the mock function or "unknown".
func (m *Mock) Commit() string {
	if m.CommitFunc != nil {
		return m.CommitFunc()
	}
	return "unknown"
}

// Date returns the date using the mock function or "unknown".
func (m *Mock) Date() string {
	if m.DateFunc != nil {
		return m.DateFunc()
	}
	return "unknown"
}

// BuiltBy returns the builder using the mock function or "unknown".
func (m *Mock) BuiltBy() string {
	if m.BuiltByFunc != nil {
		return m.BuiltByFunc()
	}
	return "unknown"
}
