// Package beaconerr defines the error taxonomy from the gateway's error
// handling design: each kind is a Kind value carried by the single *Error
// type, so callers can errors.As to *Error and branch on its Kind, rather
// than matching on string content.
package beaconerr

import "fmt"

// Kind classifies an error per the gateway's error taxonomy.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindSchema        Kind = "schema"
	KindDatabase      Kind = "database"
	KindChannel       Kind = "channel"
	KindInference     Kind = "inference"
	KindTool          Kind = "tool"
	KindAuth          Kind = "auth"
	KindHook          Kind = "hook"
	KindEventPublish  Kind = "event_publish"
)

// Error is the common shape for every taxonomy member: a kind, a detail
// message, and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, detail string, cause error) *Error {
	return &Error{Kind: k, Detail: detail, Cause: cause}
}

// ConfigError is fatal at startup: unparseable config, missing required
// field, invalid persona.
func ConfigError(detail string, cause error) *Error { return new_(KindConfiguration, detail, cause) }

// SchemaError is fatal at startup: migration failure or missing extension.
func SchemaError(detail string, cause error) *Error { return new_(KindSchema, detail, cause) }

// DatabaseError is returned by every Storage repo op on I/O or constraint
// failure. Callers surface it but do not retry, except where explicitly
// noted (the memory-sync loop).
func DatabaseError(detail string, cause error) *Error { return new_(KindDatabase, detail, cause) }

// ChannelError is returned by adapter operations on transport or upstream
// platform rejection. The pipeline logs and continues.
func ChannelError(detail string, cause error) *Error { return new_(KindChannel, detail, cause) }

// InferenceError wraps an LLM or tool-backend failure. The pipeline logs,
// sends a generic apology, and continues.
func InferenceError(detail string, cause error) *Error { return new_(KindInference, detail, cause) }

// ToolError is never returned from ToolExecutor.Execute — handler failures
// are instead rendered as a "Error: ..." string result so the model can
// react. It exists for callers that need the typed form (e.g. metrics).
func ToolError(detail string, cause error) *Error { return new_(KindTool, detail, cause) }

// AuthError covers pairing failure, missing admin key, JWT verification
// failure; surfaced as 401/403 in HTTP paths.
func AuthError(detail string, cause error) *Error { return new_(KindAuth, detail, cause) }

// HookError wraps an external handler error; logged and treated as a no-op
// hook result.
func HookError(detail string, cause error) *Error { return new_(KindHook, detail, cause) }

// EventPublishError is always best-effort and logged at warn level only; it
// is never propagated to the publishing caller.
func EventPublishError(detail string, cause error) *Error {
	return new_(KindEventPublish, detail, cause)
}
