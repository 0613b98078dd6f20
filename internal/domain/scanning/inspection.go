package scanning

import "fmt"

// InspectionCredentials carry the secrets a human reviewer supplies for one
// inspection target. They are transient: held only for the duration of the
// dispatch call, never persisted, and redacted from every textual rendering.
type InspectionCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// String implements fmt.Stringer so credentials can never leak through
// logging or error formatting.
func (InspectionCredentials) String() string { return "REDACTED" }

// GoString implements fmt.GoStringer for the same reason.
func (InspectionCredentials) GoString() string { return "scanning.InspectionCredentials{REDACTED}" }

// InspectionTarget identifies one database candidate a human reviewer selected
// for credentialed inspection.
type InspectionTarget struct {
	Host        string                `json:"host"`
	Port        int                   `json:"port"`
	Engine      string                `json:"engine"`
	Database    string                `json:"database,omitempty"`
	Credentials InspectionCredentials `json:"credentials"`
}

// Validate checks the target carries enough to dispatch.
func (t InspectionTarget) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("inspection target host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("inspection target port %d is out of range", t.Port)
	}
	if t.Engine == "" {
		return fmt.Errorf("inspection target engine is required")
	}
	return nil
}
