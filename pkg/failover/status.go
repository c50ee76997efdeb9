package failover

import (
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/helpers"
)

// Report is the externally visible status. It never carries credentials.
type Report struct {
	PrimaryOnline      bool         `json:"primary_online"`
	UsingFallback      bool         `json:"using_fallback"`
	ActiveConfigName   string       `json:"active_config_name"`
	LastError          string       `json:"last_error,omitempty"`
	Status             Status       `json:"status"`
	LastErrorKind      db.ErrorKind `json:"last_error_kind,omitempty"`
	PrimaryConfigName  string       `json:"primary_config_name"`
	FallbackConfigName string       `json:"fallback_config_name"`
	LastHealthCheckAt  *time.Time   `json:"last_health_check_at,omitempty"`
	LastTransitionAt   *time.Time   `json:"last_transition_at,omitempty"`
	ActivatedAt        *time.Time   `json:"activated_at,omitempty"`
	ActivatedBy        string       `json:"activated_by,omitempty"`
	ActivationID       string       `json:"activation_id,omitempty"`
	RestartGeneration  uint64       `json:"restart_generation"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// Status projects the last published state. The error text is masked again
// against every password the controller has seen.
func (c *Controller) Status() Report {
	st := c.state.Load()
	return Report{
		PrimaryOnline:      st.PrimaryOnline,
		UsingFallback:      st.UsingFallback,
		ActiveConfigName:   st.ActiveConfigName,
		LastError:          helpers.MaskSensitive(st.LastError, c.knownSecrets()...),
		Status:             st.Status,
		LastErrorKind:      st.LastErrorKind,
		PrimaryConfigName:  st.PrimaryConfigName,
		FallbackConfigName: st.FallbackConfigName,
		LastHealthCheckAt:  timeOrNil(st.LastHealthCheckAt),
		LastTransitionAt:   timeOrNil(st.LastTransitionAt),
		ActivatedAt:        timeOrNil(st.ActivatedAt),
		ActivatedBy:        st.ActivatedBy,
		ActivationID:       st.ActivationID,
		RestartGeneration:  st.RestartGeneration,
	}
}
