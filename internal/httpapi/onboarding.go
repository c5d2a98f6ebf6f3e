package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	RealtimeProvider string            `json:"realtime_provider"`
	AudioOutput      string            `json:"audio_output"`
	PersonaStoreMode string            `json:"persona_store_mode"`
	SessionState     string            `json:"session_state,omitempty"`
	Checks           []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	provider := s.cfg.Provider()
	checks := make([]onboardingCheck, 0, 8)
	checks = append(checks, onboardingCheck{
		ID:     "realtime_provider",
		Status: "ok",
		Label:  "Realtime backend",
		Detail: provider,
	})
	checks = append(checks, s.credentialCheck(provider))
	checks = append(checks, s.audioChecks()...)
	checks = append(checks, s.personaStoreCheck())

	resp := onboardingStatusResponse{
		RealtimeProvider: provider,
		AudioOutput:      s.cfg.AudioOutput,
		PersonaStoreMode: s.personaStoreMode,
		Checks:           checks,
	}
	if s.voice != nil {
		resp.SessionState = string(s.voice.Status().Session.State)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) credentialCheck(provider string) onboardingCheck {
	if provider == "mock" {
		return onboardingCheck{
			ID:     "openai_key",
			Status: "warn",
			Label:  "OpenAI API key",
			Detail: "mock backend in use; replies are scripted",
			Fix:    "Set OPENAI_API_KEY or POST it to /v1/session/connect to talk to the realtime API.",
		}
	}
	hasKey := strings.TrimSpace(s.cfg.OpenAIAPIKey) != ""
	if s.voice != nil {
		hasKey = s.voice.Status().HasAPIKey
	}
	if !hasKey {
		return onboardingCheck{
			ID:     "openai_key",
			Status: "error",
			Label:  "OpenAI API key",
			Detail: "OPENAI_API_KEY is not set",
			Fix:    "Set OPENAI_API_KEY or switch to REALTIME_PROVIDER=mock.",
		}
	}
	return onboardingCheck{
		ID:     "openai_key",
		Status: "ok",
		Label:  "OpenAI API key",
		Detail: "present",
	}
}

func (s *Server) audioChecks() []onboardingCheck {
	out := make([]onboardingCheck, 0, 3)

	switch s.cfg.AudioOutput {
	case "discard":
		out = append(out, onboardingCheck{
			ID:     "audio_output",
			Status: "warn",
			Label:  "Speaker output",
			Detail: "assistant audio is decoded but not played",
			Fix:    "Set AUDIO_OUTPUT=pulse to hear replies.",
		})
	default:
		if pulseReachable() {
			out = append(out, onboardingCheck{
				ID:     "audio_output",
				Status: "ok",
				Label:  "Speaker output",
				Detail: "pulse",
			})
		} else {
			out = append(out, onboardingCheck{
				ID:     "audio_output",
				Status: "warn",
				Label:  "Speaker output",
				Detail: "no PulseAudio/PipeWire socket found",
				Fix:    "Start PipeWire or PulseAudio, set PULSE_SERVER, or use AUDIO_OUTPUT=discard.",
			})
		}
	}

	device := strings.TrimSpace(s.cfg.CaptureDevice)
	if device == "" {
		device = "default"
	}
	out = append(out, onboardingCheck{
		ID:     "capture_device",
		Status: "ok",
		Label:  "Microphone",
		Detail: device,
	})

	if dump := strings.TrimSpace(s.cfg.AudioDumpPath); dump != "" {
		dir := filepath.Dir(dump)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			out = append(out, onboardingCheck{
				ID:     "audio_dump",
				Status: "error",
				Label:  "Reply recording",
				Detail: fmt.Sprintf("directory %s does not exist", dir),
				Fix:    "Create the directory or unset AUDIO_DUMP_PATH.",
			})
		} else {
			out = append(out, onboardingCheck{
				ID:     "audio_dump",
				Status: "ok",
				Label:  "Reply recording",
				Detail: dump,
			})
		}
	}
	return out
}

func (s *Server) personaStoreCheck() onboardingCheck {
	switch s.personaStoreMode {
	case "postgres":
		return onboardingCheck{
			ID:     "persona_store",
			Status: "ok",
			Label:  "Customer data",
			Detail: "postgres",
		}
	case "in-memory":
		return onboardingCheck{
			ID:     "persona_store",
			Status: "warn",
			Label:  "Customer data",
			Detail: "built-in demo personas, in-memory only",
			Fix:    "Set DATABASE_URL to keep persona edits across restarts.",
		}
	default:
		return onboardingCheck{
			ID:     "persona_store",
			Status: "warn",
			Label:  "Customer data",
			Detail: "not configured",
		}
	}
}

// pulseReachable looks for a configured server or the per-user native socket.
func pulseReachable() bool {
	if strings.TrimSpace(os.Getenv("PULSE_SERVER")) != "" {
		return true
	}
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(runtimeDir, "pulse", "native"))
	return err == nil
}
