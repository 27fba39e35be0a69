package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; every other changed field
// is listed in RestartRequired by its YAML path.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DeviceMatchChanged applies from the next capture session.
	DeviceMatchChanged bool
	NewDeviceMatch     string

	// OverlayChanged covers fade_after and idle_hint.
	OverlayChanged bool
	NewOverlay     OverlayConfig

	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DeviceMatchChanged || d.OverlayChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Capture.DeviceMatch != new.Capture.DeviceMatch {
		d.DeviceMatchChanged = true
		d.NewDeviceMatch = new.Capture.DeviceMatch
	}
	if old.Overlay != new.Overlay {
		d.OverlayChanged = true
		d.NewOverlay = new.Overlay
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)

	ot, nt := old.Transcription, new.Transcription
	restart("transcription.provider", ot.Provider != nt.Provider)
	restart("transcription.api_key", ot.APIKey != nt.APIKey)
	restart("transcription.base_url", ot.BaseURL != nt.BaseURL)
	restart("transcription.model", ot.Model != nt.Model)
	restart("transcription.language", ot.Language != nt.Language)
	restart("transcription.keepalive_interval", ot.KeepAliveInterval != nt.KeepAliveInterval)
	restart("transcription.endpointing_ms", ot.EndpointingMs != nt.EndpointingMs)
	restart("transcription.utterance_end_ms", ot.UtteranceEndMs != nt.UtteranceEndMs)
	restart("transcription.keyterms", !slices.Equal(ot.Keyterms, nt.Keyterms))

	oc, nc := old.Capture, new.Capture
	restart("capture.backend", oc.Backend != nc.Backend)
	restart("capture.frame_size", oc.FrameSize != nc.FrameSize)
	restart("capture.buffer_frames", oc.BufferFrames != nc.BufferFrames)
	restart("capture.diagnostic_every", oc.DiagnosticEvery != nc.DiagnosticEvery)
	restart("capture.silence_threshold", oc.SilenceThreshold != nc.SilenceThreshold)

	return d
}
