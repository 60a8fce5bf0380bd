// Package backend manages the external inference process and the
// WebSocket message channel to it: spawning and supervising the process,
// keeping the connection alive, and exchanging the JSON commands and
// events the process understands.
package backend

// Command is sent from the client to the inference process.
type Command struct {
	Type      string    `json:"type"`
	Settings  *Settings `json:"settings,omitempty"`
	Data      string    `json:"data,omitempty"` // base64 little-endian float32 PCM
	Timestamp int64     `json:"timestamp,omitempty"`
	Model     string    `json:"model,omitempty"`
	Models    []string  `json:"models,omitempty"`
	Duration  string    `json:"duration,omitempty"`
}

// Settings carries per-recording options on a "start" command.
type Settings struct {
	Model             string `json:"model,omitempty"`
	EnableDiarization bool   `json:"enable_diarization"`
	ContinuousMode    bool   `json:"continuous_mode"`
}

// Event is received from the inference process.
type Event struct {
	Type             string      `json:"type"`
	Text             string      `json:"text,omitempty"`
	Message          string      `json:"message,omitempty"`
	Percent          float64     `json:"percent,omitempty"`
	Model            string      `json:"model,omitempty"`
	Models           []ModelInfo `json:"models,omitempty"`
	ModelLoaded      bool        `json:"model_loaded,omitempty"`
	WhisperAvailable bool        `json:"whisper_available,omitempty"`
	LoadedModels     []string    `json:"loaded_models,omitempty"`
	Duration         string      `json:"duration,omitempty"`
	KeepWarmModels   []string    `json:"keep_warm_models,omitempty"`
	Timestamp        int64       `json:"timestamp,omitempty"`
}

// ModelInfo describes one model the process can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Size        string `json:"size,omitempty"`
	Downloaded  bool   `json:"downloaded"`
	Loaded      bool   `json:"loaded"`
	Available   bool   `json:"available"`
}

// Command types understood by the process.
const (
	CmdStart              = "start"
	CmdStop               = "stop"
	CmdAudio              = "audio"
	CmdTranscribeInterval = "transcribe_interval"
	CmdPing               = "ping"
	CmdDownloadModel      = "download_model"
	CmdClearCache         = "clear_cache"
	CmdGetModels          = "get_models"
	CmdLoadModel          = "load_model"
	CmdSetKeepWarm        = "set_keep_warm"
)

// Event types emitted by the process.
const (
	EvReady           = "ready"
	EvRecordingReady  = "recording_ready"
	EvPartial         = "partial"
	EvFinal           = "final"
	EvInterval        = "interval_transcription"
	EvError           = "error"
	EvModelProgress   = "model_progress"
	EvModelDownloaded = "model_downloaded"
	EvModelLoaded     = "model_loaded"
	EvModelUnloaded   = "model_unloaded"
	EvModelError      = "model_error"
	EvModelsList      = "models_list"
	EvPong            = "pong"
	EvKeepWarmUpdated = "keep_warm_updated"
)
