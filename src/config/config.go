package config

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// EnvPathVar points at an alternate .env file when the executable
	// directory has none.
	EnvPathVar = "SERVER_VIBE_ENV"

	DefaultLockPort       = 45321
	DefaultAnswerMarkers  = "Assistant:,AI:,Codex:,Claude:,Cursor:,Antigravity:,답변:,Assistant"
	defaultInputTemplate  = "assets/ide_input_template.png"
	defaultOutputTemplate = "assets/ide_output_template.png"
)

// IDEConfig holds everything the GUI automation controller needs to drive
// the IDE chat surface.
type IDEConfig struct {
	WindowTitleSubstr     string
	OpenChatHotkey        string
	ChatFocusHotkey       string
	FocusTranscriptHotkey string
	CopyTranscriptHotkey  string
	InputPos              *image.Point
	OutputPos             *image.Point
	InputImage            string
	OutputImage           string
	ImageTimeout          time.Duration
	ImageConfidence       float64
	LearnTemplateW        int
	LearnTemplateH        int
	LearnCountdown        time.Duration
	ResponseWait          time.Duration
	AnswerMarkers         []string
}

type Config struct {
	SupabaseURL string
	SupabaseKey string

	// AgentUserID restricts processing to one user's commands when set.
	AgentUserID string

	LockPort          int
	CommandTimeout    time.Duration
	LogFlushInterval  time.Duration
	LogMaxChars       int
	PollInterval      time.Duration
	PollMaxBatch      int
	EnableFileLogging bool
	StopHotkey        string

	// AppAllowlist adds or overrides app-open keywords as keyword=command
	// pairs on top of the built-in table.
	AppAllowlist map[string]string

	IDE IDEConfig

	// EnvPath is the .env file the values were read from ("" when only the
	// process environment was used).
	EnvPath string
}

func Load() (*Config, error) {
	envPath := resolveEnvPath()
	if envPath != "" {
		// .env values win over inherited environment: a stale exported var
		// must not shadow the intended config.
		_ = godotenv.Overload(envPath)
	}

	cfg := &Config{
		SupabaseURL:       strings.TrimSpace(os.Getenv("SUPABASE_URL")),
		SupabaseKey:       strings.TrimSpace(os.Getenv("SUPABASE_KEY")),
		AgentUserID:       strings.TrimSpace(os.Getenv("AGENT_USER_ID")),
		LockPort:          getEnvInt("AGENT_LOCK_PORT", DefaultLockPort),
		CommandTimeout:    getEnvSeconds("COMMAND_TIMEOUT_SEC", 120*time.Second),
		LogFlushInterval:  getEnvSeconds("LOG_FLUSH_INTERVAL_SEC", 1500*time.Millisecond),
		LogMaxChars:       getEnvInt("LOG_MAX_CHARS", 20000),
		PollInterval:      getEnvSeconds("POLL_INTERVAL_SEC", time.Second),
		PollMaxBatch:      getEnvInt("POLL_MAX_BATCH", 20),
		EnableFileLogging: strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
		StopHotkey:        getEnvWithDefault("STOP_HOTKEY", "Ctrl+Alt+End"),
		AppAllowlist:      parseAllowlist(os.Getenv("APP_ALLOWLIST")),
		EnvPath:           envPath,
	}

	cfg.IDE = IDEConfig{
		WindowTitleSubstr:     strings.TrimSpace(os.Getenv("IDE_WINDOW_TITLE_SUBSTR")),
		OpenChatHotkey:        strings.ToLower(strings.TrimSpace(os.Getenv("IDE_OPEN_CHAT_HOTKEY"))),
		ChatFocusHotkey:       strings.ToLower(strings.TrimSpace(os.Getenv("IDE_CHAT_FOCUS_HOTKEY"))),
		FocusTranscriptHotkey: strings.ToLower(strings.TrimSpace(os.Getenv("IDE_FOCUS_TRANSCRIPT_HOTKEY"))),
		CopyTranscriptHotkey:  strings.ToLower(strings.TrimSpace(os.Getenv("IDE_COPY_TRANSCRIPT_HOTKEY"))),
		InputPos:              parseXY(os.Getenv("IDE_INPUT_POS")),
		OutputPos:             parseXY(os.Getenv("IDE_OUTPUT_POS")),
		InputImage:            resolveAssetPath(getEnvWithDefault("IDE_INPUT_IMAGE", defaultInputTemplate)),
		OutputImage:           resolveAssetPath(getEnvWithDefault("IDE_OUTPUT_IMAGE", defaultOutputTemplate)),
		ImageTimeout:          getEnvSeconds("IDE_IMAGE_TIMEOUT_SEC", 4*time.Second),
		ImageConfidence:       getEnvFloat("IDE_IMAGE_CONFIDENCE", 0.85),
		LearnTemplateW:        getEnvInt("IDE_LEARN_TEMPLATE_W", 320),
		LearnTemplateH:        getEnvInt("IDE_LEARN_TEMPLATE_H", 160),
		LearnCountdown:        getEnvSeconds("IDE_LEARN_COUNTDOWN_SEC", 5*time.Second),
		ResponseWait:          getEnvSeconds("IDE_RESPONSE_WAIT_SEC", 15*time.Second),
		AnswerMarkers:         splitList(getEnvWithDefault("AI_ANSWER_MARKERS", DefaultAnswerMarkers)),
	}

	return cfg, nil
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if c.SupabaseURL == "" || c.SupabaseKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required (env or .env)")
	}
	if c.LockPort < 1024 || c.LockPort > 65535 {
		return fmt.Errorf("AGENT_LOCK_PORT %d out of range [1024, 65535]", c.LockPort)
	}
	return nil
}

// resolveEnvPath prefers a .env next to the executable, then the
// SERVER_VIBE_ENV override, then a .env in the working directory.
func resolveEnvPath() string {
	if execPath, err := os.Executable(); err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}
	if alt := os.Getenv(EnvPathVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}
	return ""
}

// resolveAssetPath makes relative template paths absolute against the
// executable directory, so the agent behaves the same regardless of cwd.
func resolveAssetPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	execPath, err := os.Executable()
	if err != nil {
		return p
	}
	return filepath.Join(filepath.Dir(execPath), p)
}

// parseXY parses "960,980" into a point. Returns nil when unset or malformed.
func parseXY(spec string) *image.Point {
	parts := strings.Split(strings.TrimSpace(spec), ",")
	if len(parts) != 2 {
		return nil
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return nil
	}
	return &image.Point{X: x, Y: y}
}

// parseAllowlist parses "keyword=command,keyword=command" pairs.
func parseAllowlist(spec string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitList(spec string) []string {
	var out []string
	for _, item := range strings.Split(spec, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SortedAllowlistKeys is a stable view for logs and error messages.
func SortedAllowlistKeys(apps map[string]string) []string {
	keys := make([]string, 0, len(apps))
	for k := range apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvSeconds reads a float number of seconds; poll and flush intervals
// are commonly fractional.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}
