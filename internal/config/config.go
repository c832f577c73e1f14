// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the config reads, so
// browser.headless is set with CURATOR_BROWSER_HEADLESS.
const EnvPrefix = "CURATOR"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Automation() AutomationConfig
	Collections() CollectionsConfig
	Places() PlacesConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	AutomationCfg  AutomationConfig  `mapstructure:"automation" yaml:"automation"`
	CollectionsCfg CollectionsConfig `mapstructure:"collections" yaml:"collections"`
	PlacesCfg      PlacesConfig      `mapstructure:"places" yaml:"places"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Automation() AutomationConfig   { return c.AutomationCfg }
func (c *Config) Collections() CollectionsConfig { return c.CollectionsCfg }
func (c *Config) Places() PlacesConfig           { return c.PlacesCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error dpanic panic fatal"`
	Format      string      `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome instance the automation drives.
type BrowserConfig struct {
	// RemoteURL attaches to an already running browser (for example one the
	// user logged into by hand) instead of launching a new one.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url" validate:"omitempty,url"`
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
	// UserDataDir keeps the Google session between launches. A leading ~ is
	// expanded to the home directory.
	UserDataDir      string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	StartURL         string        `mapstructure:"start_url" yaml:"start_url" validate:"omitempty,url"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	ActionsPerSecond float64       `mapstructure:"actions_per_second" yaml:"actions_per_second" validate:"gt=0"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout" validate:"gt=0"`
	// EvalTimeout bounds a single page script evaluation, so a hung renderer
	// cannot stall a poll past its own deadline.
	EvalTimeout time.Duration `mapstructure:"eval_timeout" yaml:"eval_timeout" validate:"gt=0"`
	Debug            bool          `mapstructure:"debug" yaml:"debug"`
}

// AutomationConfig tunes the iteration runner and its readiness check.
type AutomationConfig struct {
	Iterations        int           `mapstructure:"iterations" yaml:"iterations" validate:"gte=1"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout" validate:"gt=0"`
	FirstReadyTimeout time.Duration `mapstructure:"first_ready_timeout" yaml:"first_ready_timeout" validate:"gt=0,ltefield=ReadyTimeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval" yaml:"ready_poll_interval" validate:"gt=0"`
	ReadySettle       time.Duration `mapstructure:"ready_settle" yaml:"ready_settle" validate:"gte=0"`
	IterationPause    time.Duration `mapstructure:"iteration_pause" yaml:"iteration_pause" validate:"gte=0"`
	FailurePause      time.Duration `mapstructure:"failure_pause" yaml:"failure_pause" validate:"gte=0"`
}

// CollectionsConfig describes the saved-list page and the move-to-collection
// transaction.
type CollectionsConfig struct {
	ListItemSelector    string `mapstructure:"list_item_selector" yaml:"list_item_selector" validate:"required"`
	MenuTriggerSelector string `mapstructure:"menu_trigger_selector" yaml:"menu_trigger_selector" validate:"required"`
	ItemNameSelector    string `mapstructure:"item_name_selector" yaml:"item_name_selector"`
	// TextScope is the selector searched for menu options, destinations and
	// the confirmation toast.
	TextScope        string `mapstructure:"text_scope" yaml:"text_scope" validate:"required"`
	AddOptionLabel   string `mapstructure:"add_option_label" yaml:"add_option_label" validate:"required"`
	Destination      string `mapstructure:"destination" yaml:"destination" validate:"required"`
	ConfirmationText string `mapstructure:"confirmation_text" yaml:"confirmation_text" validate:"required"`

	ItemTimeout         time.Duration `mapstructure:"item_timeout" yaml:"item_timeout" validate:"gt=0"`
	OptionTimeout       time.Duration `mapstructure:"option_timeout" yaml:"option_timeout" validate:"gt=0"`
	DestinationTimeout  time.Duration `mapstructure:"destination_timeout" yaml:"destination_timeout" validate:"gt=0"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout" validate:"gt=0"`

	ItemSettle          time.Duration `mapstructure:"item_settle" yaml:"item_settle" validate:"gte=0"`
	MenuSettle          time.Duration `mapstructure:"menu_settle" yaml:"menu_settle" validate:"gte=0"`
	OptionSettle        time.Duration `mapstructure:"option_settle" yaml:"option_settle" validate:"gte=0"`
	DestinationSettle   time.Duration `mapstructure:"destination_settle" yaml:"destination_settle" validate:"gte=0"`
	ConfirmationDisplay time.Duration `mapstructure:"confirmation_display" yaml:"confirmation_display" validate:"gte=0"`
	ListRefresh         time.Duration `mapstructure:"list_refresh" yaml:"list_refresh" validate:"gte=0"`
}

// PlacesConfig describes the saved-places page and the re-categorization
// transaction.
type PlacesConfig struct {
	// ListSelector matches the saved-list panel, which stays rendered after
	// the last place has been filed.
	ListSelector            string `mapstructure:"list_selector" yaml:"list_selector" validate:"required"`
	NoteAnchorSelector      string `mapstructure:"note_anchor_selector" yaml:"note_anchor_selector" validate:"required"`
	ThumbnailSelector       string `mapstructure:"thumbnail_selector" yaml:"thumbnail_selector" validate:"required"`
	BrokenThumbnailSrc      string `mapstructure:"broken_thumbnail_src" yaml:"broken_thumbnail_src"`
	CategorySelector        string `mapstructure:"category_selector" yaml:"category_selector" validate:"required"`
	NameSelector            string `mapstructure:"name_selector" yaml:"name_selector" validate:"required"`
	HeadingSelector         string `mapstructure:"heading_selector" yaml:"heading_selector" validate:"required"`
	SaveButtonSelector      string `mapstructure:"save_button_selector" yaml:"save_button_selector" validate:"required"`
	CheckedOptionSelector   string `mapstructure:"checked_option_selector" yaml:"checked_option_selector" validate:"required"`
	UncheckedOptionSelector string `mapstructure:"unchecked_option_selector" yaml:"unchecked_option_selector" validate:"required"`
	StatusSelector          string `mapstructure:"status_selector" yaml:"status_selector" validate:"required"`

	DefaultList   string `mapstructure:"default_list" yaml:"default_list" validate:"required"`
	DefaultBucket string `mapstructure:"default_bucket" yaml:"default_bucket" validate:"required"`
	ClosedMarker  string `mapstructure:"closed_marker" yaml:"closed_marker" validate:"required"`
	RemovingText  string `mapstructure:"removing_text" yaml:"removing_text" validate:"required"`
	SavingText    string `mapstructure:"saving_text" yaml:"saving_text" validate:"required"`

	MaxItems       int           `mapstructure:"max_items" yaml:"max_items" validate:"gte=1"`
	Settle         time.Duration `mapstructure:"settle" yaml:"settle" validate:"gte=0"`
	HeadingTimeout time.Duration `mapstructure:"heading_timeout" yaml:"heading_timeout" validate:"gt=0"`
	MenuTimeout    time.Duration `mapstructure:"menu_timeout" yaml:"menu_timeout" validate:"gt=0"`
	StatusTimeout  time.Duration `mapstructure:"status_timeout" yaml:"status_timeout" validate:"gt=0"`
}

// NewDefaultConfig returns the configuration built from defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
// Every key the application reads must have a default here, otherwise the
// environment binding cannot see it.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "curator")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.curator/chrome-profile")
	v.SetDefault("browser.start_url", "https://www.google.com/interests/saved")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.actions_per_second", 4.0)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.eval_timeout", "5s")
	v.SetDefault("browser.debug", false)

	// -- Automation --
	v.SetDefault("automation.iterations", 5)
	v.SetDefault("automation.poll_interval", "100ms")
	v.SetDefault("automation.ready_timeout", "5s")
	v.SetDefault("automation.first_ready_timeout", "2s")
	v.SetDefault("automation.ready_poll_interval", "200ms")
	v.SetDefault("automation.ready_settle", "1s")
	v.SetDefault("automation.iteration_pause", "2s")
	v.SetDefault("automation.failure_pause", "5s")

	// -- Collections --
	v.SetDefault("collections.list_item_selector", "div[data-list-item]")
	v.SetDefault("collections.menu_trigger_selector", `button[aria-label*="Más"], button[data-value="menu"], button[aria-haspopup="menu"]`)
	v.SetDefault("collections.item_name_selector", `div[role="button"] > div:first-child`)
	v.SetDefault("collections.text_scope", "*")
	v.SetDefault("collections.add_option_label", "Añadir a una colección")
	v.SetDefault("collections.destination", "[AST] QI Turismo")
	v.SetDefault("collections.confirmation_text", "Añadido a [AST] QI Turismo")
	v.SetDefault("collections.item_timeout", "5s")
	v.SetDefault("collections.option_timeout", "5s")
	v.SetDefault("collections.destination_timeout", "8s")
	v.SetDefault("collections.confirmation_timeout", "10s")
	v.SetDefault("collections.item_settle", "500ms")
	v.SetDefault("collections.menu_settle", "1500ms")
	v.SetDefault("collections.option_settle", "2s")
	v.SetDefault("collections.destination_settle", "2500ms")
	v.SetDefault("collections.confirmation_display", "2s")
	v.SetDefault("collections.list_refresh", "3s")

	// -- Places --
	v.SetDefault("places.list_selector", `div[role="main"]`)
	v.SetDefault("places.note_anchor_selector", `[aria-label="Añadir nota"]`)
	v.SetDefault("places.thumbnail_selector", "img")
	v.SetDefault("places.broken_thumbnail_src", "https://maps.gstatic.com/tactile/pane/result-no-thumbnail-2x.png")
	v.SetDefault("places.category_selector", ".fontBodyMedium > div:last-child > div:last-child span:last-child")
	v.SetDefault("places.name_selector", ".fontHeadlineSmall")
	v.SetDefault("places.heading_selector", "h1")
	v.SetDefault("places.save_button_selector", `[data-value*="Save"]`)
	v.SetDefault("places.checked_option_selector", `[aria-checked="true"] div`)
	v.SetDefault("places.unchecked_option_selector", `[aria-checked="false"] div`)
	v.SetDefault("places.status_selector", "div")
	v.SetDefault("places.default_list", "Want to go")
	v.SetDefault("places.default_bucket", "Food")
	v.SetDefault("places.closed_marker", "closed")
	v.SetDefault("places.removing_text", "Removing…")
	v.SetDefault("places.saving_text", "Saving…")
	v.SetDefault("places.max_items", 500)
	v.SetDefault("places.settle", "250ms")
	v.SetDefault("places.heading_timeout", "10s")
	v.SetDefault("places.menu_timeout", "5s")
	v.SetDefault("places.status_timeout", "10s")
}

// BindEnv makes every key readable from CURATOR_<SECTION>_<KEY> variables. No
// configuration file is read.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load builds a validated configuration from defaults and the environment.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)
	return NewConfigFromViper(v)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.BrowserCfg.UserDataDir)
	if err != nil {
		return nil, fmt.Errorf("error expanding browser.user_data_dir: %w", err)
	}
	cfg.BrowserCfg.UserDataDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		// Report fields by their configuration key rather than the Go name.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		validateInst = v
	})
	return validateInst
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return convertValidationError(err)
	}
	return nil
}

// convertValidationError flattens validator errors into one message naming
// each offending key, e.g. "automation.iterations must satisfy gte=1".
func convertValidationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", configKey(fe.Namespace()), rule))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// configKey turns "Config.automation.iterations" into "automation.iterations".
func configKey(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
