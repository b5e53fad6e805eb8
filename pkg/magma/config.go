package magma

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/magmastream/magmastream-go/pkg/track"
)

const (
	defaultClientName        = "Magmastream"
	defaultMaxPreviousTracks = 20
	defaultAutoplayTries     = 3
	defaultVolume            = 100
	defaultRetryAmount       = 5
	defaultRetryDelay        = 30 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultResumeTimeout     = 60 * time.Second
)

// SendFunc forwards a raw gateway payload (voice state update, opcode 4)
// to the Discord shard that owns the given guild.
type SendFunc func(guildID string, payload any) error

// Duration is a time.Duration that YAML-decodes from Go duration
// strings ("5s", "1m30s") or bare integers (seconds).
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("magma: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Plugin extends the manager with extra behaviour. Load runs during
// Init, after nodes are created but before they connect; Unload runs
// during HandleShutdown.
type Plugin interface {
	Name() string
	Load(m *Manager) error
	Unload(m *Manager) error
}

// NodeOptions configures a single audio node.
type NodeOptions struct {
	// Identifier names the node in logs, events and snapshots.
	// Defaults to Host when empty.
	Identifier string `yaml:"identifier"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// Secure selects wss/https transport.
	Secure bool `yaml:"secure"`

	// RetryAmount bounds reconnection attempts after an unsolicited
	// close. Zero means the default.
	RetryAmount int `yaml:"retryAmount"`

	// RetryDelay is the pause between reconnection attempts.
	RetryDelay Duration `yaml:"retryDelay"`

	// RequestTimeout bounds each REST call against this node.
	RequestTimeout Duration `yaml:"requestTimeout"`

	// ResumeStatus asks the node to keep the session alive across a
	// short client outage.
	ResumeStatus  bool     `yaml:"resumeStatus"`
	ResumeTimeout Duration `yaml:"resumeTimeout"`

	// Priority weights node selection when the manager uses priority
	// mode. Higher values are picked more often.
	Priority int `yaml:"priority"`
}

func (o *NodeOptions) applyDefaults() {
	if o.Identifier == "" {
		o.Identifier = o.Host
	}
	if o.RetryAmount <= 0 {
		o.RetryAmount = defaultRetryAmount
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = Duration(defaultRetryDelay)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = Duration(defaultResumeTimeout)
	}
}

func (o *NodeOptions) validate() error {
	var errs []error
	if o.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", o.Port))
	}
	if o.Password == "" {
		errs = append(errs, errors.New("password must not be empty"))
	}
	return errors.Join(errs...)
}

// Options configures a Manager.
type Options struct {
	// Nodes lists the audio nodes to create during Init.
	Nodes []NodeOptions `yaml:"nodes"`

	// Send forwards voice payloads to the Discord gateway. Required.
	Send SendFunc `yaml:"-"`

	// ClientName is reported to nodes in the Client-Name header.
	ClientName string `yaml:"clientName"`

	// ClusterID distinguishes session files when several processes
	// share one working directory.
	ClusterID int `yaml:"clusterId"`

	// DefaultSearchPlatform prefixes bare search queries.
	DefaultSearchPlatform track.Source `yaml:"defaultSearchPlatform"`

	// UsePriority enables weighted node selection; otherwise the
	// manager balances by UseNode.
	UsePriority bool `yaml:"usePriority"`

	// UseNode picks the balancing strategy: "leastPlayers" (default)
	// or "leastLoad".
	UseNode string `yaml:"useNode"`

	// AutoPlay enables autoplay continuation on players by default.
	AutoPlay *bool `yaml:"autoPlay"`

	// AutoPlaySearchPlatforms orders the sources autoplay tries.
	AutoPlaySearchPlatforms []track.Source `yaml:"autoPlaySearchPlatforms"`

	// LastFmAPIKey enables the Last.fm autoplay fallback.
	LastFmAPIKey string `yaml:"lastFmApiKey"`

	// MaxPreviousTracks bounds each player's history ring.
	MaxPreviousTracks int `yaml:"maxPreviousTracks"`

	// TrackPartial limits which track fields are populated on built
	// tracks. Empty keeps every field.
	TrackPartial []track.Partial `yaml:"trackPartial"`

	// CleanYouTubeTitles scrubs noise words from YouTube metadata.
	CleanYouTubeTitles bool `yaml:"cleanYouTubeTitles"`

	// StateStorageDir overrides where session ids and player snapshots
	// are persisted. Empty uses magmastream/dist/sessionData under the
	// working directory.
	StateStorageDir string `yaml:"stateStorageDir"`

	// Plugins are loaded during Init in order.
	Plugins []Plugin `yaml:"-"`

	// Logger receives the library's structured logs. Defaults to
	// slog.Default.
	Logger *slog.Logger `yaml:"-"`

	// HTTPClient is used for out-of-band lookups (autoplay sources).
	HTTPClient *http.Client `yaml:"-"`
}

func (o *Options) applyDefaults() {
	if o.ClientName == "" {
		o.ClientName = defaultClientName
	}
	if o.DefaultSearchPlatform == "" {
		o.DefaultSearchPlatform = track.SourceYouTube
	}
	if o.UseNode == "" {
		o.UseNode = NodeStrategyLeastPlayers
	}
	if o.AutoPlay == nil {
		enabled := true
		o.AutoPlay = &enabled
	}
	if o.MaxPreviousTracks <= 0 {
		o.MaxPreviousTracks = defaultMaxPreviousTracks
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	for i := range o.Nodes {
		o.Nodes[i].applyDefaults()
	}
}

// Validate reports every configuration problem at once.
func (o *Options) Validate() error {
	var errs []error
	if o.Send == nil {
		errs = append(errs, errors.New("send callback must be set"))
	}
	if len(o.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node must be configured"))
	}
	seen := map[string]bool{}
	for i := range o.Nodes {
		n := &o.Nodes[i]
		if err := n.validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", n.Identifier, err))
		}
		id := n.Identifier
		if id == "" {
			id = n.Host
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate node identifier %q", id))
		}
		seen[id] = true
	}
	if o.UseNode != "" && o.UseNode != NodeStrategyLeastLoad && o.UseNode != NodeStrategyLeastPlayers {
		errs = append(errs, fmt.Errorf("useNode %q is not a known strategy", o.UseNode))
	}
	return errors.Join(errs...)
}

// Node selection strategies for Options.UseNode.
const (
	NodeStrategyLeastLoad    = "leastLoad"
	NodeStrategyLeastPlayers = "leastPlayers"
)

// LoadOptionsFile reads manager options from a YAML file. Unknown keys
// are rejected. The Send callback, plugins, logger and HTTP client
// cannot come from a file and must be set afterwards.
func LoadOptionsFile(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("magma: open options file: %w", err)
	}
	defer f.Close()

	var opts Options
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return nil, fmt.Errorf("magma: parse options file %s: %w", path, err)
	}
	return &opts, nil
}
