package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

const (
	ReloadHybrid = "hybrid"
	ReloadFull   = "full"

	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// LiveConfig is the runtime-reloadable part of the gateway configuration.
// Every section is optional on disk.
type LiveConfig struct {
	Gateway    LiveGateway `json:"gateway"`
	Allowlists Allowlists  `json:"allowlists"`
	Activation Activation  `json:"activation"`
}

type LiveGateway struct {
	Reload ReloadSettings `json:"reload"`
}

type ReloadSettings struct {
	Mode string `json:"mode"`
}

type Allowlists struct {
	DMs    []string `json:"dms"`
	Groups []string `json:"groups"`
}

type Activation struct {
	Groups string `json:"groups"`
}

var liveConfigSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "properties": {
    "gateway": {
      "type": "object",
      "properties": {
        "reload": {
          "type": "object",
          "properties": {
            "mode": {"enum": ["hybrid", "full"]}
          }
        }
      }
    },
    "allowlists": {
      "type": "object",
      "properties": {
        "dms": {"type": "array", "items": {"type": "string"}},
        "groups": {"type": "array", "items": {"type": "string"}}
      }
    },
    "activation": {
      "type": "object",
      "properties": {
        "groups": {"enum": ["mention", "always"]}
      }
    }
  }
}`)

func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Gateway:    LiveGateway{Reload: ReloadSettings{Mode: ReloadHybrid}},
		Allowlists: Allowlists{DMs: []string{}, Groups: []string{}},
		Activation: Activation{Groups: ActivationMention},
	}
}

// ParseLiveConfig validates data against the live schema and fills absent
// fields from DefaultLiveConfig.
func ParseLiveConfig(data []byte) (LiveConfig, error) {
	result, err := gojsonschema.Validate(liveConfigSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return DefaultLiveConfig(), fmt.Errorf("parse live config: %w", err)
	}
	if !result.Valid() {
		if errs := result.Errors(); len(errs) > 0 {
			return DefaultLiveConfig(), fmt.Errorf("invalid live config: %s", errs[0].String())
		}
		return DefaultLiveConfig(), errors.New("invalid live config")
	}
	var cfg LiveConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultLiveConfig(), fmt.Errorf("parse live config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadLiveConfig never fails hard: on a missing, unreadable or invalid file
// it returns the defaults alongside the error so callers can log and go on.
func LoadLiveConfig(path string) (LiveConfig, error) {
	if path == "" {
		return DefaultLiveConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultLiveConfig(), err
	}
	return ParseLiveConfig(data)
}

func (c *LiveConfig) applyDefaults() {
	def := DefaultLiveConfig()
	if c.Gateway.Reload.Mode == "" {
		c.Gateway.Reload.Mode = def.Gateway.Reload.Mode
	}
	if c.Allowlists.DMs == nil {
		c.Allowlists.DMs = []string{}
	}
	if c.Allowlists.Groups == nil {
		c.Allowlists.Groups = []string{}
	}
	if c.Activation.Groups == "" {
		c.Activation.Groups = def.Activation.Groups
	}
}

// HotReloadable reports whether the config may be applied without a restart.
func (c LiveConfig) HotReloadable() bool {
	return c.Gateway.Reload.Mode == ReloadHybrid
}

func (c LiveConfig) clone() LiveConfig {
	out := c
	out.Allowlists.DMs = append(make([]string, 0, len(c.Allowlists.DMs)), c.Allowlists.DMs...)
	out.Allowlists.Groups = append(make([]string, 0, len(c.Allowlists.Groups)), c.Allowlists.Groups...)
	return out
}
