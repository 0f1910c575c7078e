package httpprovider

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Lifeline-Treasury/internal/quote"
)

// Definitions models the `quote_providers` section of configs/ledgers.yaml.
type Definitions struct {
	Providers []Definition `yaml:"quote_providers"`
}

// Definition describes a single vendor endpoint.
type Definition struct {
	ID        string `yaml:"id"`
	Class     string `yaml:"class"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
	Disabled  bool   `yaml:"disabled"`
}

// LoadDefinitions parses provider definitions from a YAML file.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取报价源配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes provider definitions from raw YAML.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析报价源配置失败: %w", err)
	}
	return defs, nil
}

func (d Definition) class() (quote.Class, error) {
	switch strings.ToLower(strings.TrimSpace(d.Class)) {
	case "", string(quote.ClassBridge):
		return quote.ClassBridge, nil
	case string(quote.ClassSwap):
		return quote.ClassSwap, nil
	default:
		return "", fmt.Errorf("报价源 %s 的类别 %s 无效", d.ID, d.Class)
	}
}

func (d Definition) timeout() (time.Duration, error) {
	if strings.TrimSpace(d.Timeout) == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0, fmt.Errorf("报价源 %s 的超时配置无效: %w", d.ID, err)
	}
	return parsed, nil
}

// Registrar is the aggregator surface used to install providers.
type Registrar interface {
	Register(class quote.Class, p quote.Provider) error
}

// RegisterAll builds a client for every enabled definition and registers it
// under its class. It returns the number of providers installed.
func RegisterAll(registrar Registrar, defs Definitions) (int, error) {
	installed := 0
	for _, def := range defs.Providers {
		if def.Disabled {
			continue
		}
		class, err := def.class()
		if err != nil {
			return installed, err
		}
		timeout, err := def.timeout()
		if err != nil {
			return installed, err
		}
		client, err := NewClient(Config{
			ID:      def.ID,
			BaseURL: def.BaseURL,
			APIKey:  resolveAPIKey(def.APIKeyEnv),
			Timeout: timeout,
		})
		if err != nil {
			return installed, err
		}
		if err := registrar.Register(class, client); err != nil {
			return installed, err
		}
		installed++
	}
	return installed, nil
}
