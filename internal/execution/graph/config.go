package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/robfig/cron/v3"
)

const (
	maxWait        = 10 * time.Minute
	defaultTimeout = 30 * time.Second
)

// BlockConfig is the typed form of a block's sub-block values. Exactly one
// concrete type exists per block type.
type BlockConfig interface {
	BlockType() string
}

type TriggerConfig struct {
	Type        string   `json:"-"`
	Path        string   `json:"path,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	InputFormat []string `json:"inputFormat,omitempty"`
}

func (c TriggerConfig) BlockType() string { return c.Type }

type ScheduleConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

func (ScheduleConfig) BlockType() string { return domain.BlockTypeSchedule }

type VariablesConfig struct {
	Variables map[string]any `json:"variables"`
}

func (VariablesConfig) BlockType() string { return domain.BlockTypeVariables }

type WaitConfig struct {
	DurationMs int64  `json:"durationMs,omitempty"`
	Duration   string `json:"duration,omitempty"`

	Wait time.Duration `json:"-"`
}

func (WaitConfig) BlockType() string { return domain.BlockTypeWait }

type OAuth2Config struct {
	TokenURL     string   `json:"tokenUrl"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	Scopes       []string `json:"scopes,omitempty"`
}

type HTTPConfig struct {
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	OAuth2    *OAuth2Config     `json:"oauth2,omitempty"`

	Timeout time.Duration `json:"-"`
}

func (HTTPConfig) BlockType() string { return domain.BlockTypeHTTP }

type ResponseConfig struct {
	Data    any               `json:"data,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (ResponseConfig) BlockType() string { return domain.BlockTypeResponse }

// Condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
)

type ConditionConfig struct {
	Left     any    `json:"left"`
	Operator string `json:"operator"`
	Right    any    `json:"right,omitempty"`
}

func (ConditionConfig) BlockType() string { return domain.BlockTypeCondition }

// ContainerConfig marks loop and parallel container blocks; their policy lives
// on the LoopSpec or ParallelSpec.
type ContainerConfig struct {
	Type string `json:"-"`
}

func (c ContainerConfig) BlockType() string { return c.Type }

type decoder func(values map[string]any) (BlockConfig, error)

var decoders = map[string]decoder{
	domain.BlockTypeStarter:        triggerDecoder(domain.BlockTypeStarter),
	domain.BlockTypeAPITrigger:     triggerDecoder(domain.BlockTypeAPITrigger),
	domain.BlockTypeWebhook:        triggerDecoder(domain.BlockTypeWebhook),
	domain.BlockTypeGenericWebhook: triggerDecoder(domain.BlockTypeGenericWebhook),
	domain.BlockTypeSchedule:       decodeSchedule,
	domain.BlockTypeVariables:      decodeVariables,
	domain.BlockTypeWait:           decodeWait,
	domain.BlockTypeHTTP:           decodeHTTP,
	domain.BlockTypeResponse:       decodeResponse,
	domain.BlockTypeCondition:      decodeCondition,
	domain.BlockTypeLoop:           containerDecoder(domain.BlockTypeLoop),
	domain.BlockTypeParallel:       containerDecoder(domain.BlockTypeParallel),
}

// KnownBlockType reports whether the graph builder can decode blockType.
func KnownBlockType(blockType string) bool {
	_, ok := decoders[blockType]
	return ok
}

// DecodeConfig turns a block's loose sub-block values into its typed config.
func DecodeConfig(block domain.Block) (BlockConfig, error) {
	dec, ok := decoders[block.Type]
	if !ok {
		return nil, fmt.Errorf("unknown block type %q", block.Type)
	}
	return dec(flattenSubBlocks(block.SubBlocks))
}

// flattenSubBlocks accepts both {"url": "x"} and the editor's
// {"url": {"id": "url", "type": "short-input", "value": "x"}} shapes.
func flattenSubBlocks(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			if inner, hasValue := m["value"]; hasValue {
				if _, hasID := m["id"]; hasID {
					out[k] = inner
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func decodeInto(values map[string]any, dst any) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode sub-blocks: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode sub-blocks: %w", err)
	}
	return nil
}

func triggerDecoder(blockType string) decoder {
	return func(values map[string]any) (BlockConfig, error) {
		cfg := TriggerConfig{Type: blockType}
		if err := decodeInto(values, &cfg); err != nil {
			return nil, err
		}
		if strings.Contains(cfg.Path, "/") {
			return nil, fmt.Errorf("path must be a single segment")
		}
		return cfg, nil
	}
}

func containerDecoder(blockType string) decoder {
	return func(map[string]any) (BlockConfig, error) {
		return ContainerConfig{Type: blockType}, nil
	}
}

func decodeSchedule(values map[string]any) (BlockConfig, error) {
	var cfg ScheduleConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	cfg.Cron = strings.TrimSpace(cfg.Cron)
	if cfg.Cron == "" {
		return nil, fmt.Errorf("cron is required")
	}
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return nil, fmt.Errorf("cron is invalid: %w", err)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("timezone is invalid: %w", err)
		}
	}
	return cfg, nil
}

func decodeVariables(values map[string]any) (BlockConfig, error) {
	var cfg VariablesConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	if cfg.Variables == nil {
		cfg.Variables = map[string]any{}
	}
	return cfg, nil
}

func decodeWait(values map[string]any) (BlockConfig, error) {
	var cfg WaitConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	switch {
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("duration is invalid: %w", err)
		}
		cfg.Wait = d
	default:
		cfg.Wait = time.Duration(cfg.DurationMs) * time.Millisecond
	}
	if cfg.Wait < 0 || cfg.Wait > maxWait {
		return nil, fmt.Errorf("wait must be between 0 and %s", maxWait)
	}
	return cfg, nil
}

func decodeHTTP(values map[string]any) (BlockConfig, error) {
	var cfg HTTPConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	switch cfg.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return nil, fmt.Errorf("method %q is not supported", cfg.Method)
	}
	cfg.Timeout = defaultTimeout
	if cfg.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.OAuth2 != nil {
		if cfg.OAuth2.TokenURL == "" || cfg.OAuth2.ClientID == "" {
			return nil, fmt.Errorf("oauth2 tokenUrl and clientId are required")
		}
	}
	return cfg, nil
}

func decodeResponse(values map[string]any) (BlockConfig, error) {
	var cfg ResponseConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status == 0 {
		cfg.Status = 200
	}
	if cfg.Status < 100 || cfg.Status > 599 {
		return nil, fmt.Errorf("status %d is invalid", cfg.Status)
	}
	return cfg, nil
}

func decodeCondition(values map[string]any) (BlockConfig, error) {
	var cfg ConditionConfig
	if err := decodeInto(values, &cfg); err != nil {
		return nil, err
	}
	cfg.Operator = strings.TrimSpace(cfg.Operator)
	if cfg.Operator == "" {
		cfg.Operator = OpEq
	}
	switch cfg.Operator {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists:
	default:
		return nil, fmt.Errorf("operator %q is not supported", cfg.Operator)
	}
	return cfg, nil
}
