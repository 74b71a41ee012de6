package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	DefaultRaptorMaxToken   = 256
	DefaultRaptorThreshold  = 0.1
	DefaultRaptorMaxCluster = 64
)

// RaptorConfig configures hierarchical summarisation of parsed chunks.
type RaptorConfig struct {
	UseRaptor  bool    `json:"use_raptor"`
	Prompt     string  `json:"prompt,omitempty"`
	MaxToken   int     `json:"max_token"`
	Threshold  float64 `json:"threshold"`
	MaxCluster int     `json:"max_cluster"`
	RandomSeed int     `json:"random_seed"`
}

// ParserConfig is the typed parser configuration of a knowledge base or
// document. Keys it does not model are carried in Extra and survive a JSON
// round trip untouched.
type ParserConfig struct {
	ChunkTokenNum   int            `json:"chunk_token_num,omitempty"`
	Delimiter       string         `json:"delimiter,omitempty"`
	LayoutRecognize *bool          `json:"layout_recognize,omitempty"`
	TaskPageSize    int            `json:"task_page_size,omitempty"`
	Pages           [][2]int       `json:"pages,omitempty"`
	Raptor          *RaptorConfig  `json:"raptor,omitempty"`
	Extra           map[string]any `json:"-"`
}

func DefaultParserConfig() ParserConfig {
	layout := true
	return ParserConfig{
		ChunkTokenNum:   128,
		Delimiter:       "\n!?;。；！？",
		LayoutRecognize: &layout,
	}
}

// LayoutEnabled treats an unset flag as enabled.
func (p ParserConfig) LayoutEnabled() bool {
	return p.LayoutRecognize == nil || *p.LayoutRecognize
}

type parserConfigFields ParserConfig

func (p ParserConfig) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(parserConfigFields(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]any, len(p.Extra)+6)
	for k, v := range p.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (p *ParserConfig) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = ParserConfig{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parser_config must be an object: %w", err)
	}
	cfg, err := NormalizeParserConfig(raw)
	if err != nil {
		return err
	}
	*p = cfg
	return nil
}

// Equal compares two configs by their canonical JSON form.
func (p ParserConfig) Equal(other ParserConfig) bool {
	a, errA := json.Marshal(p)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// NormalizeParserConfig coerces a loosely typed configuration, as decoded
// from JSON or form input, into a ParserConfig. Numeric fields accept
// numbers or numeric strings; non-integral numbers given for integer
// fields are truncated.
func NormalizeParserConfig(raw map[string]any) (ParserConfig, error) {
	var cfg ParserConfig
	var err error

	for key, value := range raw {
		switch key {
		case "chunk_token_num":
			if cfg.ChunkTokenNum, err = toInt(value); err != nil {
				return ParserConfig{}, fieldError(key, err)
			}
			if cfg.ChunkTokenNum < 0 {
				return ParserConfig{}, fieldError(key, fmt.Errorf("must not be negative"))
			}
		case "delimiter":
			s, ok := value.(string)
			if !ok {
				return ParserConfig{}, fieldError(key, fmt.Errorf("must be a string"))
			}
			cfg.Delimiter = s
		case "layout_recognize":
			b, err := toBool(value)
			if err != nil {
				return ParserConfig{}, fieldError(key, err)
			}
			cfg.LayoutRecognize = &b
		case "task_page_size":
			if cfg.TaskPageSize, err = toInt(value); err != nil {
				return ParserConfig{}, fieldError(key, err)
			}
			if cfg.TaskPageSize < 0 {
				return ParserConfig{}, fieldError(key, fmt.Errorf("must not be negative"))
			}
		case "pages":
			if cfg.Pages, err = toPageRanges(value); err != nil {
				return ParserConfig{}, fieldError(key, err)
			}
		case "raptor":
			if value == nil {
				continue
			}
			m, ok := value.(map[string]any)
			if !ok {
				return ParserConfig{}, fieldError(key, fmt.Errorf("must be an object"))
			}
			r, err := normalizeRaptor(m)
			if err != nil {
				return ParserConfig{}, err
			}
			cfg.Raptor = &r
		default:
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]any)
			}
			cfg.Extra[key] = value
		}
	}

	return cfg, nil
}

func normalizeRaptor(raw map[string]any) (RaptorConfig, error) {
	var r RaptorConfig
	var err error

	for key, value := range raw {
		switch key {
		case "use_raptor":
			if r.UseRaptor, err = toBool(value); err != nil {
				return r, fieldError("raptor."+key, err)
			}
		case "prompt":
			s, ok := value.(string)
			if !ok {
				return r, fieldError("raptor."+key, fmt.Errorf("must be a string"))
			}
			r.Prompt = s
		case "max_token":
			if r.MaxToken, err = toInt(value); err != nil {
				return r, fieldError("raptor."+key, err)
			}
		case "max_cluster":
			if r.MaxCluster, err = toInt(value); err != nil {
				return r, fieldError("raptor."+key, err)
			}
		case "random_seed":
			if r.RandomSeed, err = toInt(value); err != nil {
				return r, fieldError("raptor."+key, err)
			}
		case "threshold":
			if r.Threshold, err = toFloat(value); err != nil {
				return r, fieldError("raptor."+key, err)
			}
		}
	}

	if r.UseRaptor {
		if r.MaxToken == 0 {
			r.MaxToken = DefaultRaptorMaxToken
		}
		if r.MaxCluster == 0 {
			r.MaxCluster = DefaultRaptorMaxCluster
		}
		if r.Threshold == 0 {
			r.Threshold = DefaultRaptorThreshold
		}
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return r, fieldError("raptor.threshold", fmt.Errorf("must be within [0, 1]"))
	}
	if r.MaxToken < 0 || r.MaxCluster < 0 {
		return r, fieldError("raptor", fmt.Errorf("max_token and max_cluster must not be negative"))
	}
	return r, nil
}

// FieldError names the configuration key that failed to coerce.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("parser_config.%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n.String())
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return floatToInt(f)
	default:
		return 0, fmt.Errorf("invalid integer of type %T", v)
	}
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("number out of range")
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid number of type %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("invalid boolean %q", b)
		}
		return parsed, nil
	case float64:
		return b != 0, nil
	case int:
		return b != 0, nil
	default:
		return false, fmt.Errorf("invalid boolean of type %T", v)
	}
}

func toPageRanges(v any) ([][2]int, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list of [from, to] pairs")
	}
	ranges := make([][2]int, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("entry %d must be a [from, to] pair", i)
		}
		from, err := toInt(pair[0])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		to, err := toInt(pair[1])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if from < 1 || to < from {
			return nil, fmt.Errorf("entry %d: invalid range [%d, %d]", i, from, to)
		}
		ranges = append(ranges, [2]int{from, to})
	}
	return ranges, nil
}
