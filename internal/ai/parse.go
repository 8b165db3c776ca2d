package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/digkill/screencopy/internal/models"
)

var fencePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```"),
	regexp.MustCompile("(?s)```\\s*(.*?)\\s*```"),
}

// extractJSON pulls the JSON payload out of model text that may carry
// markdown fences or chatter around it. A bare payload starts at whichever
// bracket opens first, so an array of objects is never cut down to its
// first element.
func extractJSON(text string) ([]byte, error) {
	whole := []byte(strings.TrimSpace(text))
	if len(whole) > 0 && json.Valid(whole) {
		return whole, nil
	}
	for _, re := range fencePatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		candidate := []byte(strings.TrimSpace(m[1]))
		if json.Valid(candidate) {
			return candidate, nil
		}
	}
	if candidate, ok := bareJSON(text); ok {
		return candidate, nil
	}
	return nil, fmt.Errorf("%w: no JSON found in %q", ErrMalformedResponse, truncate(text, 200))
}

func bareJSON(text string) ([]byte, bool) {
	brackets := [][2]byte{{'[', ']'}, {'{', '}'}}
	if obj, arr := strings.IndexByte(text, '{'), strings.IndexByte(text, '['); obj >= 0 && (arr < 0 || obj < arr) {
		brackets[0], brackets[1] = brackets[1], brackets[0]
	}
	for _, b := range brackets {
		start := strings.IndexByte(text, b[0])
		end := strings.LastIndexByte(text, b[1])
		if start < 0 || end <= start {
			continue
		}
		candidate := []byte(text[start : end+1])
		if json.Valid(candidate) {
			return candidate, true
		}
	}
	return nil, false
}

type rawVariant struct {
	Headline     string `json:"headline"`
	Subtext      string `json:"subtext"`
	Style        string `json:"style"`
	Layout       string `json:"layout"`
	ColorHex     string `json:"color_hex"`
	ASOScore     any    `json:"aso_score"`
	BenchmarkRef string `json:"benchmark_ref"`
	Reasoning    string `json:"reasoning"`
	WhyItWorks   string `json:"why_it_works"`
}

func (v rawVariant) toModel() models.CopyVariant {
	reasoning := v.Reasoning
	if reasoning == "" {
		reasoning = v.WhyItWorks
	}
	return models.CopyVariant{
		Headline:     strings.TrimSpace(v.Headline),
		Subtext:      strings.TrimSpace(v.Subtext),
		Style:        v.Style,
		Layout:       v.Layout,
		ColorHex:     v.ColorHex,
		ASOScore:     normalizeScore(v.ASOScore),
		BenchmarkRef: v.BenchmarkRef,
		Reasoning:    reasoning,
	}
}

// normalizeScore accepts numbers or numeric strings and clamps to 0..100.
func normalizeScore(raw any) int {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, f))))
}

// ParseCopyOutput turns model text into a validated CopyOutput. An array is a
// variant list, an object must carry weekly_batch. Anything else is malformed.
func ParseCopyOutput(text string) (*models.CopyOutput, error) {
	payload, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var out *models.CopyOutput
	switch payload[0] {
	case '[':
		var raws []rawVariant
		if err := json.Unmarshal(payload, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		variants := make([]models.CopyVariant, 0, len(raws))
		for _, r := range raws {
			variants = append(variants, r.toModel())
		}
		out = models.NewVariantsOutput(variants)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		batch, ok := fields["weekly_batch"]
		if !ok {
			return nil, fmt.Errorf("%w: object without weekly_batch", ErrMalformedResponse)
		}
		var schedule models.WeeklySchedule
		if err := json.Unmarshal(batch, &schedule.WeeklyBatch); err != nil {
			return nil, fmt.Errorf("%w: weekly_batch: %v", ErrMalformedResponse, err)
		}
		if cfg, ok := fields["design_config"]; ok && !bytes.Equal(bytes.TrimSpace(cfg), []byte("null")) {
			if err := json.Unmarshal(cfg, &schedule.DesignConfig); err != nil {
				return nil, fmt.Errorf("%w: design_config: %v", ErrMalformedResponse, err)
			}
		}
		out = models.NewScheduleOutput(&schedule)
	default:
		return nil, fmt.Errorf("%w: unexpected JSON %q", ErrMalformedResponse, truncate(string(payload), 40))
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// ParseVariant decodes a single refined variant.
func ParseVariant(text string) (*models.CopyVariant, error) {
	payload, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if payload[0] != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrMalformedResponse)
	}
	var raw rawVariant
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	v := raw.toModel()
	if v.Headline == "" {
		return nil, fmt.Errorf("%w: refined copy has no headline", ErrMalformedResponse)
	}
	return &v, nil
}

type rawAnalysis struct {
	AppName         string `json:"appName"`
	Category        string `json:"category"`
	TargetAudience  string `json:"targetAudience"`
	Tone            string `json:"tone"`
	Description     string `json:"description"`
	Keywords        any    `json:"keywords"`
	AccentColor     string `json:"accentColor"`
	SuggestedLayout string `json:"suggestedLayout"`
}

func ParseImageAnalysis(text string) (*models.ImageAnalysis, error) {
	payload, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var raw rawAnalysis
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &models.ImageAnalysis{
		AppName:         raw.AppName,
		Category:        strings.ToLower(raw.Category),
		TargetAudience:  raw.TargetAudience,
		Tone:            strings.ToLower(raw.Tone),
		Description:     raw.Description,
		Keywords:        joinKeywords(raw.Keywords),
		AccentColor:     raw.AccentColor,
		SuggestedLayout: raw.SuggestedLayout,
	}, nil
}

func joinKeywords(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// cleanTweet strips quotes the model sometimes wraps around a single tweet
// and enforces the length ceiling.
func cleanTweet(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"“”")
	return ClampRunes(strings.TrimSpace(text), MaxRefinedTweetRunes)
}

func ClampRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	clamped := ClampRunes(s, limit)
	if clamped == s {
		return s
	}
	return clamped + "…"
}
