// Package settings は翻訳ジョブ設定の既定値とクライアント指定値のマージ・検証を提供します。
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Settings は検証済みの翻訳ジョブ設定です。
// JSONタグがクライアント指定時のキー名になります。
type Settings struct {
	LangIn          string `json:"lang_in" yaml:"lang_in" validate:"required"`
	LangOut         string `json:"lang_out" yaml:"lang_out" validate:"required"`
	Service         string `json:"service" yaml:"service" validate:"required"`
	QPS             int    `json:"qps" yaml:"qps" validate:"gte=0,lte=64"`
	Pages           string `json:"pages" yaml:"pages"`
	MinTextLength   int    `json:"min_text_length" yaml:"min_text_length" validate:"gte=0"`
	NoDual          bool   `json:"no_dual" yaml:"no_dual"`
	NoMono          bool   `json:"no_mono" yaml:"no_mono"`
	WatermarkMode   string `json:"watermark_mode" yaml:"watermark_mode" validate:"oneof=watermarked no_watermark both"`
	LinearizeOutput bool   `json:"linearize_output" yaml:"linearize_output"`
	Output          string `json:"output" yaml:"output"`
	GUI             bool   `json:"gui" yaml:"gui"`
	Debug           bool   `json:"debug" yaml:"debug"`
}

// Defaults はプロセス既定の設定を返します。
func Defaults() Settings {
	return Settings{
		LangIn:        "auto",
		LangOut:       "en",
		Service:       "google",
		QPS:           4,
		MinTextLength: 5,
		WatermarkMode: "watermarked",
	}
}

// Violation は設定検証の違反1件を表します。
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidConfigError は設定の検証失敗を表し、違反の一覧を保持します。
type InvalidConfigError struct {
	Violations []Violation
}

func (e *InvalidConfigError) Error() string {
	if len(e.Violations) == 0 {
		return "config validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// Builder は既定値とクライアント指定値をマージして検証済み設定を構築します。
type Builder struct {
	defaults Settings
	validate *validator.Validate
	known    map[string]struct{}
}

// NewBuilder はビルダーを作成します。settingsFile が空でなければ
// YAMLファイルの内容を既定値の上に重ねます。
func NewBuilder(settingsFile string) (*Builder, error) {
	defaults := Defaults()
	if settingsFile != "" {
		data, err := os.ReadFile(settingsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	validate := validator.New()
	// 違反メッセージにはJSONタグ名を使う
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		tag := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if tag == "-" {
			return ""
		}
		return tag
	})

	return &Builder{
		defaults: defaults,
		validate: validate,
		known:    knownKeys(),
	}, nil
}

// Build はクライアント指定値を既定値にマージし、検証済み設定を返します。
// outputDir はサーバーが割り当てたタスク固有の出力先で、クライアント指定を常に上書きします。
func (b *Builder) Build(overrides map[string]any, outputDir string) (*Settings, error) {
	base := map[string]any{}
	raw, err := json.Marshal(b.defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}

	var violations []Violation
	for key, value := range overrides {
		if _, ok := b.known[key]; !ok {
			violations = append(violations, Violation{
				Field:   key,
				Message: "未知の設定キーです。",
			})
			continue
		}
		if !isScalar(value) {
			violations = append(violations, Violation{
				Field:   key,
				Message: "値はスカラーで指定してください。",
			})
			continue
		}
		base[key] = value
	}
	if len(violations) > 0 {
		return nil, &InvalidConfigError{Violations: violations}
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged config: %w", err)
	}

	var result Settings
	decoder := json.NewDecoder(strings.NewReader(string(merged)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&result); err != nil {
		return nil, &InvalidConfigError{Violations: []Violation{decodeViolation(err)}}
	}

	if err := b.validate.Struct(&result); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			violations = append(violations, Violation{
				Field:   fe.Field(),
				Message: fmt.Sprintf("検証ルール %q を満たしていません。", fe.Tag()),
			})
		}
		return nil, &InvalidConfigError{Violations: violations}
	}

	// サーバー実行の不変条件: リモートクライアントからは変更不可
	result.GUI = false
	result.Debug = false
	result.Output = outputDir

	return &result, nil
}

func decodeViolation(err error) Violation {
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
		return Violation{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("%s 型の値を指定してください (received: %s)。", typeErr.Type, typeErr.Value),
		}
	}
	return Violation{Field: "config", Message: err.Error()}
}

func isScalar(value any) bool {
	switch value.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

func knownKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		tag := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if tag != "" && tag != "-" {
			keys[tag] = struct{}{}
		}
	}
	return keys
}
