package tasks

import (
	"fmt"
	"time"

	"github.com/yourusername/linguapdf/internal/translate"
)

// sanitizeEvent はエンジンのイベントを永続化可能な形へ縮約します。
// 成果物ペイロードはパス記述子のみに落とし、その他の値はJSON安全なプリミティブへ強制します。
func sanitizeEvent(event *translate.Event) map[string]any {
	sanitized := map[string]any{
		"type": event.Type,
	}
	if event.Progress != nil {
		sanitized["progress"] = *event.Progress
	}
	if event.Message != "" {
		sanitized["message"] = event.Message
	}
	if event.Error != "" {
		sanitized["error"] = event.Error
	}
	if event.Result != nil {
		sanitized["translate_result"] = resultToMap(extractResult(event.Result))
	}
	for key, value := range event.Extra {
		if _, exists := sanitized[key]; exists {
			continue
		}
		sanitized[key] = jsonify(value)
	}
	return sanitized
}

// extractResult はエンジンの成果記述子をストアの成果情報へ写します。
func extractResult(desc *translate.ResultDescriptor) *ResultInfo {
	if desc == nil {
		return nil
	}
	return &ResultInfo{
		OriginalPDF: desc.OriginalPDFPath,
		MonoPDF:     desc.MonoPDFPath,
		DualPDF:     desc.DualPDFPath,
		OutputDir:   desc.OutputDir,
	}
}

func resultToMap(result *ResultInfo) map[string]any {
	if result == nil {
		return nil
	}
	m := map[string]any{}
	if result.OriginalPDF != "" {
		m["original_pdf"] = result.OriginalPDF
	}
	if result.MonoPDF != "" {
		m["mono_pdf"] = result.MonoPDF
	}
	if result.DualPDF != "" {
		m["dual_pdf"] = result.DualPDF
	}
	if result.OutputDir != "" {
		m["output_dir"] = result.OutputDir
	}
	return m
}

// jsonify は任意の値をJSON安全なプリミティブへ再帰的に強制します。
func jsonify(value any) any {
	switch v := value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = jsonify(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonify(item)
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}
