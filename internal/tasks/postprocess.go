package tasks

import (
	"os"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// optimizeArtifact は成果物PDFを配信向けに最適化します。
// ベストエフォートの後処理であり、失敗してもタスクの成否には影響しません。
func optimizeArtifact(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	// outFile を空にするとインプレースで最適化される
	return pdfapi.OptimizeFile(path, "", nil)
}
