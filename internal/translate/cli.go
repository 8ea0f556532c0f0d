package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/yourusername/linguapdf/internal/settings"
)

// 1イベントの最大サイズ。巨大な補助ペイロードでメモリを食い潰さないための上限。
const maxEventLineBytes = 4 * 1024 * 1024

// CLIEngine は外部の翻訳CLIを起動し、標準出力のJSON Linesをイベントとして読み取ります。
type CLIEngine struct {
	command string
}

// NewCLIEngine はCLIエンジンを作成します。
func NewCLIEngine(command string) *CLIEngine {
	return &CLIEngine{command: command}
}

// Translate は翻訳プロセスを起動し、イベントストリームを返します。
func (e *CLIEngine) Translate(ctx context.Context, cfg *settings.Settings, inputPath string) (Stream, error) {
	if e.command == "" {
		return nil, NewError("翻訳エンジンが設定されていません。", nil)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command, "--json-events", "--settings", string(encoded), inputPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, NewError(fmt.Sprintf("翻訳エンジンの起動に失敗しました: %v", err), err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)

	return &cliStream{
		cmd:     cmd,
		scanner: scanner,
		stderr:  &stderr,
	}, nil
}

type cliStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	done    bool
}

// Next は標準出力から次のイベントを読み取ります。
// プロセスが異常終了した場合は翻訳エラーとして返します。
func (s *cliStream) Next(ctx context.Context) (*Event, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, NewError(fmt.Sprintf("翻訳エンジンの出力を解釈できませんでした: %v", err), err)
		}
		return &event, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		_ = s.cmd.Wait()
		return nil, NewError(fmt.Sprintf("翻訳エンジンの出力読み取りに失敗しました: %v", err), err)
	}

	// 出力終端。プロセスの終了コードを確認する。
	s.done = true
	if err := s.cmd.Wait(); err != nil {
		return nil, NewError(fmt.Sprintf("翻訳エンジンが異常終了しました: %s", stderrTail(s.stderr)), err)
	}
	return nil, io.EOF
}

// Close はプロセスを終了させ、リソースを解放します。
func (s *cliStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func stderrTail(buf *bytes.Buffer) string {
	const tailBytes = 512
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return "(no stderr output)"
	}
	if len(text) > tailBytes {
		text = "..." + text[len(text)-tailBytes:]
	}
	return text
}
